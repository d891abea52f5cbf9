package domain

import (
	"time"
)

// SessionRecord is the journal entry of one multi-sig session as seen by the
// local process. It is an audit log, never the source of session state.
type SessionRecord struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	Role         string     `json:"role"` // initiator or participant
	Kind         string     `json:"kind"` // Wire tag of the inner action
	MultiSigUser string     `gorm:"index" json:"multi_sig_user"`
	Chain        string     `json:"chain"`
	Nonce        uint64     `json:"nonce"`
	Digest       string     `json:"digest"`
	Threshold    int        `json:"threshold"`
	Authorized   string     `json:"authorized"` // Comma separated, lowercase
	State        string     `gorm:"index" json:"state"`
	Signers      string     `json:"signers"` // Comma separated, envelope order
	Error        string     `json:"error,omitempty"`
	Response     string     `json:"response,omitempty"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NonceRecord persists the highest nonce issued for a signer so a restarted
// process never goes below it.
type NonceRecord struct {
	Signer    string    `gorm:"primaryKey" json:"signer"`
	Last      uint64    `json:"last"`
	UpdatedAt time.Time `json:"updated_at"`
}
