package domain

import (
	"context"
)

// MarketSource provides exchange market metadata.
type MarketSource interface {
	Perps(ctx context.Context) ([]Market, error)
	SpotMarkets(ctx context.Context) ([]Market, error)
}

// SessionJournal records multi-sig sessions and issued nonces locally.
type SessionJournal interface {
	SaveSession(rec *SessionRecord) error
	FinishSession(id, state string, signers []string, failure error) error
	MarkSubmitted(id, response string) error
	RecordNonce(signer string, n uint64) error
	LastNonce(signer string) (uint64, error)
}
