package domain

import (
	"errors"
	"fmt"
	"strings"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// EncodingError reports an action field outside its declared domain.
// It is raised before hashing and is never retried.
type EncodingError struct {
	Field string
	Err   error
}

func (e *EncodingError) Error() string {
	return "encoding error [" + e.Field + "]: " + e.Err.Error()
}

func (e *EncodingError) IsRetriable() bool {
	return false
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// NewEncodingError builds an EncodingError with a formatted message.
func NewEncodingError(field, format string, args ...any) *EncodingError {
	return &EncodingError{Field: field, Err: fmt.Errorf(format, args...)}
}

// SigningError is returned when a signer capability is unavailable, rejects
// the request or times out. The caller may retry with a fresh nonce.
type SigningError struct {
	Signer string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Signer == "" {
		return "signing failed: " + e.Err.Error()
	}
	return "signing failed [" + e.Signer + "]: " + e.Err.Error()
}

func (e *SigningError) IsRetriable() bool {
	return true
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// RecoveryError indicates a malformed signature. It always surfaces.
type RecoveryError struct {
	Err error
}

func (e *RecoveryError) Error() string {
	return "signature recovery failed: " + e.Err.Error()
}

func (e *RecoveryError) IsRetriable() bool {
	return false
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// ThresholdNotMetError is the terminal failure of a multi-sig session that
// expired or was cancelled before enough signatures arrived.
type ThresholdNotMetError struct {
	Collected int
	Threshold int
	Missing   []string
	Reason    string
}

func (e *ThresholdNotMetError) Error() string {
	msg := fmt.Sprintf("threshold not met: %d/%d signatures", e.Collected, e.Threshold)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if len(e.Missing) > 0 {
		msg += ", missing " + strings.Join(e.Missing, ", ")
	}
	return msg
}

func (e *ThresholdNotMetError) IsRetriable() bool {
	return false
}

func (e *ThresholdNotMetError) Is(target error) bool {
	return target == ErrThresholdNotMet
}

// UnauthorizedSignerError is a valid signature from an address outside the
// authorized set. It does not count and does not abort the session.
type UnauthorizedSignerError struct {
	Address string
}

func (e *UnauthorizedSignerError) Error() string {
	return "unauthorized signer " + e.Address
}

func (e *UnauthorizedSignerError) IsRetriable() bool {
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// RejectionKind classifies an exchange-side rejection.
type RejectionKind string

const (
	RejectionStaleNonce          RejectionKind = "stale_nonce"
	RejectionOffTick             RejectionKind = "off_tick"
	RejectionThresholdMismatch   RejectionKind = "threshold_mismatch"
	RejectionInsufficientBalance RejectionKind = "insufficient_balance"
	RejectionOther               RejectionKind = "other"
)

// SubmissionError carries a rejection returned verbatim by the exchange.
// Only stale nonce rejections are eligible for a retry with a fresh nonce.
type SubmissionError struct {
	Kind   RejectionKind
	Reason string
}

func (e *SubmissionError) Error() string {
	return "exchange rejected action (" + string(e.Kind) + "): " + e.Reason
}

func (e *SubmissionError) IsRetriable() bool {
	return e.Kind == RejectionStaleNonce
}

// ClassifyRejection maps a raw exchange message to a RejectionKind.
func ClassifyRejection(reason string) RejectionKind {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "nonce"):
		return RejectionStaleNonce
	case strings.Contains(r, "tick"):
		return RejectionOffTick
	case strings.Contains(r, "multi-sig") || strings.Contains(r, "multisig") || strings.Contains(r, "threshold"):
		return RejectionThresholdMismatch
	case strings.Contains(r, "insufficient"):
		return RejectionInsufficientBalance
	default:
		return RejectionOther
	}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrThresholdNotMet matches any *ThresholdNotMetError via errors.Is.
	ErrThresholdNotMet = errors.New("threshold not met")

	// ErrSessionClosed is returned when a signature arrives after the session
	// left the collecting state.
	ErrSessionClosed = errors.New("session no longer collecting")

	// ErrSignerMismatch is returned when a signature recovers to an address
	// other than the one it was submitted for.
	ErrSignerMismatch = errors.New("signature does not match signer address")

	// ErrRejected is returned when an operator declines to sign.
	ErrRejected = errors.New("rejected by signer")

	// ErrConnectionFailed is returned when a peer connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidTicket is returned for malformed, unknown or expired tickets. Not retriable.
	ErrInvalidTicket = errors.New("invalid ticket")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
