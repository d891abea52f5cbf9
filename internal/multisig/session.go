// Package multisig collects threshold signatures over one action digest and
// assembles the multi-sig envelope.
package multisig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/signing"
)

// State is the lifecycle of a Session.
type State int32

const (
	Collecting State = iota
	Finalizing
	Finalized
	Failed
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Finalizing:
		return "finalizing"
	case Finalized:
		return "finalized"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// AddResult describes what happened to an offered signature.
type AddResult int

const (
	AddRejected AddResult = iota
	AddAccepted
	AddDuplicate
	// AddFinalized means this signature met the threshold and the caller
	// assembled the envelope.
	AddFinalized
)

func (r AddResult) String() string {
	switch r {
	case AddAccepted:
		return "accepted"
	case AddDuplicate:
		return "duplicate"
	case AddFinalized:
		return "finalized"
	default:
		return "rejected"
	}
}

// Recorder receives session counters. *infra.Metrics implements it.
type Recorder interface {
	SignatureAccepted()
	SignatureRejected()
	SignatureDuplicate()
	SessionFinalized()
	SessionFailed()
}

type nopRecorder struct{}

func (nopRecorder) SignatureAccepted()  {}
func (nopRecorder) SignatureRejected()  {}
func (nopRecorder) SignatureDuplicate() {}
func (nopRecorder) SessionFinalized()   {}
func (nopRecorder) SessionFailed()      {}

// Params configures a new Session.
type Params struct {
	ID           string // Generated when empty
	MultiSigUser common.Address
	OuterSigner  common.Address
	Inner        action.Action
	Nonce        uint64
	Context      signing.Context
	Authorized   []common.Address
	Threshold    int
	Deadline     time.Time // Zero means no deadline; Cancel still applies
	Recorder     Recorder
	Logger       *slog.Logger
}

// Session owns the signature map of one multi-sig proposal.
type Session struct {
	id         string
	params     Params
	digest     signing.Digest
	authorized map[common.Address]struct{}
	recorder   Recorder
	logger     *slog.Logger

	state atomic.Int32

	mu   sync.Mutex
	sigs map[common.Address]domain.Signature

	done     chan struct{}
	envelope *action.MultiSig
	signers  []common.Address
	err      error
	timer    *time.Timer
}

// NewSession validates p, computes the digest every signer must sign and
// starts the deadline timer.
func NewSession(p Params) (*Session, error) {
	if p.Inner == nil {
		return nil, domain.NewEncodingError("payload.action", "inner action is required")
	}
	if p.Inner.Kind() == action.KindMultiSig {
		return nil, domain.NewEncodingError("payload.action", "multi-sig envelopes cannot be nested")
	}
	if p.Threshold < 1 {
		return nil, fmt.Errorf("threshold must be at least 1, got %d", p.Threshold)
	}
	if p.Threshold > len(p.Authorized) {
		return nil, fmt.Errorf("threshold %d exceeds %d authorized signers", p.Threshold, len(p.Authorized))
	}

	authorized := make(map[common.Address]struct{}, len(p.Authorized))
	for _, a := range p.Authorized {
		if a == (common.Address{}) {
			return nil, errors.New("authorized signer must not be the zero address")
		}
		if _, dup := authorized[a]; dup {
			return nil, fmt.Errorf("authorized signer %s listed twice", a.Hex())
		}
		authorized[a] = struct{}{}
	}
	if _, ok := authorized[p.OuterSigner]; !ok {
		return nil, fmt.Errorf("outer signer %s is not an authorized signer", p.OuterSigner.Hex())
	}

	p.Context = p.Context.Clone()
	p.Authorized = append([]common.Address(nil), p.Authorized...)
	digest, err := signing.ActionHash(envelopeFor(p, nil), p.Nonce, p.Context)
	if err != nil {
		return nil, err
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Recorder == nil {
		p.Recorder = nopRecorder{}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		id:         p.ID,
		params:     p,
		digest:     digest,
		authorized: authorized,
		recorder:   p.Recorder,
		logger:     logger.With("module", "multisig", "session", p.ID),
		sigs:       make(map[common.Address]domain.Signature, p.Threshold),
		done:       make(chan struct{}),
	}
	s.state.Store(int32(Collecting))

	if !p.Deadline.IsZero() {
		s.mu.Lock()
		s.timer = time.AfterFunc(time.Until(p.Deadline), func() {
			s.fail("deadline exceeded")
		})
		s.mu.Unlock()
	}

	s.logger.Info("Session opened",
		"digest", digest.Hex(),
		"threshold", p.Threshold,
		"authorized", len(p.Authorized),
		"kind", p.Inner.Kind().String())
	return s, nil
}

func envelopeFor(p Params, sigs []domain.Signature) *action.MultiSig {
	return &action.MultiSig{
		SignatureChainID: p.Context.SignatureChainID,
		Signatures:       sigs,
		Payload: action.MultiSigPayload{
			MultiSigUser: p.MultiSigUser,
			OuterSigner:  p.OuterSigner,
			Action:       p.Inner,
		},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Digest is the value every authorized signer signs.
func (s *Session) Digest() signing.Digest { return s.digest }

// Params returns a copy of the parameters the session was built from.
func (s *Session) Params() Params {
	p := s.params
	p.Context = p.Context.Clone()
	p.Authorized = append([]common.Address(nil), p.Authorized...)
	return p
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reaches Finalized or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IsAuthorized reports whether addr may sign for this session.
func (s *Session) IsAuthorized(addr common.Address) bool {
	_, ok := s.authorized[addr]
	return ok
}

// Add offers a signature from addr. It is safe for concurrent use.
//
// A signature is counted only if it recovers to addr and addr is authorized.
// Resubmissions from a counted signer return AddDuplicate with a nil error.
// The arrival that meets the threshold freezes exactly Threshold signatures,
// assembles the envelope and returns AddFinalized.
func (s *Session) Add(addr common.Address, sig domain.Signature) (AddResult, error) {
	if s.State() != Collecting {
		s.recorder.SignatureRejected()
		return AddRejected, domain.ErrSessionClosed
	}

	// Recovery is pure; do it outside the lock.
	recovered, err := signing.Recover(s.digest, sig)
	if err != nil {
		s.reject(addr, err)
		return AddRejected, err
	}
	if recovered != addr {
		err := fmt.Errorf("%w: recovered %s, submitted as %s", domain.ErrSignerMismatch, recovered.Hex(), addr.Hex())
		s.reject(addr, err)
		return AddRejected, err
	}
	if !s.IsAuthorized(addr) {
		err := &domain.UnauthorizedSignerError{Address: addr.Hex()}
		s.reject(addr, err)
		return AddRejected, err
	}

	s.mu.Lock()
	if s.State() != Collecting {
		s.mu.Unlock()
		s.recorder.SignatureRejected()
		return AddRejected, domain.ErrSessionClosed
	}
	if _, dup := s.sigs[addr]; dup {
		s.mu.Unlock()
		s.recorder.SignatureDuplicate()
		s.logger.Debug("Duplicate signature ignored", "signer", addr.Hex())
		return AddDuplicate, nil
	}
	s.sigs[addr] = sig
	collected := len(s.sigs)
	s.recorder.SignatureAccepted()

	if collected < s.params.Threshold {
		s.mu.Unlock()
		s.logger.Info("Signature accepted", "signer", addr.Hex(), "collected", collected, "threshold", s.params.Threshold)
		return AddAccepted, nil
	}

	// Threshold met: exactly one arrival wins this transition.
	if !s.state.CompareAndSwap(int32(Collecting), int32(Finalizing)) {
		delete(s.sigs, addr)
		s.mu.Unlock()
		return AddRejected, domain.ErrSessionClosed
	}
	frozen := make(map[common.Address]domain.Signature, len(s.sigs))
	for a, v := range s.sigs {
		frozen[a] = v
	}
	s.mu.Unlock()

	s.logger.Info("Threshold met", "signer", addr.Hex(), "collected", collected)
	if !s.finalize(frozen) {
		return AddRejected, domain.ErrSessionClosed
	}
	return AddFinalized, nil
}

func (s *Session) reject(addr common.Address, err error) {
	s.recorder.SignatureRejected()
	s.logger.Warn("Signature rejected", "signer", addr.Hex(), "error", err)
}

// finalize orders the frozen signatures by ascending signer address and
// publishes the envelope. It returns false if the session was cancelled in
// the meantime.
func (s *Session) finalize(frozen map[common.Address]domain.Signature) bool {
	signers := make([]common.Address, 0, len(frozen))
	for a := range frozen {
		signers = append(signers, a)
	}
	sort.Slice(signers, func(i, j int) bool {
		return bytes.Compare(signers[i].Bytes(), signers[j].Bytes()) < 0
	})
	sigs := make([]domain.Signature, len(signers))
	for i, a := range signers {
		sigs[i] = frozen[a]
	}
	envelope := envelopeFor(s.params, sigs)

	if !s.state.CompareAndSwap(int32(Finalizing), int32(Finalized)) {
		return false
	}
	s.envelope = envelope
	s.signers = signers
	s.stopTimer()
	close(s.done)

	s.recorder.SessionFinalized()
	s.logger.Info("Session finalized", "signers", len(signers))
	return true
}

// Cancel fails the session unless it already finalized. It returns false if
// the session was already terminal.
func (s *Session) Cancel(reason string) bool {
	return s.fail(reason)
}

func (s *Session) fail(reason string) bool {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(Collecting), int32(Failed)) &&
		!s.state.CompareAndSwap(int32(Finalizing), int32(Failed)) {
		s.mu.Unlock()
		return false
	}
	collected := len(s.sigs)
	missing := s.missingLocked()
	s.mu.Unlock()

	names := make([]string, len(missing))
	for i, a := range missing {
		names[i] = a.Hex()
	}
	s.err = &domain.ThresholdNotMetError{
		Collected: collected,
		Threshold: s.params.Threshold,
		Missing:   names,
		Reason:    reason,
	}
	s.stopTimer()
	close(s.done)

	s.recorder.SessionFailed()
	s.logger.Warn("Session failed", "reason", reason, "collected", collected, "missing", names)
	return true
}

func (s *Session) stopTimer() {
	s.mu.Lock()
	t := s.timer
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// missingLocked returns authorized signers that have not signed, sorted.
func (s *Session) missingLocked() []common.Address {
	var missing []common.Address
	for _, a := range s.params.Authorized {
		if _, ok := s.sigs[a]; !ok {
			missing = append(missing, a)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		return bytes.Compare(missing[i].Bytes(), missing[j].Bytes()) < 0
	})
	return missing
}

// Wait blocks until the session is terminal or ctx is done. Cancelling ctx
// does not cancel the session.
func (s *Session) Wait(ctx context.Context) (*action.MultiSig, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.envelope, nil
}

// Signers returns the addresses whose signatures are in the envelope, in
// envelope order. It is empty until the session finalizes.
func (s *Session) Signers() []common.Address {
	select {
	case <-s.done:
		return append([]common.Address(nil), s.signers...)
	default:
		return nil
	}
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID        string
	State     State
	Threshold int
	Collected []common.Address
	Missing   []common.Address
	Deadline  time.Time
}

// Snapshot returns the current state and signer progress.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	collected := make([]common.Address, 0, len(s.sigs))
	for a := range s.sigs {
		collected = append(collected, a)
	}
	sort.Slice(collected, func(i, j int) bool {
		return bytes.Compare(collected[i].Bytes(), collected[j].Bytes()) < 0
	})
	return Snapshot{
		ID:        s.id,
		State:     s.State(),
		Threshold: s.params.Threshold,
		Collected: collected,
		Missing:   s.missingLocked(),
		Deadline:  s.params.Deadline,
	}
}
