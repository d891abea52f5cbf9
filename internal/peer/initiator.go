package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/discovery"
	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/multisig"
	"github.com/infinitefield/hypersdk/internal/signing"
)

// ConnTracker counts open peer connections. *infra.Metrics implements it.
type ConnTracker interface {
	IncrementConnections()
	DecrementConnections()
}

type nopTracker struct{}

func (nopTracker) IncrementConnections() {}
func (nopTracker) DecrementConnections() {}

// InitiatorConfig configures the side that owns the session.
type InitiatorConfig struct {
	Session    *multisig.Session
	Advertiser discovery.Advertiser

	// Signer, when set and authorized, contributes the initiator's own
	// signature without a network round trip.
	Signer signing.Signer

	IdleTimeout time.Duration
	Connections ConnTracker
	Logger      *slog.Logger
}

// Initiator serves one session's proposal to every participant that dials
// its ticket and feeds their signatures into the session.
type Initiator struct {
	cfg      InitiatorConfig
	proposal *Proposal
	logger   *slog.Logger

	conns *xsync.MapOf[string, discovery.Conn]
	seq   atomic.Uint64

	mu   sync.Mutex
	errs error
}

// NewInitiator prepares the proposal for cfg.Session.
func NewInitiator(cfg InitiatorConfig) (*Initiator, error) {
	if cfg.Session == nil || cfg.Advertiser == nil {
		return nil, errors.New("initiator: session and advertiser are required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Connections == nil {
		cfg.Connections = nopTracker{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prop, err := NewProposal(cfg.Session)
	if err != nil {
		return nil, err
	}
	return &Initiator{
		cfg:      cfg,
		proposal: prop,
		logger:   logger.With("module", "peer", "role", "initiator", "session", cfg.Session.ID()),
		conns:    xsync.NewMapOf[discovery.Conn](),
	}, nil
}

// Ticket publishes the session and returns the ticket to hand to
// participants. It may be called before Run.
func (i *Initiator) Ticket(ctx context.Context) (discovery.Ticket, error) {
	return i.cfg.Advertiser.Advertise(ctx)
}

// Proposal returns the message sent to every participant.
func (i *Initiator) Proposal() *Proposal {
	return i.proposal
}

// Run accepts participants until the session is terminal. Cancelling ctx
// cancels the session. Failures of individual peers never end the session;
// they are collected in PeerErrors.
func (i *Initiator) Run(ctx context.Context) (*action.MultiSig, error) {
	s := i.cfg.Session
	ticket, err := i.Ticket(ctx)
	if err != nil {
		return nil, err
	}
	i.logger.Info("Session advertised", "ticket", ticket, "digest", s.Digest().Hex())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	if i.cfg.Signer != nil && s.IsAuthorized(i.cfg.Signer.Address()) {
		wg.Go(func() { i.signLocal(runCtx) })
	}
	wg.Go(func() { i.acceptLoop(runCtx, &wg) })

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Cancel(ctx.Err().Error())
	}

	cancel()
	if err := i.cfg.Advertiser.Close(); err != nil {
		i.logger.Warn("Advertiser close failed", "error", err)
	}
	i.conns.Range(func(id string, c discovery.Conn) bool {
		c.Close()
		return true
	})
	wg.Wait()

	return s.Wait(context.Background())
}

// PeerErrors aggregates per-connection failures seen so far.
func (i *Initiator) PeerErrors() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.errs
}

// Connections returns the number of participants currently connected.
func (i *Initiator) Connections() int {
	return i.conns.Size()
}

func (i *Initiator) signLocal(ctx context.Context) {
	s := i.cfg.Session
	signer := i.cfg.Signer
	sig, err := signer.SignDigest(ctx, s.Digest())
	if err != nil {
		i.logger.Warn("Local signature failed", "error", err)
		return
	}
	if _, err := s.Add(signer.Address(), sig); err != nil {
		i.logger.Warn("Local signature not counted", "error", err)
	}
}

func (i *Initiator) acceptLoop(ctx context.Context, wg *conc.WaitGroup) {
	for {
		conn, err := i.cfg.Advertiser.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				i.logger.Error("Accept failed", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		id := fmt.Sprintf("%d/%s", i.seq.Add(1), conn.RemoteID())
		i.conns.Store(id, conn)
		i.cfg.Connections.IncrementConnections()
		wg.Go(func() { i.serve(ctx, id, conn) })
	}
}

func (i *Initiator) serve(ctx context.Context, id string, conn discovery.Conn) {
	logger := i.logger.With("peer", id)
	defer func() {
		i.conns.Delete(id)
		conn.Close()
		i.cfg.Connections.DecrementConnections()
	}()
	logger.Debug("Peer connected")

	f := NewFramer(conn)
	if err := f.Send(&Message{Type: MsgProposal, Proposal: i.proposal}); err != nil {
		i.peerError(ctx, id, "write proposal", err)
		return
	}

	var msg *Message
	for {
		m, err := recvWithin(conn, f, i.cfg.IdleTimeout)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				err = fmt.Errorf("idle for %s: %w", i.cfg.IdleTimeout, err)
			}
			i.peerError(ctx, id, "read", err)
			return
		}
		if m.Type != MsgPending {
			msg = m
			break
		}
	}

	switch msg.Type {
	case MsgApproval:
		// Off the registry so shutdown does not race the acknowledgement.
		i.conns.Delete(id)
		ack := i.approve(logger, msg.Approval)
		if err := f.Send(&Message{Type: MsgAck, Ack: ack}); err != nil {
			logger.Debug("Ack not delivered", "error", err)
		}
	case MsgRejection:
		logger.Info("Peer rejected proposal", "signer", msg.Rejection.Address, "reason", msg.Rejection.Reason)
	default:
		i.peerError(ctx, id, "read", fmt.Errorf("%w: unexpected %s", errMalformed, msg.Type))
	}
}

func (i *Initiator) approve(logger *slog.Logger, a *Approval) *Ack {
	s := i.cfg.Session
	ack := &Ack{}

	res, err := func() (multisig.AddResult, error) {
		if !common.IsHexAddress(a.Address) {
			return multisig.AddRejected, domain.NewEncodingError("address", "invalid address %q", a.Address)
		}
		sig, err := domain.SignatureFromBytes(a.Signature)
		if err != nil {
			return multisig.AddRejected, err
		}
		return s.Add(common.HexToAddress(a.Address), sig)
	}()

	snap := s.Snapshot()
	ack.Collected = len(snap.Collected)
	ack.Threshold = snap.Threshold
	ack.Finalized = snap.State == multisig.Finalized
	if err != nil {
		ack.Reason = err.Error()
		i.recordError(fmt.Errorf("approval from %s: %w", a.Address, err))
		return ack
	}
	ack.Accepted = true
	logger.Info("Approval received", "signer", a.Address, "result", res.String(), "collected", ack.Collected)
	return ack
}

func (i *Initiator) peerError(ctx context.Context, id, op string, err error) {
	select {
	case <-i.cfg.Session.Done():
		return
	case <-ctx.Done():
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	i.logger.Warn("Peer failed", "peer", id, "op", op, "error", err)
	i.recordError(fmt.Errorf("peer %s: %s: %w", id, op, err))
}

func (i *Initiator) recordError(err error) {
	i.mu.Lock()
	i.errs = multierr.Append(i.errs, err)
	i.mu.Unlock()
}
