package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum/common"

	"github.com/infinitefield/hypersdk/internal/discovery"
	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/signing"
)

// DefaultIdleTimeout bounds how long either side waits for the next frame.
const DefaultIdleTimeout = 30 * time.Second

// Status is how a participant left a session.
type Status int

const (
	// Approved means a signature was sent.
	Approved Status = iota + 1
	// Rejected means the operator declined.
	Rejected
	// Refused means the proposal failed verification or did not name this
	// signer. No prompt was shown.
	Refused
)

func (s Status) String() string {
	switch s {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case Refused:
		return "refused"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is the result of Join.
type Outcome struct {
	Status   Status
	Reason   string
	Proposal *Verified // nil when verification failed
	Ack      *Ack      // nil when the initiator closed without acknowledging
}

// JoinConfig configures a participant.
type JoinConfig struct {
	Dialer      discovery.Dialer
	Signer      signing.Signer
	Approver    Approver
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Join connects to the initiator behind t, verifies its proposal and answers
// it. A signature is only sent over the digest computed here, and only after
// Approver accepted. The returned error covers transport and protocol
// failures; refusals and rejections are reported in the Outcome.
func Join(ctx context.Context, cfg JoinConfig, t discovery.Ticket) (*Outcome, error) {
	if cfg.Dialer == nil || cfg.Signer == nil {
		return nil, errors.New("join: dialer and signer are required")
	}
	if cfg.Approver == nil {
		cfg.Approver = RejectAll{Reason: "no approver configured"}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	me := cfg.Signer.Address()
	logger = logger.With("module", "peer", "role", "participant", "signer", me.Hex())

	var conn discovery.Conn
	err := retry.Do(func() error {
		c, err := cfg.Dialer.Connect(ctx, t)
		if err != nil {
			return err
		}
		conn = c
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(domain.IsRetriable),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Connect failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	f := NewFramer(conn)
	msg, err := recvWithin(conn, f, cfg.IdleTimeout)
	if err != nil {
		return nil, domain.NewNetworkError("read proposal", err)
	}
	if msg.Type != MsgProposal {
		return nil, fmt.Errorf("%w: expected proposal, got %s", errMalformed, msg.Type)
	}

	v, err := VerifyProposal(msg.Proposal)
	if err != nil {
		logger.Warn("Proposal refused", "session", msg.Proposal.SessionID, "error", err)
		return refuse(f, me, nil, err.Error())
	}
	logger = logger.With("session", v.SessionID)
	if !v.IsAuthorized(me) {
		logger.Warn("Not an authorized signer for this session")
		return refuse(f, me, v, "signer "+me.Hex()+" is not authorized")
	}
	if !v.Deadline.IsZero() && time.Now().After(v.Deadline) {
		logger.Warn("Proposal already expired", "deadline", v.Deadline)
		return refuse(f, me, v, "session expired at "+v.Deadline.Format(time.RFC3339))
	}

	// The operator may take longer than the idle timeout to decide.
	stop := keepAlive(f, keepAliveInterval(cfg.IdleTimeout))
	decision, err := cfg.Approver.Approve(ctx, v)
	var sig domain.Signature
	if err == nil && decision.Accept {
		sig, err = cfg.Signer.SignDigest(ctx, v.Digest)
	}
	if kerr := stop(); kerr != nil && err == nil {
		err = domain.NewNetworkError("write pending", kerr)
	}
	if err != nil {
		return nil, err
	}
	if !decision.Accept {
		reason := decision.Reason
		if reason == "" {
			reason = domain.ErrRejected.Error()
		}
		logger.Info("Proposal rejected", "reason", reason)
		if err := f.Send(&Message{Type: MsgRejection, Rejection: &Rejection{Address: me.Hex(), Reason: reason}}); err != nil {
			return nil, domain.NewNetworkError("write rejection", err)
		}
		return &Outcome{Status: Rejected, Reason: reason, Proposal: v}, nil
	}

	if err := f.Send(&Message{Type: MsgApproval, Approval: &Approval{Address: me.Hex(), Signature: sig.Bytes()}}); err != nil {
		return nil, domain.NewNetworkError("write approval", err)
	}
	logger.Info("Signature sent", "digest", v.Digest.Hex())

	out := &Outcome{Status: Approved, Proposal: v}
	reply, err := recvWithin(conn, f, cfg.IdleTimeout)
	if err != nil {
		// The initiator may close as soon as the session finalizes.
		logger.Debug("No acknowledgement", "error", err)
		return out, nil
	}
	if reply.Type == MsgAck {
		out.Ack = reply.Ack
		if !reply.Ack.Accepted {
			out.Reason = reply.Ack.Reason
		}
	}
	return out, nil
}

func refuse(f *Framer, me common.Address, v *Verified, reason string) (*Outcome, error) {
	if err := f.Send(&Message{Type: MsgRejection, Rejection: &Rejection{Address: me.Hex(), Reason: "refused: " + reason}}); err != nil {
		return nil, domain.NewNetworkError("write rejection", err)
	}
	return &Outcome{Status: Refused, Reason: reason, Proposal: v}, nil
}

// keepAlive sends MsgPending on f every interval until the returned stop is
// called. stop waits for the sender to exit and reports its write error.
func keepAlive(f *Framer, every time.Duration) (stop func() error) {
	done := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				result <- nil
				return
			case <-t.C:
				if err := f.Send(&Message{Type: MsgPending}); err != nil {
					result <- err
					return
				}
			}
		}
	}()
	return func() error {
		close(done)
		return <-result
	}
}

func keepAliveInterval(idle time.Duration) time.Duration {
	every := idle / 3
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	return every
}

func recvWithin(conn discovery.Conn, f *Framer, d time.Duration) (*Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	return f.Recv()
}
