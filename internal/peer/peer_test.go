package peer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/discovery"
	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/infra"
	"github.com/infinitefield/hypersdk/internal/multisig"
	"github.com/infinitefield/hypersdk/internal/signing"
)

const testNonce = uint64(1700000000000)

var multiSigUser = common.HexToAddress("0x00000000000000000000000000000000000000ff")

type countingSigner struct {
	signing.Signer
	calls atomic.Int32
}

func (c *countingSigner) SignDigest(ctx context.Context, d signing.Digest) (domain.Signature, error) {
	c.calls.Add(1)
	return c.Signer.SignDigest(ctx, d)
}

func newSigners(t *testing.T, n int) []*countingSigner {
	t.Helper()
	out := make([]*countingSigner, n)
	for i := range out {
		s, err := signing.GenerateSigner()
		require.NoError(t, err)
		out[i] = &countingSigner{Signer: s}
	}
	return out
}

func newSession(t *testing.T, signers []*countingSigner, threshold int) *multisig.Session {
	t.Helper()
	authorized := make([]common.Address, len(signers))
	for i, s := range signers {
		authorized[i] = s.Address()
	}
	s, err := multisig.NewSession(multisig.Params{
		MultiSigUser: multiSigUser,
		OuterSigner:  authorized[0],
		Inner: &action.UsdSend{
			Destination: common.HexToAddress("0x5e9ee1089755c3435139848e47e6635505d5a13a"),
			Amount:      decimal.NewFromInt(10),
			Time:        testNonce,
		},
		Nonce:      testNonce,
		Context:    signing.MainnetContext(),
		Authorized: authorized,
		Threshold:  threshold,
		Deadline:   time.Now().Add(5 * time.Second),
	})
	require.NoError(t, err)
	return s
}

type runResult struct {
	envelope *action.MultiSig
	err      error
}

func startInitiator(t *testing.T, cfg InitiatorConfig) (*Initiator, discovery.Ticket, <-chan runResult) {
	t.Helper()
	in, err := NewInitiator(cfg)
	require.NoError(t, err)
	ticket, err := in.Ticket(context.Background())
	require.NoError(t, err)

	done := make(chan runResult, 1)
	go func() {
		env, err := in.Run(context.Background())
		done <- runResult{env, err}
	}()
	return in, ticket, done
}

func waitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("initiator did not finish")
		return runResult{}
	}
}

func TestFullFlow(t *testing.T) {
	hub := discovery.NewMemoryHub()
	signers := newSigners(t, 3)
	session := newSession(t, signers, 3)
	metrics := &infra.Metrics{}

	_, ticket, done := startInitiator(t, InitiatorConfig{
		Session:     session,
		Advertiser:  hub.Advertiser(),
		Signer:      signers[0],
		Connections: metrics,
	})

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 2)
	for i, s := range signers[1:] {
		wg.Add(1)
		go func(i int, s *countingSigner) {
			defer wg.Done()
			out, err := Join(context.Background(), JoinConfig{Dialer: hub, Signer: s, Approver: AutoApprove}, ticket)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i, s)
	}
	wg.Wait()

	r := waitResult(t, done)
	require.NoError(t, r.err)
	require.Len(t, r.envelope.Signatures, 3)
	assert.Equal(t, session.Digest(), mustDigest(t, session))

	for _, out := range outcomes {
		require.NotNil(t, out)
		assert.Equal(t, Approved, out.Status)
		require.NotNil(t, out.Ack)
		assert.True(t, out.Ack.Accepted)
		assert.Equal(t, 3, out.Ack.Threshold)
	}
	for _, s := range signers {
		assert.Equal(t, int32(1), s.calls.Load())
	}
	assert.Equal(t, int32(0), metrics.Snapshot().ActiveConnections)
}

func mustDigest(t *testing.T, s *multisig.Session) signing.Digest {
	t.Helper()
	p, err := NewProposal(s)
	require.NoError(t, err)
	v, err := VerifyProposal(p)
	require.NoError(t, err)
	return v.Digest
}

func TestRejectionLeavesSessionUntouched(t *testing.T) {
	hub := discovery.NewMemoryHub()
	signers := newSigners(t, 3)
	session := newSession(t, signers, 2)

	in, ticket, done := startInitiator(t, InitiatorConfig{Session: session, Advertiser: hub.Advertiser()})

	out, err := Join(context.Background(), JoinConfig{
		Dialer:   hub,
		Signer:   signers[1],
		Approver: RejectAll{Reason: "amount too large"},
	}, ticket)
	require.NoError(t, err)
	assert.Equal(t, Rejected, out.Status)
	assert.Equal(t, "amount too large", out.Reason)
	assert.Zero(t, signers[1].calls.Load(), "no signature may be produced")
	assert.Empty(t, session.Snapshot().Collected)
	assert.Equal(t, multisig.Collecting, session.State())

	// The session continues with the remaining signers.
	for _, s := range []*countingSigner{signers[0], signers[2]} {
		out, err := Join(context.Background(), JoinConfig{Dialer: hub, Signer: s, Approver: AutoApprove}, ticket)
		require.NoError(t, err)
		assert.Equal(t, Approved, out.Status)
	}

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.ElementsMatch(t, []common.Address{signers[0].Address(), signers[2].Address()}, session.Signers())
	assert.NoError(t, in.PeerErrors())
}

func TestUnauthorizedParticipantRefuses(t *testing.T) {
	hub := discovery.NewMemoryHub()
	signers := newSigners(t, 2)
	session := newSession(t, signers, 1)
	outsider := newSigners(t, 1)[0]

	_, ticket, done := startInitiator(t, InitiatorConfig{Session: session, Advertiser: hub.Advertiser()})

	out, err := Join(context.Background(), JoinConfig{Dialer: hub, Signer: outsider, Approver: AutoApprove}, ticket)
	require.NoError(t, err)
	assert.Equal(t, Refused, out.Status)
	assert.Zero(t, outsider.calls.Load())

	session.Cancel("test over")
	r := waitResult(t, done)
	assert.ErrorIs(t, r.err, domain.ErrThresholdNotMet)
}

// fakeInitiator serves a hand-built proposal and records what comes back.
func fakeInitiator(t *testing.T, hub *discovery.MemoryHub, prop *Proposal) (discovery.Ticket, <-chan *Message) {
	t.Helper()
	adv := hub.Advertiser()
	ticket, err := adv.Advertise(context.Background())
	require.NoError(t, err)

	replies := make(chan *Message, 1)
	go func() {
		defer adv.Close()
		conn, err := adv.Accept(context.Background())
		if err != nil {
			close(replies)
			return
		}
		defer conn.Close()
		f := NewFramer(conn)
		if err := f.Send(&Message{Type: MsgProposal, Proposal: prop}); err != nil {
			close(replies)
			return
		}
		msg, err := f.Recv()
		if err != nil {
			close(replies)
			return
		}
		replies <- msg
	}()
	return ticket, replies
}

func TestTamperedProposalIsRefused(t *testing.T) {
	signers := newSigners(t, 2)
	session := newSession(t, signers, 2)
	defer session.Cancel("test over")

	prop, err := NewProposal(session)
	require.NoError(t, err)
	// Swap the amount but keep the advertised digest.
	prop.Action = bytes.Replace(prop.Action, []byte(`"amount":"10"`), []byte(`"amount":"10000"`), 1)

	hub := discovery.NewMemoryHub()
	ticket, replies := fakeInitiator(t, hub, prop)

	var prompted atomic.Bool
	approver := ApproverFunc(func(context.Context, *Verified) (Decision, error) {
		prompted.Store(true)
		return Decision{Accept: true}, nil
	})
	out, err := Join(context.Background(), JoinConfig{Dialer: hub, Signer: signers[1], Approver: approver}, ticket)
	require.NoError(t, err)
	assert.Equal(t, Refused, out.Status)
	assert.Contains(t, out.Reason, ErrDigestMismatch.Error())
	assert.False(t, prompted.Load(), "operator must not be prompted")
	assert.Zero(t, signers[1].calls.Load())

	msg := <-replies
	require.NotNil(t, msg)
	assert.Equal(t, MsgRejection, msg.Type)
	assert.Nil(t, msg.Approval)
}

func TestExpiredProposalIsRefused(t *testing.T) {
	signers := newSigners(t, 2)
	session := newSession(t, signers, 2)
	defer session.Cancel("test over")

	prop, err := NewProposal(session)
	require.NoError(t, err)
	prop.Deadline = time.Now().Add(-time.Second).UnixMilli()

	hub := discovery.NewMemoryHub()
	ticket, replies := fakeInitiator(t, hub, prop)

	out, err := Join(context.Background(), JoinConfig{Dialer: hub, Signer: signers[1], Approver: AutoApprove}, ticket)
	require.NoError(t, err)
	assert.Equal(t, Refused, out.Status)
	assert.Contains(t, out.Reason, "expired")
	assert.Zero(t, signers[1].calls.Load())

	msg := <-replies
	require.NotNil(t, msg)
	assert.Equal(t, MsgRejection, msg.Type)
}

func TestVerifyProposal(t *testing.T) {
	signers := newSigners(t, 3)
	session := newSession(t, signers, 2)
	defer session.Cancel("test over")

	base, err := NewProposal(session)
	require.NoError(t, err)

	v, err := VerifyProposal(base)
	require.NoError(t, err)
	assert.Equal(t, session.Digest(), v.Digest)
	assert.Equal(t, testNonce, v.Nonce)
	assert.Contains(t, v.Description, "usdSend")
	assert.False(t, v.Deadline.IsZero())

	tests := []struct {
		name   string
		mutate func(p *Proposal)
		errIs  error
	}{
		{"nonce changed", func(p *Proposal) { p.Nonce++ }, ErrDigestMismatch},
		{"outer signer changed", func(p *Proposal) { p.OuterSigner = action.Address(signers[1].Address()) }, ErrDigestMismatch},
		{"multi-sig user changed", func(p *Proposal) { p.MultiSigUser = "0x00000000000000000000000000000000000000fe" }, ErrDigestMismatch},
		{"vault added", func(p *Proposal) { p.Vault = "0x00000000000000000000000000000000000000aa" }, nil},
		{"chain changed", func(p *Proposal) { p.Chain = "Testnet" }, nil},
		{"signature chain changed", func(p *Proposal) { p.SignatureChainID = 42161 }, nil},
		{"version", func(p *Proposal) { p.Version = 9 }, nil},
		{"threshold above signers", func(p *Proposal) { p.Threshold = 4 }, nil},
		{"duplicate signer", func(p *Proposal) { p.Authorized = append(p.Authorized, p.Authorized[0]) }, nil},
		{"outer not authorized", func(p *Proposal) { p.OuterSigner = "0x00000000000000000000000000000000000000ab" }, nil},
		{"garbage action", func(p *Proposal) { p.Action = []byte(`{"type":"nope"}`) }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := *base
			p.Authorized = append([]string(nil), base.Authorized...)
			tt.mutate(&p)
			_, err := VerifyProposal(&p)
			require.Error(t, err)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
			}
		})
	}
}

func TestIdlePeerDoesNotBlockSession(t *testing.T) {
	hub := discovery.NewMemoryHub()
	signers := newSigners(t, 2)
	session := newSession(t, signers, 1)

	in, ticket, done := startInitiator(t, InitiatorConfig{
		Session:     session,
		Advertiser:  hub.Advertiser(),
		IdleTimeout: 50 * time.Millisecond,
	})

	// A peer that reads the proposal and then goes silent.
	idle, err := hub.Connect(context.Background(), ticket)
	require.NoError(t, err)
	defer idle.Close()
	msg, err := NewFramer(idle).Recv()
	require.NoError(t, err)
	require.Equal(t, MsgProposal, msg.Type)

	require.Eventually(t, func() bool { return in.PeerErrors() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, in.PeerErrors().Error(), "idle")
	assert.Equal(t, multisig.Collecting, session.State())

	out, err := Join(context.Background(), JoinConfig{Dialer: hub, Signer: signers[1], Approver: AutoApprove}, ticket)
	require.NoError(t, err)
	assert.Equal(t, Approved, out.Status)
	require.NotNil(t, out.Ack)
	assert.True(t, out.Ack.Finalized)

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Len(t, r.envelope.Signatures, 1)
}

func TestSlowApproverOutlivesIdleTimeout(t *testing.T) {
	hub := discovery.NewMemoryHub()
	signers := newSigners(t, 2)
	session := newSession(t, signers, 2)

	in, ticket, done := startInitiator(t, InitiatorConfig{
		Session:     session,
		Advertiser:  hub.Advertiser(),
		Signer:      signers[0],
		IdleTimeout: 200 * time.Millisecond,
	})

	slow := ApproverFunc(func(ctx context.Context, v *Verified) (Decision, error) {
		time.Sleep(500 * time.Millisecond)
		return Decision{Accept: true}, nil
	})
	out, err := Join(context.Background(), JoinConfig{
		Dialer:      hub,
		Signer:      signers[1],
		Approver:    slow,
		IdleTimeout: 200 * time.Millisecond,
	}, ticket)
	require.NoError(t, err)
	assert.Equal(t, Approved, out.Status)
	assert.Equal(t, int32(1), signers[1].calls.Load())

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Len(t, r.envelope.Signatures, 2)
	assert.Equal(t, multisig.Finalized, session.State())
	assert.NoError(t, in.PeerErrors())
}

func TestPendingFrameHasNoPayload(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)
	require.NoError(t, f.Send(&Message{Type: MsgPending}))

	msg, err := f.Recv()
	require.NoError(t, err)
	assert.Equal(t, MsgPending, msg.Type)
	assert.Equal(t, "pending", msg.Type.String())
}

func TestRunCancelledByContext(t *testing.T) {
	hub := discovery.NewMemoryHub()
	signers := newSigners(t, 2)
	session := newSession(t, signers, 2)

	in, err := NewInitiator(InitiatorConfig{Session: session, Advertiser: hub.Advertiser()})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = in.Run(ctx)
	assert.ErrorIs(t, err, domain.ErrThresholdNotMet)
	assert.Equal(t, multisig.Failed, session.State())
	assert.Zero(t, in.Connections())
}

func TestJoinUnknownTicket(t *testing.T) {
	hub := discovery.NewMemoryHub()
	signer := newSigners(t, 1)[0]

	_, err := Join(context.Background(), JoinConfig{Dialer: hub, Signer: signer}, "mem:missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidTicket)
	assert.False(t, domain.IsRetriable(err))
}

func TestFramer(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var buf bytes.Buffer
		f := NewFramer(&buf)
		require.NoError(t, f.Send(&Message{Type: MsgAck, Ack: &Ack{Accepted: true, Collected: 2, Threshold: 3}}))

		got, err := f.Recv()
		require.NoError(t, err)
		assert.Equal(t, MsgAck, got.Type)
		assert.Equal(t, 2, got.Ack.Collected)
	})

	t.Run("oversized frame", func(t *testing.T) {
		var buf bytes.Buffer
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
		buf.Write(hdr[:])

		_, err := NewFramer(&buf).Recv()
		assert.ErrorIs(t, err, errFrameTooLarge)
	})

	t.Run("missing payload", func(t *testing.T) {
		var buf bytes.Buffer
		f := NewFramer(&buf)
		require.NoError(t, f.Send(&Message{Type: MsgApproval}))

		_, err := f.Recv()
		assert.ErrorIs(t, err, errMalformed)
	})
}

func TestPromptApprover(t *testing.T) {
	signers := newSigners(t, 2)
	session := newSession(t, signers, 1)
	defer session.Cancel("test over")
	p, err := NewProposal(session)
	require.NoError(t, err)
	v, err := VerifyProposal(p)
	require.NoError(t, err)

	tests := []struct {
		input  string
		accept bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
	}
	for _, tt := range tests {
		var out strings.Builder
		a := &PromptApprover{In: strings.NewReader(tt.input), Out: &out}
		d, err := a.Approve(context.Background(), v)
		require.NoError(t, err)
		assert.Equal(t, tt.accept, d.Accept, "input %q", tt.input)
		assert.Contains(t, out.String(), "Accept (y/n)?")
		assert.Contains(t, out.String(), v.Digest.Hex())
	}

	t.Run("context cancelled", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := (&PromptApprover{In: r, Out: &strings.Builder{}}).Approve(ctx, v)
		assert.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("answers are consumed in order", func(t *testing.T) {
		a := &PromptApprover{In: strings.NewReader("y\nn\n"), Out: &strings.Builder{}}
		d, err := a.Approve(context.Background(), v)
		require.NoError(t, err)
		assert.True(t, d.Accept)
		d, err = a.Approve(context.Background(), v)
		require.NoError(t, err)
		assert.False(t, d.Accept)
	})

	t.Run("answer to a cancelled prompt is discarded", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close()
		a := &PromptApprover{In: r, Out: &strings.Builder{}}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := a.Approve(ctx, v)
		require.ErrorIs(t, err, context.Canceled)

		go io.WriteString(w, "y\nn\n")
		d, err := a.Approve(context.Background(), v)
		require.NoError(t, err)
		assert.False(t, d.Accept)
	})
}
