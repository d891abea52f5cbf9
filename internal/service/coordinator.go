package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/discovery"
	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/infra/hyperliquid"
	"github.com/infinitefield/hypersdk/internal/multisig"
	"github.com/infinitefield/hypersdk/internal/nonce"
	"github.com/infinitefield/hypersdk/internal/peer"
	"github.com/infinitefield/hypersdk/internal/signing"
)

const (
	RoleInitiator   = "initiator"
	RoleParticipant = "participant"
)

// Recorder receives session and connection counters. *infra.Metrics
// implements it.
type Recorder interface {
	multisig.Recorder
	peer.ConnTracker
}

// Coordinator runs multi-sig sessions for the local signer, either as the
// initiator that proposes and submits or as a participant that co-signs.
type Coordinator struct {
	signer   signing.Signer
	nonces   *nonce.Source
	exchange Exchange
	journal  domain.SessionJournal
	context  signing.Context
	recorder Recorder
	logger   *slog.Logger
}

// CoordinatorConfig wires a Coordinator. Journal and Recorder may be nil.
type CoordinatorConfig struct {
	Signer   signing.Signer
	Nonces   *nonce.Source
	Exchange Exchange
	Journal  domain.SessionJournal
	Context  signing.Context
	Recorder Recorder
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		signer:   cfg.Signer,
		nonces:   cfg.Nonces,
		exchange: cfg.Exchange,
		journal:  cfg.Journal,
		context:  cfg.Context.Clone(),
		recorder: cfg.Recorder,
		logger:   slog.Default().With("module", "coordinator", "signer", cfg.Signer.Address().Hex()),
	}
}

// Proposal describes a multi-sig action the local signer leads.
type Proposal struct {
	MultiSigUser common.Address
	Authorized   []common.Address
	Threshold    int
	// Build returns the inner action for nonce n. User-signed actions must
	// carry n as their own nonce.
	Build       func(n uint64) (action.Action, error)
	Deadline    time.Duration
	IdleTimeout time.Duration
}

// Result is what Propose produced.
type Result struct {
	SessionID string
	Nonce     uint64
	Envelope  *action.MultiSig
	Signers   []common.Address
	Response  *hyperliquid.Response
}

// Propose opens a session, advertises it through adv, collects signatures
// until the threshold is met and submits the envelope with the local signer
// as lead. onTicket is called once the ticket can be shared.
func (c *Coordinator) Propose(ctx context.Context, p Proposal, adv discovery.Advertiser, onTicket func(discovery.Ticket)) (*Result, error) {
	if p.Build == nil {
		return nil, errors.New("propose: inner action builder is required")
	}
	n := c.nonces.Next()
	recordNonce(c.journal, c.logger, c.signer.Address(), n)

	inner, err := p.Build(n)
	if err != nil {
		return nil, err
	}
	var deadline time.Time
	if p.Deadline > 0 {
		deadline = time.Now().Add(p.Deadline)
	}

	params := multisig.Params{
		MultiSigUser: p.MultiSigUser,
		OuterSigner:  c.signer.Address(),
		Inner:        inner,
		Nonce:        n,
		Context:      c.context,
		Authorized:   p.Authorized,
		Threshold:    p.Threshold,
		Deadline:     deadline,
		Logger:       c.logger,
	}
	var tracker peer.ConnTracker
	if c.recorder != nil {
		params.Recorder = c.recorder
		tracker = c.recorder
	}
	session, err := multisig.NewSession(params)
	if err != nil {
		return nil, err
	}

	ini, err := peer.NewInitiator(peer.InitiatorConfig{
		Session:     session,
		Advertiser:  adv,
		Signer:      c.signer,
		IdleTimeout: p.IdleTimeout,
		Connections: tracker,
		Logger:      c.logger,
	})
	if err != nil {
		session.Cancel(err.Error())
		return nil, err
	}

	c.save(&domain.SessionRecord{
		ID:           session.ID(),
		Role:         RoleInitiator,
		Kind:         inner.Kind().String(),
		MultiSigUser: p.MultiSigUser.Hex(),
		Chain:        c.context.Chain.String(),
		Nonce:        n,
		Digest:       session.Digest().Hex(),
		Threshold:    p.Threshold,
		Authorized:   joinAddresses(p.Authorized),
		State:        multisig.Collecting.String(),
	})

	ticket, err := ini.Ticket(ctx)
	if err != nil {
		session.Cancel(err.Error())
		c.finish(session.ID(), multisig.Failed.String(), nil, err)
		return nil, err
	}
	if onTicket != nil {
		onTicket(ticket)
	}

	env, err := ini.Run(ctx)
	if perr := ini.PeerErrors(); perr != nil {
		c.logger.Debug("Peer errors during session", "session", session.ID(), "error", perr)
	}
	if err != nil {
		c.finish(session.ID(), multisig.Failed.String(), nil, err)
		return nil, err
	}
	signers := session.Signers()
	c.finish(session.ID(), multisig.Finalized.String(), signers, nil)

	res := &Result{SessionID: session.ID(), Nonce: n, Envelope: env, Signers: signers}
	resp, err := c.exchange.SubmitMultiSig(ctx, c.signer, env, n, c.context)
	if err != nil {
		return res, fmt.Errorf("submit multi-sig %s: %w", session.ID(), err)
	}
	res.Response = resp
	c.submitted(session.ID(), resp)
	return res, nil
}

// Join answers the session behind t as a participant.
func (c *Coordinator) Join(ctx context.Context, dialer discovery.Dialer, t discovery.Ticket, approver peer.Approver, idle time.Duration) (*peer.Outcome, error) {
	out, err := peer.Join(ctx, peer.JoinConfig{
		Dialer:      dialer,
		Signer:      c.signer,
		Approver:    approver,
		IdleTimeout: idle,
		Logger:      c.logger,
	}, t)
	if err != nil {
		return nil, err
	}
	if v := out.Proposal; v != nil {
		rec := &domain.SessionRecord{
			ID:           v.SessionID,
			Role:         RoleParticipant,
			Kind:         v.Inner.Kind().String(),
			MultiSigUser: v.MultiSigUser.Hex(),
			Chain:        v.Context.Chain.String(),
			Nonce:        v.Nonce,
			Digest:       v.Digest.Hex(),
			Threshold:    v.Threshold,
			Authorized:   joinAddresses(v.Authorized),
			State:        out.Status.String(),
			Error:        out.Reason,
		}
		if out.Ack != nil && !out.Ack.Accepted && out.Ack.Reason != "" {
			rec.Error = out.Ack.Reason
		}
		c.save(rec)
	}
	return out, nil
}

func (c *Coordinator) save(rec *domain.SessionRecord) {
	if c.journal == nil {
		return
	}
	if err := c.journal.SaveSession(rec); err != nil {
		c.logger.Warn("Session not journaled", "session", rec.ID, "error", err)
	}
}

func (c *Coordinator) finish(id, state string, signers []common.Address, failure error) {
	if c.journal == nil {
		return
	}
	if err := c.journal.FinishSession(id, state, lowerHexes(signers), failure); err != nil {
		c.logger.Warn("Session outcome not journaled", "session", id, "error", err)
	}
}

func (c *Coordinator) submitted(id string, resp *hyperliquid.Response) {
	if c.journal == nil {
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		b = []byte(resp.Type)
	}
	if err := c.journal.MarkSubmitted(id, string(b)); err != nil {
		c.logger.Warn("Submission not journaled", "session", id, "error", err)
	}
}

func lowerHexes(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = strings.ToLower(a.Hex())
	}
	return out
}

func joinAddresses(addrs []common.Address) string {
	return strings.Join(lowerHexes(addrs), ",")
}
