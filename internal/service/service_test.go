package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
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
	"github.com/infinitefield/hypersdk/internal/infra/hyperliquid"
	"github.com/infinitefield/hypersdk/internal/infra/storage"
	"github.com/infinitefield/hypersdk/internal/nonce"
	"github.com/infinitefield/hypersdk/internal/peer"
	"github.com/infinitefield/hypersdk/internal/signing"
)

const testNonce = uint64(1700000000000)

var (
	destination  = common.HexToAddress("0x5e9ee1089755c3435139848e47e6635505d5a13a")
	multiSigUser = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

func fixedNonces() *nonce.Source {
	return nonce.NewWithClock(func() time.Time { return time.UnixMilli(int64(testNonce)) })
}

type multiSigCall struct {
	lead     common.Address
	envelope *action.MultiSig
	nonce    uint64
}

// fakeExchange accepts everything after rejecting the first staleFirst
// single-key submissions as stale.
type fakeExchange struct {
	staleFirst int

	mu       sync.Mutex
	signed   []signing.Signed
	multiSig []multiSigCall
}

func (f *fakeExchange) Resubmit(ctx context.Context, src *nonce.Source, build func(ctx context.Context, n uint64) (signing.Signed, error)) (*hyperliquid.Response, error) {
	for attempt := 0; ; attempt++ {
		s, err := build(ctx, src.Next())
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.signed = append(f.signed, s)
		f.mu.Unlock()
		if attempt < f.staleFirst {
			continue
		}
		return &hyperliquid.Response{Type: "default"}, nil
	}
}

func (f *fakeExchange) SubmitMultiSig(ctx context.Context, lead signing.Signer, env *action.MultiSig, n uint64, sc signing.Context) (*hyperliquid.Response, error) {
	if _, err := signing.SignEnvelope(ctx, lead, env, n, sc); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multiSig = append(f.multiSig, multiSigCall{lead: lead.Address(), envelope: env, nonce: n})
	return &hyperliquid.Response{Type: "default"}, nil
}

func newJournal(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.NewStorage(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newSigner(t *testing.T) *signing.PrivateKeySigner {
	t.Helper()
	s, err := signing.GenerateSigner()
	require.NoError(t, err)
	return s
}

func TestSender_SendUSD(t *testing.T) {
	signer := newSigner(t)
	ex := &fakeExchange{staleFirst: 1}
	journal := newJournal(t)
	metrics := &infra.Metrics{}
	sender := NewSender(signer, fixedNonces(), ex, journal, signing.MainnetContext(), metrics)

	resp, err := sender.SendUSD(context.Background(), destination, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "default", resp.Type)

	require.Len(t, ex.signed, 2, "stale nonce triggers one resubmission")
	for i, s := range ex.signed {
		send, ok := s.Action.(*action.UsdSend)
		require.True(t, ok)
		assert.Equal(t, testNonce+uint64(i), s.Nonce)
		assert.Equal(t, s.Nonce, send.Time, "time field carries the nonce")

		got, err := signing.Recover(s.Digest, s.Signature)
		require.NoError(t, err)
		assert.Equal(t, signer.Address(), got)
	}

	last, err := journal.LastNonce(signer.Address().Hex())
	require.NoError(t, err)
	assert.Equal(t, testNonce+1, last)
	assert.Equal(t, uint64(2), metrics.Snapshot().ActionsSigned)
}

func TestSender_SendUSDRejectsInvalidAmount(t *testing.T) {
	ex := &fakeExchange{}
	sender := NewSender(newSigner(t), fixedNonces(), ex, nil, signing.MainnetContext(), nil)

	_, err := sender.SendUSD(context.Background(), destination, decimal.Zero)
	var encErr *domain.EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Empty(t, ex.signed)
}

func TestSender_PlaceLimitRounds(t *testing.T) {
	ex := &fakeExchange{}
	sender := NewSender(newSigner(t), fixedNonces(), ex, nil, signing.TestnetContext(), nil)
	btc := domain.Market{Name: "BTC", Index: 0, SzDecimals: 5}

	_, err := sender.PlaceLimit(context.Background(), btc, true,
		decimal.RequireFromString("87123.45"), decimal.RequireFromString("0.001234"), action.TifGtc, false)
	require.NoError(t, err)

	require.Len(t, ex.signed, 1)
	order, ok := ex.signed[0].Action.(*action.BatchOrder)
	require.True(t, ok)
	require.Len(t, order.Orders, 1)
	assert.True(t, order.Orders[0].LimitPx.Equal(decimal.RequireFromString("87123")))
	assert.True(t, order.Orders[0].Size.Equal(decimal.RequireFromString("0.00123")))
	assert.Equal(t, action.GroupingNone, order.Grouping)
}

var purr = domain.Token{Name: "PURR", Index: 1, TokenID: "0xc1fb593aeffbeb02f85e0308e9956a90", SzDecimals: 0, WeiDecimals: 5}

func TestSender_SendAsset(t *testing.T) {
	ex := &fakeExchange{}
	sender := NewSender(newSigner(t), fixedNonces(), ex, nil, signing.MainnetContext(), nil)

	_, err := sender.SendAsset(context.Background(), AssetTransfer{
		Token:          purr,
		Destination:    destination,
		Amount:         decimal.RequireFromString("12.5"),
		SourceDex:      "spot",
		DestinationDex: "perp",
	})
	require.NoError(t, err)

	require.Len(t, ex.signed, 1)
	send, ok := ex.signed[0].Action.(*action.SendAsset)
	require.True(t, ok)
	assert.Equal(t, "PURR:0xc1fb593aeffbeb02f85e0308e9956a90", send.Token)
	assert.Equal(t, "spot", send.SourceDex)
	assert.Equal(t, "", send.DestinationDex)
	assert.Equal(t, testNonce, send.Nonce)
}

func TestSender_SendAssetRejectsExcessPrecision(t *testing.T) {
	ex := &fakeExchange{}
	sender := NewSender(newSigner(t), fixedNonces(), ex, nil, signing.MainnetContext(), nil)

	_, err := sender.SendAsset(context.Background(), AssetTransfer{
		Token:       purr,
		Destination: destination,
		Amount:      decimal.RequireFromString("0.000001"),
	})
	var encErr *domain.EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Empty(t, ex.signed)
}

func TestSender_ConvertToMultiSig(t *testing.T) {
	signer := newSigner(t)
	ex := &fakeExchange{}
	sender := NewSender(signer, fixedNonces(), ex, nil, signing.TestnetContext(), nil)
	users := []common.Address{common.HexToAddress("0xbb"), common.HexToAddress("0xaa")}

	_, err := sender.ConvertToMultiSig(context.Background(), users, 2)
	require.NoError(t, err)

	require.Len(t, ex.signed, 1)
	conv, ok := ex.signed[0].Action.(*action.ConvertToMultiSig)
	require.True(t, ok)
	assert.Equal(t, testNonce, conv.Nonce)
	got, err := signing.Recover(ex.signed[0].Digest, ex.signed[0].Signature)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), got)
	assert.Equal(t, signer.Address(), sender.Address())

	_, err = sender.ConvertToMultiSig(context.Background(), users, 3)
	assert.Error(t, err, "threshold above the signer count")
}

func TestSender_Cancel(t *testing.T) {
	ex := &fakeExchange{}
	sender := NewSender(newSigner(t), fixedNonces(), ex, nil, signing.MainnetContext(), nil)
	eth := domain.Market{Name: "ETH", Index: 1, SzDecimals: 4}

	_, err := sender.Cancel(context.Background(), eth, 77)
	require.NoError(t, err)
	cloid, err := action.ParseCloid("0x0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	_, err = sender.CancelByCloid(context.Background(), eth, cloid)
	require.NoError(t, err)

	require.Len(t, ex.signed, 2)
	byOid, ok := ex.signed[0].Action.(*action.Cancel)
	require.True(t, ok)
	assert.Equal(t, []action.CancelRequest{{Asset: 1, Oid: 77}}, byOid.Cancels)
	byCloid, ok := ex.signed[1].Action.(*action.CancelByCloid)
	require.True(t, ok)
	assert.Equal(t, cloid, byCloid.Cancels[0].Cloid)
}

func authorizedOf(signers ...signing.Signer) []common.Address {
	out := make([]common.Address, len(signers))
	for i, s := range signers {
		out[i] = s.Address()
	}
	return out
}

func usdSendProposal(authorized []common.Address, threshold int, deadline time.Duration) Proposal {
	return Proposal{
		MultiSigUser: multiSigUser,
		Authorized:   authorized,
		Threshold:    threshold,
		Build: func(n uint64) (action.Action, error) {
			return &action.UsdSend{Destination: destination, Amount: decimal.NewFromInt(10), Time: n}, nil
		},
		Deadline:    deadline,
		IdleTimeout: time.Second,
	}
}

func TestCoordinator_ProposeAndJoin(t *testing.T) {
	lead, cosigner, absent := newSigner(t), newSigner(t), newSigner(t)
	authorized := authorizedOf(lead, cosigner, absent)

	hub := discovery.NewMemoryHub()
	ex := &fakeExchange{}
	leadJournal := newJournal(t)
	metrics := &infra.Metrics{}

	leader := NewCoordinator(CoordinatorConfig{
		Signer:   lead,
		Nonces:   fixedNonces(),
		Exchange: ex,
		Journal:  leadJournal,
		Context:  signing.MainnetContext(),
		Recorder: metrics,
	})
	participantJournal := newJournal(t)
	participant := NewCoordinator(CoordinatorConfig{
		Signer:  cosigner,
		Nonces:  nonce.New(),
		Journal: participantJournal,
		Context: signing.MainnetContext(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tickets := make(chan discovery.Ticket, 1)
	type proposeResult struct {
		res *Result
		err error
	}
	done := make(chan proposeResult, 1)
	go func() {
		res, err := leader.Propose(ctx, usdSendProposal(authorized, 2, 5*time.Second), hub.Advertiser(), func(t discovery.Ticket) {
			tickets <- t
		})
		done <- proposeResult{res, err}
	}()

	var ticket discovery.Ticket
	select {
	case ticket = <-tickets:
	case <-ctx.Done():
		t.Fatal("no ticket published")
	}

	out, err := participant.Join(ctx, hub, ticket, peer.AutoApprove, time.Second)
	require.NoError(t, err)
	assert.Equal(t, peer.Approved, out.Status)

	var pr proposeResult
	select {
	case pr = <-done:
	case <-ctx.Done():
		t.Fatal("propose did not return")
	}
	require.NoError(t, pr.err)
	res := pr.res
	assert.Equal(t, testNonce, res.Nonce)
	assert.Len(t, res.Envelope.Signatures, 2)
	assert.ElementsMatch(t, []common.Address{lead.Address(), cosigner.Address()}, res.Signers)

	require.Len(t, ex.multiSig, 1)
	assert.Equal(t, lead.Address(), ex.multiSig[0].lead)
	assert.Equal(t, testNonce, ex.multiSig[0].nonce)

	rec, err := leadJournal.GetSession(res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, RoleInitiator, rec.Role)
	assert.Equal(t, "finalized", rec.State)
	assert.Equal(t, "usdSend", rec.Kind)
	assert.NotNil(t, rec.SubmittedAt)
	assert.Contains(t, rec.Response, "default")

	prec, err := participantJournal.GetSession(res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, prec)
	assert.Equal(t, RoleParticipant, prec.Role)
	assert.Equal(t, "approved", prec.State)
	assert.Equal(t, rec.Digest, prec.Digest)

	last, err := leadJournal.LastNonce(lead.Address().Hex())
	require.NoError(t, err)
	assert.Equal(t, testNonce, last)
	assert.Equal(t, uint64(1), metrics.Snapshot().SessionsFinalized)
}

func TestCoordinator_ProposeSendAsset(t *testing.T) {
	lead, cosigner := newSigner(t), newSigner(t)
	hub := discovery.NewMemoryHub()
	ex := &fakeExchange{}
	leader := NewCoordinator(CoordinatorConfig{Signer: lead, Nonces: fixedNonces(), Exchange: ex, Context: signing.MainnetContext()})
	participant := NewCoordinator(CoordinatorConfig{Signer: cosigner, Nonces: nonce.New(), Context: signing.MainnetContext()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := Proposal{
		MultiSigUser: multiSigUser,
		Authorized:   authorizedOf(lead, cosigner),
		Threshold:    2,
		Build: SendAssetAction(AssetTransfer{
			Token:       purr,
			Destination: destination,
			Amount:      decimal.NewFromInt(3),
			SourceDex:   "spot",
		}),
		Deadline:    5 * time.Second,
		IdleTimeout: time.Second,
	}

	tickets := make(chan discovery.Ticket, 1)
	errs := make(chan error, 1)
	results := make(chan *Result, 1)
	go func() {
		res, err := leader.Propose(ctx, p, hub.Advertiser(), func(t discovery.Ticket) { tickets <- t })
		errs <- err
		results <- res
	}()

	out, err := participant.Join(ctx, hub, <-tickets, peer.AutoApprove, time.Second)
	require.NoError(t, err)
	assert.Equal(t, peer.Approved, out.Status)
	assert.Contains(t, out.Proposal.Description, "PURR")

	require.NoError(t, <-errs)
	res := <-results
	inner, ok := res.Envelope.Payload.Action.(*action.SendAsset)
	require.True(t, ok)
	assert.Equal(t, res.Nonce, inner.Nonce, "user-signed inner action carries the session nonce")
	require.Len(t, ex.multiSig, 1)
}

func TestCoordinator_ProposeDeadline(t *testing.T) {
	lead, other := newSigner(t), newSigner(t)
	ex := &fakeExchange{}
	journal := newJournal(t)
	leader := NewCoordinator(CoordinatorConfig{
		Signer:   lead,
		Nonces:   fixedNonces(),
		Exchange: ex,
		Journal:  journal,
		Context:  signing.MainnetContext(),
	})

	var sessionTicket discovery.Ticket
	_, err := leader.Propose(context.Background(), usdSendProposal(authorizedOf(lead, other), 2, 50*time.Millisecond),
		discovery.NewMemoryHub().Advertiser(), func(t discovery.Ticket) { sessionTicket = t })
	require.Error(t, err)
	assert.NotEmpty(t, sessionTicket)
	assert.Empty(t, ex.multiSig, "nothing is submitted below threshold")

	recs, err := journal.ListSessions(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "failed", recs[0].State)
	assert.NotEmpty(t, recs[0].Error)
}

func TestCoordinator_ProposeRequiresBuilder(t *testing.T) {
	leader := NewCoordinator(CoordinatorConfig{Signer: newSigner(t), Nonces: fixedNonces(), Context: signing.MainnetContext()})
	_, err := leader.Propose(context.Background(), Proposal{}, discovery.NewMemoryHub().Advertiser(), nil)
	require.Error(t, err)
}

type fakeSource struct {
	perps, spot []domain.Market
	err         error
}

func (f *fakeSource) Perps(context.Context) ([]domain.Market, error) { return f.perps, nil }

func (f *fakeSource) SpotMarkets(context.Context) ([]domain.Market, error) {
	return f.spot, f.err
}

func TestMarketService_Refresh(t *testing.T) {
	src := &fakeSource{
		perps: []domain.Market{{Name: "ETH", Index: 1, SzDecimals: 4}, {Name: "BTC", Index: 0, SzDecimals: 5}},
		spot:  []domain.Market{{Name: "PURR/USDC", Index: 10000, IsSpot: true}},
	}
	svc := NewMarketService(src)
	require.NoError(t, svc.Refresh(context.Background()))

	all := svc.GetAllData()
	require.Len(t, all, 3)
	assert.Equal(t, "BTC", all[0].Name)
	assert.Equal(t, "PURR/USDC", all[2].Name)

	m, ok := svc.GetData("purr/usdc")
	require.True(t, ok)
	assert.True(t, m.IsSpot)

	_, px, sz, err := svc.Quote("btc", decimal.RequireFromString("87123.45"), decimal.RequireFromString("0.123456"))
	require.NoError(t, err)
	assert.Equal(t, "87123", px.String())
	assert.Equal(t, "0.12346", sz.String())

	_, _, _, err = svc.Quote("DOGE", decimal.NewFromInt(1), decimal.NewFromInt(1))
	assert.Error(t, err)

	// A failed refresh keeps the previous cache.
	src.err = errors.New("spotMeta unavailable")
	require.Error(t, svc.Refresh(context.Background()))
	assert.Len(t, svc.GetAllData(), 3)
}
