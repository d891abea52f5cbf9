// Package service holds the signing workflows behind the command line:
// single-key submissions, multi-sig coordination and market lookups.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/infra/hyperliquid"
	"github.com/infinitefield/hypersdk/internal/nonce"
	"github.com/infinitefield/hypersdk/internal/signing"
)

// Exchange is the submission boundary. *hyperliquid.Client implements it.
type Exchange interface {
	Resubmit(ctx context.Context, src *nonce.Source, build func(ctx context.Context, n uint64) (signing.Signed, error)) (*hyperliquid.Response, error)
	SubmitMultiSig(ctx context.Context, lead signing.Signer, env *action.MultiSig, n uint64, sc signing.Context) (*hyperliquid.Response, error)
}

// SignRecorder receives signing latencies. *infra.Metrics implements it.
type SignRecorder interface {
	RecordSign(latency time.Duration)
}

type nopSignRecorder struct{}

func (nopSignRecorder) RecordSign(time.Duration) {}

// Sender signs actions with one key and submits them.
type Sender struct {
	signer   signing.Signer
	nonces   *nonce.Source
	exchange Exchange
	journal  domain.SessionJournal
	context  signing.Context
	recorder SignRecorder
	logger   *slog.Logger
}

// NewSender wires a Sender. journal and recorder may be nil.
func NewSender(signer signing.Signer, nonces *nonce.Source, exchange Exchange, journal domain.SessionJournal, sc signing.Context, recorder SignRecorder) *Sender {
	if recorder == nil {
		recorder = nopSignRecorder{}
	}
	return &Sender{
		signer:   signer,
		nonces:   nonces,
		exchange: exchange,
		journal:  journal,
		context:  sc.Clone(),
		recorder: recorder,
		logger:   slog.Default().With("module", "sender", "signer", signer.Address().Hex()),
	}
}

// Address is the account the Sender signs for.
func (s *Sender) Address() common.Address {
	return s.signer.Address()
}

// Execute builds an action for each nonce the exchange is offered, signs and
// submits it. build must embed n in user-signed actions.
func (s *Sender) Execute(ctx context.Context, build func(n uint64) (action.Action, error)) (*hyperliquid.Response, error) {
	return s.exchange.Resubmit(ctx, s.nonces, func(ctx context.Context, n uint64) (signing.Signed, error) {
		a, err := build(n)
		if err != nil {
			return signing.Signed{}, err
		}
		recordNonce(s.journal, s.logger, s.signer.Address(), n)

		start := time.Now()
		signed, err := signing.Sign(ctx, s.signer, a, n, s.context)
		if err != nil {
			return signing.Signed{}, err
		}
		s.recorder.RecordSign(time.Since(start))
		s.logger.Info("Action signed",
			"kind", a.Kind().String(),
			"nonce", n,
			"digest", signed.Digest.Hex())
		return signed, nil
	})
}

// SendUSD transfers amount USDC to dest.
func (s *Sender) SendUSD(ctx context.Context, dest common.Address, amount decimal.Decimal) (*hyperliquid.Response, error) {
	return s.Execute(ctx, UsdSendAction(dest, amount))
}

// SendAsset moves a spot token between accounts or dexes.
func (s *Sender) SendAsset(ctx context.Context, t AssetTransfer) (*hyperliquid.Response, error) {
	return s.Execute(ctx, SendAssetAction(t))
}

// ConvertToMultiSig turns the signing account into a multi-sig account
// controlled by users.
func (s *Sender) ConvertToMultiSig(ctx context.Context, users []common.Address, threshold int) (*hyperliquid.Response, error) {
	return s.Execute(ctx, ConvertToMultiSigAction(users, threshold))
}

// Cancel cancels a resting order on m by exchange order id.
func (s *Sender) Cancel(ctx context.Context, m domain.Market, oid uint64) (*hyperliquid.Response, error) {
	a := &action.Cancel{Cancels: []action.CancelRequest{{Asset: m.Index, Oid: oid}}}
	return s.Execute(ctx, func(uint64) (action.Action, error) { return a, a.Validate() })
}

// CancelByCloid cancels a resting order on m by client order id.
func (s *Sender) CancelByCloid(ctx context.Context, m domain.Market, cloid action.Cloid) (*hyperliquid.Response, error) {
	a := &action.CancelByCloid{Cancels: []action.CancelByCloidRequest{{Asset: m.Index, Cloid: cloid}}}
	return s.Execute(ctx, func(uint64) (action.Action, error) { return a, a.Validate() })
}

// PlaceLimit places one limit order after rounding price and size to the
// market's precision.
func (s *Sender) PlaceLimit(ctx context.Context, m domain.Market, isBuy bool, px, sz decimal.Decimal, tif action.Tif, reduceOnly bool) (*hyperliquid.Response, error) {
	order := action.OrderRequest{
		Asset:      m.Index,
		IsBuy:      isBuy,
		LimitPx:    m.RoundPrice(px),
		Size:       m.RoundSize(sz),
		ReduceOnly: reduceOnly,
		Type:       action.OrderType{Limit: &action.Limit{Tif: tif}},
	}
	a := &action.BatchOrder{Orders: []action.OrderRequest{order}, Grouping: action.GroupingNone}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("order on %s: %w", m.Name, err)
	}
	return s.Execute(ctx, func(uint64) (action.Action, error) { return a, nil })
}

func recordNonce(journal domain.SessionJournal, logger *slog.Logger, signer common.Address, n uint64) {
	if journal == nil {
		return
	}
	if err := journal.RecordNonce(signer.Hex(), n); err != nil {
		logger.Warn("Nonce not journaled", "nonce", n, "error", err)
	}
}
