package service

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
)

// Builders return the action to sign for nonce n. The same builder serves a
// single-key Sender and a multi-sig Proposal.

// AssetTransfer is a token movement between accounts or dexes. The dex
// names accept "perp" (or empty) for the default perp dex, "spot", or a
// builder-deployed dex name.
type AssetTransfer struct {
	Token          domain.Token
	Destination    common.Address
	Amount         decimal.Decimal
	SourceDex      string
	DestinationDex string
}

// UsdSendAction builds a USDC transfer to dest.
func UsdSendAction(dest common.Address, amount decimal.Decimal) func(n uint64) (action.Action, error) {
	return func(n uint64) (action.Action, error) {
		a := &action.UsdSend{Destination: dest, Amount: amount, Time: n}
		return a, a.Validate()
	}
}

// SendAssetAction builds a token transfer. Amounts finer than the token's
// wei decimals are refused rather than rounded.
func SendAssetAction(t AssetTransfer) func(n uint64) (action.Action, error) {
	return func(n uint64) (action.Action, error) {
		if t.Token.Name == "" || t.Token.TokenID == "" {
			return nil, domain.NewEncodingError("token", "token name and id are required")
		}
		if !t.Amount.Equal(t.Amount.Truncate(t.Token.WeiDecimals)) {
			return nil, domain.NewEncodingError("amount", "%s has at most %d decimals, got %s", t.Token.Name, t.Token.WeiDecimals, t.Amount)
		}
		a := &action.SendAsset{
			Destination:    t.Destination,
			SourceDex:      dexName(t.SourceDex),
			DestinationDex: dexName(t.DestinationDex),
			Token:          t.Token.Wire(),
			Amount:         t.Amount,
			Nonce:          n,
		}
		return a, a.Validate()
	}
}

// ConvertToMultiSigAction builds the conversion of the signing account into
// a multi-sig account.
func ConvertToMultiSigAction(users []common.Address, threshold int) func(n uint64) (action.Action, error) {
	users = append([]common.Address(nil), users...)
	return func(n uint64) (action.Action, error) {
		a := &action.ConvertToMultiSig{AuthorizedUsers: users, Threshold: threshold, Nonce: n}
		return a, a.Validate()
	}
}

func dexName(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "perp") {
		return ""
	}
	return strings.ToLower(s)
}
