package action

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// UsdSend transfers USDC between perp accounts. Time is the nonce.
type UsdSend struct {
	Destination common.Address
	Amount      decimal.Decimal
	Time        uint64
}

func (*UsdSend) Kind() Kind { return KindUsdSend }
func (*UsdSend) sealed() {}
func (a *UsdSend) NonceField() (string, uint64) { return "time", a.Time }

func (a *UsdSend) Validate() error {
	if err := requireAddress("destination", a.Destination); err != nil {
		return err
	}
	return requirePositive("amount", a.Amount)
}

// SendAsset moves a token between dexes, accounts or sub-accounts.
// FromSubAccount is nil when sending from the signer's own account.
type SendAsset struct {
	Destination    common.Address
	SourceDex      string
	DestinationDex string
	Token          string
	Amount         decimal.Decimal
	FromSubAccount *common.Address
	Nonce          uint64
}

func (*SendAsset) Kind() Kind { return KindSendAsset }
func (*SendAsset) sealed() {}
func (a *SendAsset) NonceField() (string, uint64) { return "nonce", a.Nonce }

func (a *SendAsset) Validate() error {
	if err := requireAddress("destination", a.Destination); err != nil {
		return err
	}
	if a.Token == "" {
		return domain.NewEncodingError("token", "must not be empty")
	}
	if a.FromSubAccount != nil {
		if err := requireAddress("fromSubAccount", *a.FromSubAccount); err != nil {
			return err
		}
	}
	return requirePositive("amount", a.Amount)
}

// UsdClassTransfer moves USDC between the spot and perp balances.
type UsdClassTransfer struct {
	Amount decimal.Decimal
	ToPerp bool
	Nonce  uint64
}

func (*UsdClassTransfer) Kind() Kind { return KindUsdClassTransfer }
func (*UsdClassTransfer) sealed() {}
func (a *UsdClassTransfer) NonceField() (string, uint64) { return "nonce", a.Nonce }

func (a *UsdClassTransfer) Validate() error {
	return requirePositive("amount", a.Amount)
}

// ApproveAgent authorizes an API wallet to sign L1 actions for the account.
type ApproveAgent struct {
	AgentAddress common.Address
	AgentName    string
	Nonce        uint64
}

func (*ApproveAgent) Kind() Kind { return KindApproveAgent }
func (*ApproveAgent) sealed() {}
func (a *ApproveAgent) NonceField() (string, uint64) { return "nonce", a.Nonce }

func (a *ApproveAgent) Validate() error {
	return requireAddress("agentAddress", a.AgentAddress)
}

// ConvertToMultiSig turns the signing account into a multi-sig account.
type ConvertToMultiSig struct {
	AuthorizedUsers []common.Address
	Threshold       int
	Nonce           uint64
}

func (*ConvertToMultiSig) Kind() Kind { return KindConvertToMultiSig }
func (*ConvertToMultiSig) sealed() {}
func (a *ConvertToMultiSig) NonceField() (string, uint64) { return "nonce", a.Nonce }

func (a *ConvertToMultiSig) Validate() error {
	if len(a.AuthorizedUsers) == 0 {
		return domain.NewEncodingError("signers.authorizedUsers", "at least one user is required")
	}
	seen := make(map[common.Address]struct{}, len(a.AuthorizedUsers))
	for _, u := range a.AuthorizedUsers {
		if err := requireAddress("signers.authorizedUsers", u); err != nil {
			return err
		}
		if _, dup := seen[u]; dup {
			return domain.NewEncodingError("signers.authorizedUsers", "duplicate user %s", u.Hex())
		}
		seen[u] = struct{}{}
	}
	if a.Threshold < 1 || a.Threshold > len(a.AuthorizedUsers) {
		return domain.NewEncodingError("signers.threshold", "must be between 1 and %d, got %d", len(a.AuthorizedUsers), a.Threshold)
	}
	return nil
}
