// Package action models the closed set of exchange operations that can be signed.
//
// Every Action is immutable once constructed and carries exactly the fields
// that are bound into its hash.
package action

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// Kind tags an Action variant.
type Kind uint8

const (
	KindOrder Kind = iota + 1
	KindCancel
	KindCancelByCloid
	KindBatchModify
	KindUsdSend
	KindSendAsset
	KindUsdClassTransfer
	KindApproveAgent
	KindConvertToMultiSig
	KindMultiSig
)

var kindNames = [...]string{
	KindOrder:             "order",
	KindCancel:            "cancel",
	KindCancelByCloid:     "cancelByCloid",
	KindBatchModify:       "batchModify",
	KindUsdSend:           "usdSend",
	KindSendAsset:         "sendAsset",
	KindUsdClassTransfer:  "usdClassTransfer",
	KindApproveAgent:      "approveAgent",
	KindConvertToMultiSig: "convertToMultiSigUser",
	KindMultiSig:          "multiSig",
}

// String returns the wire type tag.
func (k Kind) String() string {
	if k == 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// UserSigned reports whether the kind is signed as EIP-712 typed data
// rather than through the L1 phantom agent.
func (k Kind) UserSigned() bool {
	switch k {
	case KindUsdSend, KindSendAsset, KindUsdClassTransfer, KindApproveAgent, KindConvertToMultiSig:
		return true
	}
	return false
}

// Kinds lists every action kind.
func Kinds() []Kind {
	return []Kind{
		KindOrder, KindCancel, KindCancelByCloid, KindBatchModify,
		KindUsdSend, KindSendAsset, KindUsdClassTransfer, KindApproveAgent,
		KindConvertToMultiSig, KindMultiSig,
	}
}

// ParseKind maps a wire type tag back to its Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, domain.NewEncodingError("type", "unknown action type %q", s)
}

// Action is implemented only by the types in this package.
type Action interface {
	Kind() Kind
	// Validate returns a *domain.EncodingError for the first field outside its domain.
	Validate() error
	sealed()
}

// Nonced is implemented by user-signed actions, which carry their nonce in
// the signed message itself.
type Nonced interface {
	Action
	NonceField() (name string, value uint64)
}

func requireAddress(field string, a common.Address) error {
	if a == (common.Address{}) {
		return domain.NewEncodingError(field, "must not be the zero address")
	}
	return nil
}
