package action

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// MultiSigPayload names the multi-sig account, the signer that submits the
// envelope and the inner action being authorized.
type MultiSigPayload struct {
	MultiSigUser common.Address
	OuterSigner  common.Address
	Action       Action
}

// MultiSig is the envelope submitted once enough signatures over the inner
// action have been collected. Signatures are carried, never hashed.
type MultiSig struct {
	SignatureChainID uint64
	Signatures       []domain.Signature
	Payload          MultiSigPayload
}

func (*MultiSig) Kind() Kind { return KindMultiSig }
func (*MultiSig) sealed() {}

func (a *MultiSig) Validate() error {
	if err := requireAddress("payload.multiSigUser", a.Payload.MultiSigUser); err != nil {
		return err
	}
	if err := requireAddress("payload.outerSigner", a.Payload.OuterSigner); err != nil {
		return err
	}
	if a.Payload.Action == nil {
		return domain.NewEncodingError("payload.action", "inner action is required")
	}
	if a.Payload.Action.Kind() == KindMultiSig {
		return domain.NewEncodingError("payload.action", "multi-sig envelopes cannot be nested")
	}
	return a.Payload.Action.Validate()
}
