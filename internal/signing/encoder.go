package signing

import (
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
)

// Encode returns the EIP-712 signing bytes 0x19 0x01 || domainSeparator ||
// hashStruct(message) for a under nonce and ctx. It is pure and safe for
// concurrent use. Out-of-domain fields yield a *domain.EncodingError before
// anything is hashed.
func Encode(a action.Action, nonce uint64, ctx Context) ([]byte, error) {
	if a == nil {
		return nil, domain.NewEncodingError("action", "action is required")
	}
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	switch a.Kind() {
	case action.KindOrder, action.KindCancel, action.KindCancelByCloid, action.KindBatchModify:
		return encodeL1(a, nonce, ctx)
	case action.KindUsdSend, action.KindSendAsset, action.KindUsdClassTransfer,
		action.KindApproveAgent, action.KindConvertToMultiSig:
		return encodeUserSigned(a, nonce, ctx, nil)
	case action.KindMultiSig:
		return encodeMultiSig(a.(*action.MultiSig), nonce, ctx)
	}
	return nil, domain.NewEncodingError("type", "unsupported action kind %s", a.Kind())
}

// Hash is keccak-256.
func Hash(b []byte) Digest {
	return Digest(crypto.Keccak256Hash(b))
}

// ActionHash is Hash(Encode(a, nonce, ctx)).
func ActionHash(a action.Action, nonce uint64, ctx Context) (Digest, error) {
	b, err := Encode(a, nonce, ctx)
	if err != nil {
		return Digest{}, err
	}
	return Hash(b), nil
}

// encodeMultiSig encodes only the inner action, in the form every multi-sig
// signer signs. The collected signatures are not part of the preimage.
func encodeMultiSig(m *action.MultiSig, nonce uint64, ctx Context) ([]byte, error) {
	if m.SignatureChainID != 0 && m.SignatureChainID != ctx.SignatureChainID {
		return nil, domain.NewEncodingError("signatureChainId", "envelope uses %d but context uses %d", m.SignatureChainID, ctx.SignatureChainID)
	}
	inner := m.Payload.Action
	signer := &multiSigSigner{user: m.Payload.MultiSigUser, outer: m.Payload.OuterSigner}
	if inner.Kind().UserSigned() {
		return encodeUserSigned(inner, nonce, ctx, signer)
	}
	return encodeL1MultiSig(inner, signer, nonce, ctx)
}
