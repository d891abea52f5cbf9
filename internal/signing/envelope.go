package signing

import (
	"context"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
)

// multiSigBody is the envelope wire form without its type tag, the shape
// the exchange hashes to identify a complete envelope.
type multiSigBody struct {
	SignatureChainID string                     `msgpack:"signatureChainId"`
	Signatures       []action.SignatureWire     `msgpack:"signatures"`
	Payload          action.MultiSigPayloadWire `msgpack:"payload"`
}

// EnvelopeHash identifies a finalized envelope including its signatures. It
// is what the submitting signer authorizes with SignEnvelope.
func EnvelopeHash(m *action.MultiSig, nonce uint64, ctx Context) (Digest, error) {
	if err := ctx.Validate(); err != nil {
		return Digest{}, err
	}
	w, err := action.ToWire(m, ctx.Chain, ctx.SignatureChainID)
	if err != nil {
		return Digest{}, err
	}
	full := w.(*action.MultiSigWire)
	return PreimageHash(multiSigBody{
		SignatureChainID: full.SignatureChainID,
		Signatures:       full.Signatures,
		Payload:          full.Payload,
	}, nonce, ctx)
}

// SignEnvelope produces the outer signature of the lead signer over a
// finalized envelope. The lead must be the envelope's outer signer.
func SignEnvelope(ctx context.Context, lead Signer, m *action.MultiSig, nonce uint64, sc Context) (domain.Signature, error) {
	if lead.Address() != m.Payload.OuterSigner {
		return domain.Signature{}, &domain.SigningError{
			Signer: lead.Address().Hex(),
			Err:    domain.ErrSignerMismatch,
		}
	}
	if m.SignatureChainID != 0 {
		sc.SignatureChainID = m.SignatureChainID
	}
	h, err := EnvelopeHash(m, nonce, sc)
	if err != nil {
		return domain.Signature{}, err
	}
	b, err := EncodeSendMultiSig(h, nonce, sc)
	if err != nil {
		return domain.Signature{}, err
	}
	return lead.SignDigest(ctx, Hash(b))
}
