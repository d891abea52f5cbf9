package signing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
)

func TestEnvelopeHash_BindsSignatures(t *testing.T) {
	ctx := MainnetContext()
	envelope := &action.MultiSig{
		SignatureChainID: ctx.SignatureChainID,
		Signatures:       []domain.Signature{{R: [32]byte{1}, S: [32]byte{2}, V: 27}},
		Payload: action.MultiSigPayload{
			MultiSigUser: userA,
			OuterSigner:  userB,
			Action:       &action.UsdSend{Destination: destX, Amount: decimal.NewFromInt(10), Time: testNonce},
		},
	}

	h1, err := EnvelopeHash(envelope, testNonce, ctx)
	if err != nil {
		t.Fatalf("EnvelopeHash failed: %v", err)
	}
	again, _ := EnvelopeHash(envelope, testNonce, ctx)
	if h1 != again {
		t.Error("EnvelopeHash is not deterministic")
	}

	changed := *envelope
	changed.Signatures = []domain.Signature{{R: [32]byte{1}, S: [32]byte{3}, V: 27}}
	h2, _ := EnvelopeHash(&changed, testNonce, ctx)
	if h1 == h2 {
		t.Error("signatures are not bound into the envelope hash")
	}

	inner, _ := ActionHash(envelope, testNonce, ctx)
	if inner == h1 {
		t.Error("envelope hash must differ from the signers' digest")
	}
}

func TestSignEnvelope(t *testing.T) {
	lead := mustSigner(t)
	ctx := MainnetContext()
	envelope := &action.MultiSig{
		SignatureChainID: ctx.SignatureChainID,
		Payload: action.MultiSigPayload{
			MultiSigUser: userA,
			OuterSigner:  lead.Address(),
			Action:       &action.Cancel{Cancels: []action.CancelRequest{{Asset: 1, Oid: 7}}},
		},
	}

	sig, err := SignEnvelope(context.Background(), lead, envelope, testNonce, ctx)
	if err != nil {
		t.Fatalf("SignEnvelope failed: %v", err)
	}

	h, _ := EnvelopeHash(envelope, testNonce, ctx)
	b, _ := EncodeSendMultiSig(h, testNonce, ctx)
	if !Verify(Hash(b), sig, lead.Address()) {
		t.Error("outer signature does not recover to the lead")
	}

	t.Run("lead must be outer signer", func(t *testing.T) {
		other := *envelope
		other.Payload.OuterSigner = userB
		_, err := SignEnvelope(context.Background(), lead, &other, testNonce, ctx)
		if !errors.Is(err, domain.ErrSignerMismatch) {
			t.Errorf("err = %v, want ErrSignerMismatch", err)
		}
	})
}
