package signing

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
)

const (
	testKey   = "0x0123456789012345678901234567890123456789012345678901234567890123"
	testNonce = uint64(1700000000000)
)

var (
	destX = common.HexToAddress("0x5e9ee1089755c3435139848e47e6635505d5a13a")
	userA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	userB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func mustSigner(t *testing.T) *PrivateKeySigner {
	t.Helper()
	s, err := ParsePrivateKey(testKey)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	return s
}

func limitOrder(px, sz string) action.OrderRequest {
	return action.OrderRequest{
		Asset:   0,
		IsBuy:   true,
		LimitPx: decimal.RequireFromString(px),
		Size:    decimal.RequireFromString(sz),
		Type:    action.OrderType{Limit: &action.Limit{Tif: action.TifGtc}},
	}
}

// sampleActions returns one valid action per kind, all bound to nonce.
func sampleActions(nonce uint64) []action.Action {
	cloid := action.Cloid{0xaa}
	return []action.Action{
		&action.BatchOrder{Orders: []action.OrderRequest{limitOrder("87000", "0.001")}, Grouping: action.GroupingNone},
		&action.Cancel{Cancels: []action.CancelRequest{{Asset: 0, Oid: 1}}},
		&action.CancelByCloid{Cancels: []action.CancelByCloidRequest{{Asset: 0, Cloid: cloid}}},
		&action.BatchModify{Modifies: []action.Modify{{Oid: 1, Order: limitOrder("86000", "0.002")}}},
		&action.UsdSend{Destination: destX, Amount: decimal.NewFromInt(10), Time: nonce},
		&action.SendAsset{Destination: destX, Token: "USDC", Amount: decimal.NewFromInt(1), Nonce: nonce},
		&action.UsdClassTransfer{Amount: decimal.NewFromInt(5), ToPerp: true, Nonce: nonce},
		&action.ApproveAgent{AgentAddress: destX, AgentName: "agent", Nonce: nonce},
		&action.ConvertToMultiSig{AuthorizedUsers: []common.Address{userA, userB}, Threshold: 2, Nonce: nonce},
		&action.MultiSig{
			SignatureChainID: DefaultSignatureChainID,
			Payload:          action.MultiSigPayload{MultiSigUser: userA, OuterSigner: userB, Action: &action.Cancel{Cancels: []action.CancelRequest{{Asset: 2, Oid: 9}}}},
		},
	}
}

func TestEncode_EveryKind(t *testing.T) {
	ctx := MainnetContext()
	covered := make(map[action.Kind]bool)

	for _, a := range sampleActions(testNonce) {
		t.Run(a.Kind().String(), func(t *testing.T) {
			b, err := Encode(a, testNonce, ctx)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if len(b) != 66 || b[0] != 0x19 || b[1] != 0x01 {
				t.Errorf("encoding is not EIP-712 signing bytes: %x", b)
			}
			covered[a.Kind()] = true
		})
	}

	for _, k := range action.Kinds() {
		if !covered[k] {
			t.Errorf("kind %s was not encoded", k)
		}
	}
}

func TestEncode_Deterministic(t *testing.T) {
	ctx := TestnetContext().WithVault(userA).WithExpiresAfter(testNonce + 60_000)

	for _, a := range sampleActions(testNonce) {
		if a.Kind().UserSigned() {
			continue
		}
		first, err := ActionHash(a, testNonce, ctx)
		if err != nil {
			t.Fatalf("%s: ActionHash failed: %v", a.Kind(), err)
		}
		for i := 0; i < 5; i++ {
			again, err := ActionHash(a, testNonce, ctx)
			if err != nil || again != first {
				t.Fatalf("%s: digest changed between calls", a.Kind())
			}
		}
	}
}

func TestEncode_NonceBinding(t *testing.T) {
	ctx := MainnetContext()
	order := &action.BatchOrder{Orders: []action.OrderRequest{limitOrder("87000", "0.001")}, Grouping: action.GroupingNone}

	d1, err := ActionHash(order, testNonce, ctx)
	if err != nil {
		t.Fatalf("ActionHash failed: %v", err)
	}
	d2, err := ActionHash(order, testNonce+1, ctx)
	if err != nil {
		t.Fatalf("ActionHash failed: %v", err)
	}
	if d1 == d2 {
		t.Error("different nonces produced the same digest")
	}

	send1 := &action.UsdSend{Destination: destX, Amount: decimal.NewFromInt(10), Time: testNonce}
	send2 := &action.UsdSend{Destination: destX, Amount: decimal.NewFromInt(10), Time: testNonce + 1}
	u1, _ := ActionHash(send1, testNonce, ctx)
	u2, _ := ActionHash(send2, testNonce+1, ctx)
	if u1 == u2 {
		t.Error("different nonces produced the same user-signed digest")
	}
}

func TestEncode_UserSignedNonceMustMatch(t *testing.T) {
	send := &action.UsdSend{Destination: destX, Amount: decimal.NewFromInt(10), Time: testNonce}

	_, err := Encode(send, testNonce+1, MainnetContext())
	var ee *domain.EncodingError
	if !errors.As(err, &ee) || ee.Field != "time" {
		t.Fatalf("expected EncodingError on time, got %v", err)
	}

	_, err = Encode(send, testNonce, MainnetContext().WithVault(userA))
	if !errors.As(err, &ee) || ee.Field != "context.vault" {
		t.Fatalf("expected EncodingError on context.vault, got %v", err)
	}
}

func TestEncode_ContextSeparation(t *testing.T) {
	order := &action.BatchOrder{Orders: []action.OrderRequest{limitOrder("87000", "0.001")}, Grouping: action.GroupingNone}

	contexts := map[string]Context{
		"mainnet": MainnetContext(),
		"testnet": TestnetContext(),
		"vault":   MainnetContext().WithVault(userA),
		"expires": MainnetContext().WithExpiresAfter(testNonce + 1000),
	}
	seen := make(map[Digest]string)
	for name, ctx := range contexts {
		d, err := ActionHash(order, testNonce, ctx)
		if err != nil {
			t.Fatalf("%s: ActionHash failed: %v", name, err)
		}
		if other, dup := seen[d]; dup {
			t.Errorf("%s and %s produced the same digest", name, other)
		}
		seen[d] = name
	}

	// Every L1 action shares the phantom agent domain separator.
	cancel := &action.Cancel{Cancels: []action.CancelRequest{{Asset: 0, Oid: 1}}}
	b1, _ := Encode(order, testNonce, MainnetContext())
	b2, _ := Encode(cancel, testNonce, MainnetContext())
	if !bytes.Equal(b1[2:34], b2[2:34]) {
		t.Error("L1 actions should share a domain separator")
	}
	if bytes.Equal(b1[34:], b2[34:]) {
		t.Error("different L1 actions should have different struct hashes")
	}
}

func TestEncode_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		a    action.Action
		ctx  Context
	}{
		{"nil action", nil, MainnetContext()},
		{"negative size", &action.BatchOrder{Orders: []action.OrderRequest{limitOrder("1", "-1")}, Grouping: action.GroupingNone}, MainnetContext()},
		{"unknown chain", &action.Cancel{Cancels: []action.CancelRequest{{Oid: 1}}}, Context{SignatureChainID: 1}},
		{"envelope chain id mismatch", &action.MultiSig{
			SignatureChainID: 1,
			Payload:          action.MultiSigPayload{MultiSigUser: userA, OuterSigner: userB, Action: &action.Cancel{Cancels: []action.CancelRequest{{Oid: 1}}}},
		}, MainnetContext()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.a, testNonce, tt.ctx)
			var ee *domain.EncodingError
			if !errors.As(err, &ee) {
				t.Fatalf("expected EncodingError, got %v", err)
			}
		})
	}
}

func TestEncode_MultiSigForm(t *testing.T) {
	ctx := MainnetContext()
	inner := &action.UsdSend{Destination: destX, Amount: decimal.NewFromInt(10), Time: testNonce}
	envelope := &action.MultiSig{
		SignatureChainID: ctx.SignatureChainID,
		Payload:          action.MultiSigPayload{MultiSigUser: userA, OuterSigner: userB, Action: inner},
	}

	plain, err := ActionHash(inner, testNonce, ctx)
	if err != nil {
		t.Fatalf("ActionHash(inner) failed: %v", err)
	}
	wrapped, err := ActionHash(envelope, testNonce, ctx)
	if err != nil {
		t.Fatalf("ActionHash(envelope) failed: %v", err)
	}
	if plain == wrapped {
		t.Error("multi-sig form should differ from the plain action")
	}

	t.Run("signatures are not hashed", func(t *testing.T) {
		withSigs := *envelope
		withSigs.Signatures = []domain.Signature{{V: 27}, {V: 28}}
		d, err := ActionHash(&withSigs, testNonce, ctx)
		if err != nil {
			t.Fatalf("ActionHash failed: %v", err)
		}
		if d != wrapped {
			t.Error("collected signatures changed the digest")
		}
	})

	t.Run("outer signer is bound", func(t *testing.T) {
		other := *envelope
		other.Payload.OuterSigner = userA
		d, _ := ActionHash(&other, testNonce, ctx)
		if d == wrapped {
			t.Error("outer signer is not bound into the digest")
		}
	})
}

func TestSign_RoundTrip(t *testing.T) {
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner failed: %v", err)
	}

	for _, a := range sampleActions(testNonce) {
		signed, err := Sign(context.Background(), signer, a, testNonce, TestnetContext())
		if err != nil {
			t.Fatalf("%s: Sign failed: %v", a.Kind(), err)
		}
		got, err := Recover(signed.Digest, signed.Signature)
		if err != nil {
			t.Fatalf("%s: Recover failed: %v", a.Kind(), err)
		}
		if got != signer.Address() {
			t.Errorf("%s: recovered %s, want %s", a.Kind(), got.Hex(), signer.Address().Hex())
		}
	}
}

// Scenario A: transfer of 10 units to X at nonce 1700000000000.
func TestSign_UsdSendScenario(t *testing.T) {
	signer := mustSigner(t)
	send := &action.UsdSend{Destination: destX, Amount: decimal.NewFromInt(10), Time: testNonce}

	signed, err := Sign(context.Background(), signer, send, testNonce, MainnetContext())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if signed.Signature.V != 27 && signed.Signature.V != 28 {
		t.Errorf("V = %d, want 27 or 28", signed.Signature.V)
	}
	got, err := Recover(signed.Digest, signed.Signature)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if got != signer.Address() {
		t.Errorf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
	}
	if !Verify(signed.Digest, signed.Signature, signer.Address()) {
		t.Error("Verify should accept the signature")
	}
}

func TestSign_TamperDetection(t *testing.T) {
	signer := mustSigner(t)
	ctx := MainnetContext()
	original := &action.UsdSend{Destination: destX, Amount: decimal.NewFromInt(10), Time: testNonce}

	signed, err := Sign(context.Background(), signer, original, testNonce, ctx)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	tampered := []action.Action{
		&action.UsdSend{Destination: destX, Amount: decimal.RequireFromString("10.00000001"), Time: testNonce},
		&action.UsdSend{Destination: common.BytesToAddress(append(destX.Bytes()[:19], destX.Bytes()[19]^0x01)), Amount: decimal.NewFromInt(10), Time: testNonce},
	}
	for i, a := range tampered {
		d, err := ActionHash(a, testNonce, ctx)
		if err != nil {
			t.Fatalf("tampered[%d]: ActionHash failed: %v", i, err)
		}
		if d == signed.Digest {
			t.Errorf("tampered[%d]: digest unchanged", i)
		}
		got, err := Recover(d, signed.Signature)
		if err == nil && got == signer.Address() {
			t.Errorf("tampered[%d]: signature still recovers to the signer", i)
		}
	}
}

func TestRecover_Malformed(t *testing.T) {
	signer := mustSigner(t)
	var d Digest
	d[0] = 1
	sig, err := signer.SignDigest(context.Background(), d)
	if err != nil {
		t.Fatalf("SignDigest failed: %v", err)
	}

	tests := []struct {
		name string
		sig  domain.Signature
	}{
		{"bad recovery id", func() domain.Signature { s := sig; s.V = 29; return s }()},
		{"zero r", func() domain.Signature { s := sig; s.R = [32]byte{}; return s }()},
		{"zero s", func() domain.Signature { s := sig; s.S = [32]byte{}; return s }()},
		{"r above curve order", func() domain.Signature {
			s := sig
			for i := range s.R {
				s.R[i] = 0xff
			}
			return s
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Recover(d, tt.sig)
			var re *domain.RecoveryError
			if !errors.As(err, &re) {
				t.Errorf("expected RecoveryError, got %v", err)
			}
		})
	}

	_, err = RecoverBytes(d, sig.Bytes()[:64])
	var re *domain.RecoveryError
	if !errors.As(err, &re) {
		t.Errorf("short signature: expected RecoveryError, got %v", err)
	}
}

type countingSigner struct {
	Signer
	calls atomic.Int32
}

func (c *countingSigner) SignDigest(ctx context.Context, d Digest) (domain.Signature, error) {
	c.calls.Add(1)
	return c.Signer.SignDigest(ctx, d)
}

func TestConfirmingSigner(t *testing.T) {
	var d Digest

	t.Run("approved", func(t *testing.T) {
		inner := &countingSigner{Signer: mustSigner(t)}
		s := NewConfirmingSigner(inner, func(context.Context, common.Address, Digest) (bool, error) { return true, nil })
		sig, err := s.SignDigest(context.Background(), d)
		if err != nil {
			t.Fatalf("SignDigest failed: %v", err)
		}
		if !Verify(d, sig, s.Address()) {
			t.Error("signature does not verify")
		}
	})

	t.Run("declined", func(t *testing.T) {
		inner := &countingSigner{Signer: mustSigner(t)}
		s := NewConfirmingSigner(inner, func(context.Context, common.Address, Digest) (bool, error) { return false, nil })
		_, err := s.SignDigest(context.Background(), d)
		if !errors.Is(err, domain.ErrRejected) {
			t.Fatalf("expected ErrRejected, got %v", err)
		}
		if !domain.IsRetriable(err) {
			t.Error("signing errors should be retriable")
		}
		if inner.calls.Load() != 0 {
			t.Error("inner signer must not be called after a decline")
		}
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		inner := &countingSigner{Signer: mustSigner(t)}
		block := make(chan struct{})
		defer close(block)
		s := NewConfirmingSigner(inner, func(ctx context.Context, _ common.Address, _ Digest) (bool, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return true, nil
		})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := s.SignDigest(ctx, d)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected DeadlineExceeded, got %v", err)
		}
		if inner.calls.Load() != 0 {
			t.Error("inner signer must not be called after cancellation")
		}

		// The wrapped signer is still usable.
		if _, err := inner.SignDigest(context.Background(), d); err != nil {
			t.Errorf("inner signer broken after cancellation: %v", err)
		}
	})
}

func TestSignAsync(t *testing.T) {
	signer := mustSigner(t)
	send := &action.UsdSend{Destination: destX, Amount: decimal.NewFromInt(10), Time: testNonce}
	ctx := MainnetContext().WithVault(userA)

	res := <-SignAsync(context.Background(), signer, send, testNonce, MainnetContext())
	if res.Err != nil {
		t.Fatalf("SignAsync failed: %v", res.Err)
	}
	if !Verify(res.Signed.Digest, res.Signed.Signature, signer.Address()) {
		t.Error("async signature does not verify")
	}

	// Encoding errors are reported on the channel.
	res, ok := <-SignAsync(context.Background(), signer, send, testNonce, ctx)
	if !ok {
		t.Fatal("channel closed without a result")
	}
	var ee *domain.EncodingError
	if !errors.As(res.Err, &ee) {
		t.Errorf("expected EncodingError, got %v", res.Err)
	}
}

func TestSign_ContextIsOwned(t *testing.T) {
	signer := mustSigner(t)
	vault := userA
	ctx := Context{Chain: domain.Mainnet, SignatureChainID: DefaultSignatureChainID, Vault: &vault}
	order := &action.BatchOrder{Orders: []action.OrderRequest{limitOrder("87000", "0.001")}, Grouping: action.GroupingNone}

	signed, err := Sign(context.Background(), signer, order, testNonce, ctx)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	vault = userB
	if *signed.Context.Vault != userA {
		t.Error("Signed must not alias the caller's vault address")
	}
}
