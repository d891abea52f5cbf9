package signing

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
)

// Signed is a fully owned signing result. It holds no reference to caller
// state beyond the immutable Action, so it can be handed to another goroutine.
type Signed struct {
	Action    action.Action
	Nonce     uint64
	Context   Context
	Digest    Digest
	Signer    common.Address
	Signature domain.Signature
}

// Sign encodes a, then asks signer to sign the digest.
func Sign(ctx context.Context, signer Signer, a action.Action, nonce uint64, sc Context) (Signed, error) {
	sc = sc.Clone()
	d, err := ActionHash(a, nonce, sc)
	if err != nil {
		return Signed{}, err
	}
	return signDigest(ctx, signer, a, nonce, sc, d)
}

func signDigest(ctx context.Context, signer Signer, a action.Action, nonce uint64, sc Context, d Digest) (Signed, error) {
	sig, err := signer.SignDigest(ctx, d)
	if err != nil {
		return Signed{}, err
	}
	return Signed{
		Action:    a,
		Nonce:     nonce,
		Context:   sc,
		Digest:    d,
		Signer:    signer.Address(),
		Signature: sig,
	}, nil
}

// SignResult is delivered by SignAsync.
type SignResult struct {
	Signed Signed
	Err    error
}

// SignAsync encodes a immediately and signs in the background. The returned
// channel yields exactly one result and is then closed. Encoding errors are
// delivered on the channel as well.
func SignAsync(ctx context.Context, signer Signer, a action.Action, nonce uint64, sc Context) <-chan SignResult {
	out := make(chan SignResult, 1)
	sc = sc.Clone()
	d, err := ActionHash(a, nonce, sc)
	if err != nil {
		out <- SignResult{Err: err}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		s, err := signDigest(ctx, signer, a, nonce, sc, d)
		out <- SignResult{Signed: s, Err: err}
	}()
	return out
}
