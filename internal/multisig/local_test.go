package multisig

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/signing"
)

type failingSigner struct {
	addr common.Address
}

func (f failingSigner) Address() common.Address { return f.addr }

func (f failingSigner) SignDigest(context.Context, signing.Digest) (domain.Signature, error) {
	return domain.Signature{}, &domain.SigningError{Signer: f.addr.Hex(), Err: errors.New("device unplugged")}
}

func TestCollectLocal(t *testing.T) {
	signers := newSigners(t, 3)

	t.Run("threshold met", func(t *testing.T) {
		s, err := NewSession(sendParams(signers, 2))
		require.NoError(t, err)

		envelope, err := CollectLocal(context.Background(), s, []signing.Signer{signers[0], signers[1], signers[2]})
		require.NoError(t, err)
		assert.Len(t, envelope.Signatures, 2)
		assert.Equal(t, Finalized, s.State())
	})

	t.Run("failing signer is isolated", func(t *testing.T) {
		s, err := NewSession(sendParams(signers, 2))
		require.NoError(t, err)

		envelope, err := CollectLocal(context.Background(), s, []signing.Signer{
			failingSigner{addr: signers[0].Address()}, signers[1], signers[2],
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []common.Address{signers[1].Address(), signers[2].Address()}, s.Signers())
		assert.Len(t, envelope.Signatures, 2)
	})

	t.Run("not enough signers", func(t *testing.T) {
		s, err := NewSession(sendParams(signers, 2))
		require.NoError(t, err)

		_, err = CollectLocal(context.Background(), s, []signing.Signer{signers[0], failingSigner{addr: signers[1].Address()}})
		require.ErrorIs(t, err, domain.ErrThresholdNotMet)
		assert.Equal(t, Failed, s.State())
	})
}
