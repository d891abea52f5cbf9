package signing

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// Recover returns the address that produced sig over d. Malformed signatures
// yield a *domain.RecoveryError, never a wrong address.
func Recover(d Digest, sig domain.Signature) (common.Address, error) {
	if sig.V != 27 && sig.V != 28 {
		return common.Address{}, &domain.RecoveryError{Err: fmt.Errorf("invalid recovery id %d", sig.V)}
	}
	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])
	if !crypto.ValidateSignatureValues(sig.V-27, r, s, false) {
		return common.Address{}, &domain.RecoveryError{Err: errors.New("r or s out of range")}
	}

	raw := sig.Bytes()
	raw[64] -= 27
	pub, err := crypto.SigToPub(d[:], raw)
	if err != nil {
		return common.Address{}, &domain.RecoveryError{Err: err}
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverBytes is Recover for a 65-byte r || s || v signature.
func RecoverBytes(d Digest, sig []byte) (common.Address, error) {
	parsed, err := domain.SignatureFromBytes(sig)
	if err != nil {
		return common.Address{}, err
	}
	return Recover(d, parsed)
}

// Verify reports whether sig over d recovers to addr.
func Verify(d Digest, sig domain.Signature, addr common.Address) bool {
	got, err := Recover(d, sig)
	return err == nil && got == addr
}
