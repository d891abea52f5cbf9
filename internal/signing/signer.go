package signing

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// Signer is a capability that signs digests without exposing key material.
// SignDigest may block on external approval and must honour ctx.
type Signer interface {
	Address() common.Address
	SignDigest(ctx context.Context, d Digest) (domain.Signature, error)
}

// PrivateKeySigner signs synchronously with an in-memory secp256k1 key.
type PrivateKeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewPrivateKeySigner wraps an existing key.
func NewPrivateKeySigner(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*PrivateKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewPrivateKeySigner(key), nil
}

// LoadKeystore decrypts a web3 secret storage file.
func LoadKeystore(path, password string) (*PrivateKeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(data, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore %s: %w", path, err)
	}
	return NewPrivateKeySigner(key.PrivateKey), nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*PrivateKeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewPrivateKeySigner(key), nil
}

func (s *PrivateKeySigner) Address() common.Address {
	return s.addr
}

func (s *PrivateKeySigner) SignDigest(ctx context.Context, d Digest) (domain.Signature, error) {
	if err := ctx.Err(); err != nil {
		return domain.Signature{}, &domain.SigningError{Signer: s.addr.Hex(), Err: err}
	}
	raw, err := crypto.Sign(d[:], s.key)
	if err != nil {
		return domain.Signature{}, &domain.SigningError{Signer: s.addr.Hex(), Err: err}
	}
	return domain.SignatureFromBytes(raw)
}

// ConfirmFunc asks an operator or device to approve signing d.
// Returning false declines without error.
type ConfirmFunc func(ctx context.Context, signer common.Address, d Digest) (bool, error)

// ConfirmingSigner gates another signer behind an external approval step.
type ConfirmingSigner struct {
	inner   Signer
	confirm ConfirmFunc
}

// NewConfirmingSigner wraps inner so every digest needs confirm to return true.
func NewConfirmingSigner(inner Signer, confirm ConfirmFunc) *ConfirmingSigner {
	return &ConfirmingSigner{inner: inner, confirm: confirm}
}

func (s *ConfirmingSigner) Address() common.Address {
	return s.inner.Address()
}

// SignDigest waits for confirmation or ctx, whichever comes first. The wrapped
// signer is only called after approval, so cancellation leaves it untouched.
func (s *ConfirmingSigner) SignDigest(ctx context.Context, d Digest) (domain.Signature, error) {
	addr := s.inner.Address()

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := s.confirm(ctx, addr, d)
		ch <- answer{ok, err}
	}()

	select {
	case <-ctx.Done():
		return domain.Signature{}, &domain.SigningError{Signer: addr.Hex(), Err: ctx.Err()}
	case ans := <-ch:
		if ans.err != nil {
			return domain.Signature{}, &domain.SigningError{Signer: addr.Hex(), Err: ans.err}
		}
		if !ans.ok {
			return domain.Signature{}, &domain.SigningError{Signer: addr.Hex(), Err: domain.ErrRejected}
		}
	}
	return s.inner.SignDigest(ctx, d)
}
