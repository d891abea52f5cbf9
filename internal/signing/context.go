// Package signing turns actions into digests and signs or recovers them.
package signing

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// DefaultSignatureChainID is the chain id used for user-signed domain
// separation when none is configured (Arbitrum Sepolia, 0x66eee).
const DefaultSignatureChainID uint64 = 0x66eee

// Context is the domain separation bound into every digest. It is passed per
// call and never read from ambient state.
type Context struct {
	Chain            domain.Chain
	SignatureChainID uint64
	Vault            *common.Address
	ExpiresAfter     *uint64
}

// MainnetContext returns a Context for the production deployment.
func MainnetContext() Context {
	return Context{Chain: domain.Mainnet, SignatureChainID: DefaultSignatureChainID}
}

// TestnetContext returns a Context for the test deployment.
func TestnetContext() Context {
	return Context{Chain: domain.Testnet, SignatureChainID: DefaultSignatureChainID}
}

// WithVault returns a copy of c acting on behalf of vault.
func (c Context) WithVault(vault common.Address) Context {
	c.Vault = &vault
	return c
}

// WithExpiresAfter returns a copy of c that expires at ms (unix millis).
func (c Context) WithExpiresAfter(ms uint64) Context {
	c.ExpiresAfter = &ms
	return c
}

// Clone returns a copy that shares no pointers with c.
func (c Context) Clone() Context {
	if c.Vault != nil {
		v := *c.Vault
		c.Vault = &v
	}
	if c.ExpiresAfter != nil {
		e := *c.ExpiresAfter
		c.ExpiresAfter = &e
	}
	return c
}

// Validate checks the context before any encoding takes place.
func (c Context) Validate() error {
	if !c.Chain.Valid() {
		return domain.NewEncodingError("context.chain", "unknown chain %d", uint8(c.Chain))
	}
	if c.SignatureChainID == 0 {
		return domain.NewEncodingError("context.signatureChainId", "must not be zero")
	}
	if c.Vault != nil && *c.Vault == (common.Address{}) {
		return domain.NewEncodingError("context.vault", "must not be the zero address")
	}
	return nil
}

// Digest is the 32-byte value that gets signed.
type Digest [32]byte

// Hex returns the 0x-prefixed hex form.
func (d Digest) Hex() string {
	return hexutil.Encode(d[:])
}

// String implements fmt.Stringer.
func (d Digest) String() string {
	return d.Hex()
}
