package signing

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
)

// multiSigSigner is the account and submitter pair mixed into the inner
// action when it is signed for a multi-sig envelope.
type multiSigSigner struct {
	user  common.Address
	outer common.Address
}

func encodeL1(a action.Action, nonce uint64, ctx Context) ([]byte, error) {
	wire, err := action.ToWire(a, ctx.Chain, ctx.SignatureChainID)
	if err != nil {
		return nil, err
	}
	connectionID, err := PreimageHash(wire, nonce, ctx)
	if err != nil {
		return nil, err
	}
	return encodeAgent(connectionID, ctx.Chain)
}

// encodeL1MultiSig hashes [multiSigUser, outerSigner, action] in place of the
// bare action.
func encodeL1MultiSig(a action.Action, ms *multiSigSigner, nonce uint64, ctx Context) ([]byte, error) {
	wire, err := action.ToWire(a, ctx.Chain, ctx.SignatureChainID)
	if err != nil {
		return nil, err
	}
	envelope := []any{action.Address(ms.user), action.Address(ms.outer), wire}
	connectionID, err := PreimageHash(envelope, nonce, ctx)
	if err != nil {
		return nil, err
	}
	return encodeAgent(connectionID, ctx.Chain)
}

// PreimageHash returns keccak256(msgpack(v) || nonce || vault || expiresAfter),
// the connection id of an L1 action.
//
// Layout after the msgpack body:
//
//	nonce         8 bytes big-endian
//	vault         0x00, or 0x01 followed by the 20 address bytes
//	expiresAfter  omitted, or 0x00 followed by 8 bytes big-endian
func PreimageHash(v any, nonce uint64, ctx Context) (Digest, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return Digest{}, domain.NewEncodingError("action", "msgpack: %v", err)
	}

	b := binary.BigEndian.AppendUint64(buf.Bytes(), nonce)
	if ctx.Vault == nil {
		b = append(b, 0x00)
	} else {
		b = append(b, 0x01)
		b = append(b, ctx.Vault.Bytes()...)
	}
	if ctx.ExpiresAfter != nil {
		b = append(b, 0x00)
		b = binary.BigEndian.AppendUint64(b, *ctx.ExpiresAfter)
	}
	return Hash(b), nil
}
