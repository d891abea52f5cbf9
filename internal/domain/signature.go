package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SignatureLength is the byte length of r || s || v.
const SignatureLength = 65

// Signature is a recoverable secp256k1 signature. V is 27 or 28.
type Signature struct {
	R [32]byte `msgpack:"r"`
	S [32]byte `msgpack:"s"`
	V uint8    `msgpack:"v"`
}

// Bytes returns r || s || v.
func (s Signature) Bytes() []byte {
	out := make([]byte, SignatureLength)
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// String returns the 0x-prefixed hex of Bytes.
func (s Signature) String() string {
	return hexutil.Encode(s.Bytes())
}

// IsZero reports whether the signature is unset.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// SignatureFromBytes parses r || s || v. A v of 0 or 1 is normalised to 27 or 28.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureLength {
		return sig, &RecoveryError{Err: fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(b))}
	}
	copy(sig.R[:], b[0:32])
	copy(sig.S[:], b[32:64])
	sig.V = b[64]
	if sig.V < 27 {
		sig.V += 27
	}
	return sig, nil
}

type signatureJSON struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// MarshalJSON renders the exchange wire form {"r":"0x..","s":"0x..","v":27}.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(signatureJSON{
		R: hexutil.EncodeBig(new(big.Int).SetBytes(s.R[:])),
		S: hexutil.EncodeBig(new(big.Int).SetBytes(s.S[:])),
		V: s.V,
	})
}

// UnmarshalJSON accepts r and s with or without leading zeros.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var raw signatureJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r, ok := new(big.Int).SetString(strings.TrimPrefix(raw.R, "0x"), 16)
	if !ok {
		return fmt.Errorf("signature r: invalid hex %q", raw.R)
	}
	sv, ok := new(big.Int).SetString(strings.TrimPrefix(raw.S, "0x"), 16)
	if !ok {
		return fmt.Errorf("signature s: invalid hex %q", raw.S)
	}
	if r.BitLen() > 256 || sv.BitLen() > 256 {
		return errors.New("signature component exceeds 32 bytes")
	}
	r.FillBytes(s.R[:])
	sv.FillBytes(s.S[:])
	s.V = raw.V
	return nil
}
