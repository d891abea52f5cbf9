package peer

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
	"github.com/infinitefield/hypersdk/internal/multisig"
	"github.com/infinitefield/hypersdk/internal/signing"
)

// ErrDigestMismatch is returned when the digest advertised in a proposal
// differs from the one recomputed from its fields.
var ErrDigestMismatch = errors.New("proposal digest does not match its action")

// NewProposal describes s for remote participants.
func NewProposal(s *multisig.Session) (*Proposal, error) {
	p := s.Params()
	ctx := p.Context

	raw, err := action.Marshal(p.Inner, ctx.Chain, ctx.SignatureChainID)
	if err != nil {
		return nil, err
	}
	desc, err := action.Describe(p.Inner, ctx.Chain)
	if err != nil {
		return nil, err
	}

	authorized := make([]string, len(p.Authorized))
	for i, a := range p.Authorized {
		authorized[i] = action.Address(a)
	}
	d := s.Digest()

	prop := &Proposal{
		Version:          ProtocolVersion,
		SessionID:        s.ID(),
		MultiSigUser:     action.Address(p.MultiSigUser),
		OuterSigner:      action.Address(p.OuterSigner),
		Authorized:       authorized,
		Threshold:        p.Threshold,
		Nonce:            p.Nonce,
		Chain:            ctx.Chain.String(),
		SignatureChainID: ctx.SignatureChainID,
		Action:           raw,
		Description:      desc,
		Digest:           d[:],
	}
	if ctx.Vault != nil {
		prop.Vault = action.Address(*ctx.Vault)
	}
	if ctx.ExpiresAfter != nil {
		prop.ExpiresAfter = *ctx.ExpiresAfter
	}
	if !p.Deadline.IsZero() {
		prop.Deadline = p.Deadline.UnixMilli()
	}
	return prop, nil
}

// Verified is a proposal whose digest was recomputed locally.
type Verified struct {
	SessionID    string
	MultiSigUser common.Address
	OuterSigner  common.Address
	Authorized   []common.Address
	Threshold    int
	Nonce        uint64
	Context      signing.Context
	Inner        action.Action
	Digest       signing.Digest

	// Description is rendered locally from Inner. The initiator's text is
	// never shown to the operator.
	Description string
	Deadline    time.Time
}

// IsAuthorized reports whether addr is in the proposal's signer set.
func (v *Verified) IsAuthorized(addr common.Address) bool {
	for _, a := range v.Authorized {
		if a == addr {
			return true
		}
	}
	return false
}

// VerifyProposal rebuilds the action and its digest from p. It fails when
// any field is malformed or when p.Digest disagrees with the recomputation.
func VerifyProposal(p *Proposal) (*Verified, error) {
	if p.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", p.Version)
	}
	chain, err := domain.ParseChain(p.Chain)
	if err != nil {
		return nil, domain.NewEncodingError("chain", "%v", err)
	}
	user, err := hexAddress("multi_sig_user", p.MultiSigUser)
	if err != nil {
		return nil, err
	}
	outer, err := hexAddress("outer_signer", p.OuterSigner)
	if err != nil {
		return nil, err
	}

	v := &Verified{
		SessionID:    p.SessionID,
		MultiSigUser: user,
		OuterSigner:  outer,
		Threshold:    p.Threshold,
		Nonce:        p.Nonce,
		Context:      signing.Context{Chain: chain, SignatureChainID: p.SignatureChainID},
	}
	seen := make(map[common.Address]struct{}, len(p.Authorized))
	for i, s := range p.Authorized {
		a, err := hexAddress(fmt.Sprintf("authorized[%d]", i), s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[a]; dup {
			return nil, domain.NewEncodingError(fmt.Sprintf("authorized[%d]", i), "duplicate signer %s", s)
		}
		seen[a] = struct{}{}
		v.Authorized = append(v.Authorized, a)
	}
	if p.Threshold < 1 || p.Threshold > len(v.Authorized) {
		return nil, domain.NewEncodingError("threshold", "%d outside 1..%d", p.Threshold, len(v.Authorized))
	}
	if !v.IsAuthorized(outer) {
		return nil, domain.NewEncodingError("outer_signer", "%s is not authorized", p.OuterSigner)
	}

	if p.Vault != "" {
		vault, err := hexAddress("vault", p.Vault)
		if err != nil {
			return nil, err
		}
		v.Context.Vault = &vault
	}
	if p.ExpiresAfter != 0 {
		e := p.ExpiresAfter
		v.Context.ExpiresAfter = &e
	}
	if err := v.Context.Validate(); err != nil {
		return nil, err
	}

	inner, hdr, err := action.Parse(p.Action)
	if err != nil {
		return nil, err
	}
	if inner.Kind() == action.KindMultiSig {
		return nil, domain.NewEncodingError("action", "multi-sig envelopes cannot be nested")
	}
	if inner.Kind().UserSigned() {
		if hdr.HyperliquidChain != chain.String() {
			return nil, domain.NewEncodingError("action.hyperliquidChain", "%q does not match chain %s", hdr.HyperliquidChain, chain)
		}
		if !strings.EqualFold(hdr.SignatureChainID, action.ChainIDHex(p.SignatureChainID)) {
			return nil, domain.NewEncodingError("action.signatureChainId", "%q does not match %s", hdr.SignatureChainID, action.ChainIDHex(p.SignatureChainID))
		}
	}
	v.Inner = inner

	v.Digest, err = signing.ActionHash(&action.MultiSig{
		SignatureChainID: p.SignatureChainID,
		Payload: action.MultiSigPayload{
			MultiSigUser: user,
			OuterSigner:  outer,
			Action:       inner,
		},
	}, p.Nonce, v.Context)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(v.Digest[:], p.Digest) {
		return nil, fmt.Errorf("%w: advertised %x, computed %s", ErrDigestMismatch, p.Digest, v.Digest.Hex())
	}

	v.Description, err = action.Describe(inner, chain)
	if err != nil {
		return nil, err
	}
	if p.Deadline > 0 {
		v.Deadline = time.UnixMilli(p.Deadline)
	}
	return v, nil
}

func hexAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, domain.NewEncodingError(field, "invalid address %q", s)
	}
	a := common.HexToAddress(s)
	if a == (common.Address{}) {
		return a, domain.NewEncodingError(field, "must not be the zero address")
	}
	return a, nil
}
