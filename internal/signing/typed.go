package signing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/infinitefield/hypersdk/internal/action"
	"github.com/infinitefield/hypersdk/internal/domain"
)

const (
	zeroAddress = "0x0000000000000000000000000000000000000000"

	// agentChainID is fixed for the L1 phantom agent domain.
	agentChainID = 1337

	primaryPrefix = "HyperliquidTransaction:"
)

var domainTypes = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// encodeAgent wraps an L1 connection id in the phantom agent typed data.
func encodeAgent(connectionID Digest, chain domain.Chain) ([]byte, error) {
	return encodeTyped(apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes,
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain:      typedDomain("Exchange", agentChainID),
		Message: apitypes.TypedDataMessage{
			"source":       chain.Source(),
			"connectionId": connectionID.Hex(),
		},
	})
}

// userSignedMessage returns the EIP-712 struct name, field list and values of
// a user-signed wire action. Field order is the type string order.
func userSignedMessage(wire any) (name string, fields []apitypes.Type, msg apitypes.TypedDataMessage, err error) {
	switch w := wire.(type) {
	case *action.UsdSendWire:
		name = "UsdSend"
		fields = []apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "destination", Type: "string"},
			{Name: "amount", Type: "string"},
			{Name: "time", Type: "uint64"},
		}
		msg = apitypes.TypedDataMessage{
			"hyperliquidChain": w.HyperliquidChain,
			"destination":      w.Destination,
			"amount":           w.Amount,
			"time":             uint64Value(w.Time),
		}

	case *action.SendAssetWire:
		name = "SendAsset"
		fields = []apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "destination", Type: "string"},
			{Name: "sourceDex", Type: "string"},
			{Name: "destinationDex", Type: "string"},
			{Name: "token", Type: "string"},
			{Name: "amount", Type: "string"},
			{Name: "fromSubAccount", Type: "string"},
			{Name: "nonce", Type: "uint64"},
		}
		msg = apitypes.TypedDataMessage{
			"hyperliquidChain": w.HyperliquidChain,
			"destination":      w.Destination,
			"sourceDex":        w.SourceDex,
			"destinationDex":   w.DestinationDex,
			"token":            w.Token,
			"amount":           w.Amount,
			"fromSubAccount":   w.FromSubAccount,
			"nonce":            uint64Value(w.Nonce),
		}

	case *action.UsdClassTransferWire:
		name = "UsdClassTransfer"
		fields = []apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "amount", Type: "string"},
			{Name: "toPerp", Type: "bool"},
			{Name: "nonce", Type: "uint64"},
		}
		msg = apitypes.TypedDataMessage{
			"hyperliquidChain": w.HyperliquidChain,
			"amount":           w.Amount,
			"toPerp":           w.ToPerp,
			"nonce":            uint64Value(w.Nonce),
		}

	case *action.ApproveAgentWire:
		name = "ApproveAgent"
		fields = []apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "agentAddress", Type: "address"},
			{Name: "agentName", Type: "string"},
			{Name: "nonce", Type: "uint64"},
		}
		msg = apitypes.TypedDataMessage{
			"hyperliquidChain": w.HyperliquidChain,
			"agentAddress":     w.AgentAddress,
			"agentName":        w.AgentName,
			"nonce":            uint64Value(w.Nonce),
		}

	case *action.ConvertToMultiSigWire:
		name = "ConvertToMultiSigUser"
		fields = []apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "signers", Type: "string"},
			{Name: "nonce", Type: "uint64"},
		}
		msg = apitypes.TypedDataMessage{
			"hyperliquidChain": w.HyperliquidChain,
			"signers":          w.Signers,
			"nonce":            uint64Value(w.Nonce),
		}

	default:
		err = domain.NewEncodingError("type", "%T is not a user-signed action", wire)
	}
	return name, fields, msg, err
}

// encodeUserSigned encodes a user-signed action. When ms is set, the
// payloadMultiSigUser and outerSigner fields are inserted right after
// hyperliquidChain, which is how each multi-sig signer signs it.
func encodeUserSigned(a action.Action, nonce uint64, ctx Context, ms *multiSigSigner) ([]byte, error) {
	if ctx.Vault != nil {
		return nil, domain.NewEncodingError("context.vault", "user-signed actions cannot act for a vault")
	}
	if ctx.ExpiresAfter != nil {
		return nil, domain.NewEncodingError("context.expiresAfter", "user-signed actions do not support expiry")
	}
	nonced, ok := a.(action.Nonced)
	if !ok {
		return nil, domain.NewEncodingError("type", "%s is not a user-signed action", a.Kind())
	}
	if field, v := nonced.NonceField(); v != nonce {
		return nil, domain.NewEncodingError(field, "must equal the signing nonce %d, got %d", nonce, v)
	}

	wire, err := action.ToWire(a, ctx.Chain, ctx.SignatureChainID)
	if err != nil {
		return nil, err
	}
	name, fields, msg, err := userSignedMessage(wire)
	if err != nil {
		return nil, err
	}

	if ms != nil {
		withSigner := make([]apitypes.Type, 0, len(fields)+2)
		withSigner = append(withSigner, fields[0],
			apitypes.Type{Name: "payloadMultiSigUser", Type: "address"},
			apitypes.Type{Name: "outerSigner", Type: "address"},
		)
		fields = append(withSigner, fields[1:]...)
		msg["payloadMultiSigUser"] = action.Address(ms.user)
		msg["outerSigner"] = action.Address(ms.outer)
	}

	return encodeUserTyped(name, fields, msg, ctx.SignatureChainID)
}

// EncodeSendMultiSig encodes the lead signer's authorization of a complete
// multi-sig envelope, identified by its wire hash.
func EncodeSendMultiSig(multiSigActionHash Digest, nonce uint64, ctx Context) ([]byte, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	return encodeUserTyped("SendMultiSig", []apitypes.Type{
		{Name: "hyperliquidChain", Type: "string"},
		{Name: "multiSigActionHash", Type: "bytes32"},
		{Name: "nonce", Type: "uint64"},
	}, apitypes.TypedDataMessage{
		"hyperliquidChain":   ctx.Chain.String(),
		"multiSigActionHash": multiSigActionHash.Hex(),
		"nonce":              uint64Value(nonce),
	}, ctx.SignatureChainID)
}

func encodeUserTyped(name string, fields []apitypes.Type, msg apitypes.TypedDataMessage, chainID uint64) ([]byte, error) {
	primary := primaryPrefix + name
	return encodeTyped(apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain:      typedDomain("HyperliquidSignTransaction", chainID),
		Message:     msg,
	})
}

func typedDomain(name string, chainID uint64) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              name,
		Version:           "1",
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(chainID)),
		VerifyingContract: zeroAddress,
	}
}

func encodeTyped(td apitypes.TypedData) ([]byte, error) {
	_, raw, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, domain.NewEncodingError(td.PrimaryType, "eip712: %v", err)
	}
	return []byte(raw), nil
}

func uint64Value(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}
