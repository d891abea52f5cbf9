package action

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// Wire structs mirror the exchange JSON body field for field. Their
// declaration order is the msgpack map order used for L1 hashing.

type LimitWire struct {
	Tif string `msgpack:"tif" json:"tif"`
}

type TriggerWire struct {
	IsMarket  bool   `msgpack:"isMarket" json:"isMarket"`
	TriggerPx string `msgpack:"triggerPx" json:"triggerPx"`
	TpSl      string `msgpack:"tpsl" json:"tpsl"`
}

type OrderTypeWire struct {
	Limit   *LimitWire   `msgpack:"limit,omitempty" json:"limit,omitempty"`
	Trigger *TriggerWire `msgpack:"trigger,omitempty" json:"trigger,omitempty"`
}

type OrderWire struct {
	Asset      int           `msgpack:"a" json:"a"`
	IsBuy      bool          `msgpack:"b" json:"b"`
	LimitPx    string        `msgpack:"p" json:"p"`
	Size       string        `msgpack:"s" json:"s"`
	ReduceOnly bool          `msgpack:"r" json:"r"`
	Type       OrderTypeWire `msgpack:"t" json:"t"`
	Cloid      string        `msgpack:"c,omitempty" json:"c,omitempty"`
}

type BuilderWire struct {
	Address string `msgpack:"b" json:"b"`
	Fee     uint64 `msgpack:"f" json:"f"`
}

type OrderActionWire struct {
	Type     string       `msgpack:"type" json:"type"`
	Orders   []OrderWire  `msgpack:"orders" json:"orders"`
	Grouping string       `msgpack:"grouping" json:"grouping"`
	Builder  *BuilderWire `msgpack:"builder,omitempty" json:"builder,omitempty"`
}

type CancelWire struct {
	Asset int    `msgpack:"a" json:"a"`
	Oid   uint64 `msgpack:"o" json:"o"`
}

type CancelActionWire struct {
	Type    string       `msgpack:"type" json:"type"`
	Cancels []CancelWire `msgpack:"cancels" json:"cancels"`
}

type CancelByCloidWire struct {
	Asset int    `msgpack:"asset" json:"asset"`
	Cloid string `msgpack:"cloid" json:"cloid"`
}

type CancelByCloidActionWire struct {
	Type    string              `msgpack:"type" json:"type"`
	Cancels []CancelByCloidWire `msgpack:"cancels" json:"cancels"`
}

type ModifyWire struct {
	Oid   uint64    `msgpack:"oid" json:"oid"`
	Order OrderWire `msgpack:"order" json:"order"`
}

type BatchModifyActionWire struct {
	Type     string       `msgpack:"type" json:"type"`
	Modifies []ModifyWire `msgpack:"modifies" json:"modifies"`
}

type UsdSendWire struct {
	Type             string `msgpack:"type" json:"type"`
	SignatureChainID string `msgpack:"signatureChainId" json:"signatureChainId"`
	HyperliquidChain string `msgpack:"hyperliquidChain" json:"hyperliquidChain"`
	Destination      string `msgpack:"destination" json:"destination"`
	Amount           string `msgpack:"amount" json:"amount"`
	Time             uint64 `msgpack:"time" json:"time"`
}

type SendAssetWire struct {
	Type             string `msgpack:"type" json:"type"`
	SignatureChainID string `msgpack:"signatureChainId" json:"signatureChainId"`
	HyperliquidChain string `msgpack:"hyperliquidChain" json:"hyperliquidChain"`
	Destination      string `msgpack:"destination" json:"destination"`
	SourceDex        string `msgpack:"sourceDex" json:"sourceDex"`
	DestinationDex   string `msgpack:"destinationDex" json:"destinationDex"`
	Token            string `msgpack:"token" json:"token"`
	Amount           string `msgpack:"amount" json:"amount"`
	FromSubAccount   string `msgpack:"fromSubAccount" json:"fromSubAccount"`
	Nonce            uint64 `msgpack:"nonce" json:"nonce"`
}

type UsdClassTransferWire struct {
	Type             string `msgpack:"type" json:"type"`
	SignatureChainID string `msgpack:"signatureChainId" json:"signatureChainId"`
	HyperliquidChain string `msgpack:"hyperliquidChain" json:"hyperliquidChain"`
	Amount           string `msgpack:"amount" json:"amount"`
	ToPerp           bool   `msgpack:"toPerp" json:"toPerp"`
	Nonce            uint64 `msgpack:"nonce" json:"nonce"`
}

type ApproveAgentWire struct {
	Type             string `msgpack:"type" json:"type"`
	SignatureChainID string `msgpack:"signatureChainId" json:"signatureChainId"`
	HyperliquidChain string `msgpack:"hyperliquidChain" json:"hyperliquidChain"`
	AgentAddress     string `msgpack:"agentAddress" json:"agentAddress"`
	AgentName        string `msgpack:"agentName" json:"agentName"`
	Nonce            uint64 `msgpack:"nonce" json:"nonce"`
}

type ConvertToMultiSigWire struct {
	Type             string `msgpack:"type" json:"type"`
	SignatureChainID string `msgpack:"signatureChainId" json:"signatureChainId"`
	HyperliquidChain string `msgpack:"hyperliquidChain" json:"hyperliquidChain"`
	Signers          string `msgpack:"signers" json:"signers"`
	Nonce            uint64 `msgpack:"nonce" json:"nonce"`
}

// SignersWire is the JSON document embedded as a string in convertToMultiSigUser.
type SignersWire struct {
	AuthorizedUsers []string `msgpack:"authorizedUsers" json:"authorizedUsers"`
	Threshold       int      `msgpack:"threshold" json:"threshold"`
}

// SignatureWire is the {r, s, v} form the exchange expects inside an envelope.
type SignatureWire struct {
	R string `msgpack:"r" json:"r"`
	S string `msgpack:"s" json:"s"`
	V uint8  `msgpack:"v" json:"v"`
}

type MultiSigPayloadWire struct {
	MultiSigUser string `msgpack:"multiSigUser" json:"multiSigUser"`
	OuterSigner  string `msgpack:"outerSigner" json:"outerSigner"`
	Action       any    `msgpack:"action" json:"action"`
}

type MultiSigWire struct {
	Type             string              `msgpack:"type" json:"type"`
	SignatureChainID string              `msgpack:"signatureChainId" json:"signatureChainId"`
	Signatures       []SignatureWire     `msgpack:"signatures" json:"signatures"`
	Payload          MultiSigPayloadWire `msgpack:"payload" json:"payload"`
}

// Address renders an address the way the exchange compares it: lowercase hex.
func Address(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// ChainIDHex renders a signature chain id as 0x-prefixed hex.
func ChainIDHex(id uint64) string {
	return "0x" + strconv.FormatUint(id, 16)
}

// SignersJSON returns the canonical signers document: users lowercased and
// sorted, compact JSON.
func (a *ConvertToMultiSig) SignersJSON() (string, error) {
	users := make([]string, len(a.AuthorizedUsers))
	for i, u := range a.AuthorizedUsers {
		users[i] = Address(u)
	}
	sort.Strings(users)
	b, err := json.Marshal(SignersWire{AuthorizedUsers: users, Threshold: a.Threshold})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ToWire converts a into its exchange wire struct. chain and sigChainID are
// only read for user-signed kinds and for the envelope.
func ToWire(a Action, chain domain.Chain, sigChainID uint64) (any, error) {
	if a == nil {
		return nil, domain.NewEncodingError("action", "action is required")
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	switch a := a.(type) {
	case *BatchOrder:
		orders, err := orderWires("orders", a.Orders)
		if err != nil {
			return nil, err
		}
		w := &OrderActionWire{Type: a.Kind().String(), Orders: orders, Grouping: string(a.Grouping)}
		if a.Builder != nil {
			w.Builder = &BuilderWire{Address: Address(a.Builder.Address), Fee: a.Builder.Fee}
		}
		return w, nil

	case *Cancel:
		w := &CancelActionWire{Type: a.Kind().String(), Cancels: make([]CancelWire, len(a.Cancels))}
		for i, c := range a.Cancels {
			w.Cancels[i] = CancelWire{Asset: c.Asset, Oid: c.Oid}
		}
		return w, nil

	case *CancelByCloid:
		w := &CancelByCloidActionWire{Type: a.Kind().String(), Cancels: make([]CancelByCloidWire, len(a.Cancels))}
		for i, c := range a.Cancels {
			w.Cancels[i] = CancelByCloidWire{Asset: c.Asset, Cloid: c.Cloid.String()}
		}
		return w, nil

	case *BatchModify:
		w := &BatchModifyActionWire{Type: a.Kind().String(), Modifies: make([]ModifyWire, len(a.Modifies))}
		for i, m := range a.Modifies {
			ow, err := orderWire(fmt.Sprintf("modifies[%d].order", i), m.Order)
			if err != nil {
				return nil, err
			}
			w.Modifies[i] = ModifyWire{Oid: m.Oid, Order: ow}
		}
		return w, nil

	case *UsdSend:
		amount, err := FormatDecimal("amount", a.Amount)
		if err != nil {
			return nil, err
		}
		return &UsdSendWire{
			Type:             a.Kind().String(),
			SignatureChainID: ChainIDHex(sigChainID),
			HyperliquidChain: chain.String(),
			Destination:      Address(a.Destination),
			Amount:           amount,
			Time:             a.Time,
		}, nil

	case *SendAsset:
		amount, err := FormatDecimal("amount", a.Amount)
		if err != nil {
			return nil, err
		}
		var from string
		if a.FromSubAccount != nil {
			from = Address(*a.FromSubAccount)
		}
		return &SendAssetWire{
			Type:             a.Kind().String(),
			SignatureChainID: ChainIDHex(sigChainID),
			HyperliquidChain: chain.String(),
			Destination:      Address(a.Destination),
			SourceDex:        a.SourceDex,
			DestinationDex:   a.DestinationDex,
			Token:            a.Token,
			Amount:           amount,
			FromSubAccount:   from,
			Nonce:            a.Nonce,
		}, nil

	case *UsdClassTransfer:
		amount, err := FormatDecimal("amount", a.Amount)
		if err != nil {
			return nil, err
		}
		return &UsdClassTransferWire{
			Type:             a.Kind().String(),
			SignatureChainID: ChainIDHex(sigChainID),
			HyperliquidChain: chain.String(),
			Amount:           amount,
			ToPerp:           a.ToPerp,
			Nonce:            a.Nonce,
		}, nil

	case *ApproveAgent:
		return &ApproveAgentWire{
			Type:             a.Kind().String(),
			SignatureChainID: ChainIDHex(sigChainID),
			HyperliquidChain: chain.String(),
			AgentAddress:     Address(a.AgentAddress),
			AgentName:        a.AgentName,
			Nonce:            a.Nonce,
		}, nil

	case *ConvertToMultiSig:
		signers, err := a.SignersJSON()
		if err != nil {
			return nil, err
		}
		return &ConvertToMultiSigWire{
			Type:             a.Kind().String(),
			SignatureChainID: ChainIDHex(sigChainID),
			HyperliquidChain: chain.String(),
			Signers:          signers,
			Nonce:            a.Nonce,
		}, nil

	case *MultiSig:
		inner, err := ToWire(a.Payload.Action, chain, sigChainID)
		if err != nil {
			return nil, err
		}
		sigs := make([]SignatureWire, len(a.Signatures))
		for i, s := range a.Signatures {
			sigs[i] = SignatureWire{
				R: hexutil.EncodeBig(new(big.Int).SetBytes(s.R[:])),
				S: hexutil.EncodeBig(new(big.Int).SetBytes(s.S[:])),
				V: s.V,
			}
		}
		return &MultiSigWire{
			Type:             a.Kind().String(),
			SignatureChainID: ChainIDHex(a.SignatureChainID),
			Signatures:       sigs,
			Payload: MultiSigPayloadWire{
				MultiSigUser: Address(a.Payload.MultiSigUser),
				OuterSigner:  Address(a.Payload.OuterSigner),
				Action:       inner,
			},
		}, nil
	}

	return nil, domain.NewEncodingError("type", "unsupported action kind %s", a.Kind())
}

func orderWires(field string, orders []OrderRequest) ([]OrderWire, error) {
	out := make([]OrderWire, len(orders))
	for i, o := range orders {
		w, err := orderWire(fmt.Sprintf("%s[%d]", field, i), o)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func orderWire(field string, o OrderRequest) (OrderWire, error) {
	px, err := FormatDecimal(field+".p", o.LimitPx)
	if err != nil {
		return OrderWire{}, err
	}
	sz, err := FormatDecimal(field+".s", o.Size)
	if err != nil {
		return OrderWire{}, err
	}

	w := OrderWire{Asset: o.Asset, IsBuy: o.IsBuy, LimitPx: px, Size: sz, ReduceOnly: o.ReduceOnly}
	if o.Type.Limit != nil {
		w.Type.Limit = &LimitWire{Tif: string(o.Type.Limit.Tif)}
	} else {
		trigger, err := FormatDecimal(field+".t.trigger.triggerPx", o.Type.Trigger.TriggerPx)
		if err != nil {
			return OrderWire{}, err
		}
		w.Type.Trigger = &TriggerWire{IsMarket: o.Type.Trigger.IsMarket, TriggerPx: trigger, TpSl: string(o.Type.Trigger.TpSl)}
	}
	if o.Cloid != nil {
		w.Cloid = o.Cloid.String()
	}
	return w, nil
}
