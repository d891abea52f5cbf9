package action

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// Header holds the tag and domain fields of a wire action that are not part
// of the Action value itself.
type Header struct {
	Type             string `json:"type"`
	SignatureChainID string `json:"signatureChainId,omitempty"`
	HyperliquidChain string `json:"hyperliquidChain,omitempty"`
}

// Marshal returns the exchange JSON form of a.
func Marshal(a Action, chain domain.Chain, sigChainID uint64) ([]byte, error) {
	w, err := ToWire(a, chain, sigChainID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Parse rebuilds an Action from its exchange JSON form and validates it.
func Parse(data []byte) (Action, Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, h, domain.NewEncodingError("action", "invalid json: %v", err)
	}
	kind, err := ParseKind(h.Type)
	if err != nil {
		return nil, h, err
	}

	a, err := parseKind(kind, data)
	if err != nil {
		return nil, h, err
	}
	if err := a.Validate(); err != nil {
		return nil, h, err
	}
	return a, h, nil
}

func parseKind(kind Kind, data []byte) (Action, error) {
	decode := func(v any) error {
		if err := json.Unmarshal(data, v); err != nil {
			return domain.NewEncodingError(kind.String(), "invalid json: %v", err)
		}
		return nil
	}

	switch kind {
	case KindOrder:
		var w OrderActionWire
		if err := decode(&w); err != nil {
			return nil, err
		}
		a := &BatchOrder{Grouping: Grouping(w.Grouping), Orders: make([]OrderRequest, len(w.Orders))}
		for i, ow := range w.Orders {
			o, err := parseOrder(fmt.Sprintf("orders[%d]", i), ow)
			if err != nil {
				return nil, err
			}
			a.Orders[i] = o
		}
		if w.Builder != nil {
			addr, err := parseAddress("builder.b", w.Builder.Address)
			if err != nil {
				return nil, err
			}
			a.Builder = &Builder{Address: addr, Fee: w.Builder.Fee}
		}
		return a, nil

	case KindCancel:
		var w CancelActionWire
		if err := decode(&w); err != nil {
			return nil, err
		}
		a := &Cancel{Cancels: make([]CancelRequest, len(w.Cancels))}
		for i, c := range w.Cancels {
			a.Cancels[i] = CancelRequest{Asset: c.Asset, Oid: c.Oid}
		}
		return a, nil

	case KindCancelByCloid:
		var w CancelByCloidActionWire
		if err := decode(&w); err != nil {
			return nil, err
		}
		a := &CancelByCloid{Cancels: make([]CancelByCloidRequest, len(w.Cancels))}
		for i, c := range w.Cancels {
			cloid, err := ParseCloid(c.Cloid)
			if err != nil {
				return nil, err
			}
			a.Cancels[i] = CancelByCloidRequest{Asset: c.Asset, Cloid: cloid}
		}
		return a, nil

	case KindBatchModify:
		var w BatchModifyActionWire
		if err := decode(&w); err != nil {
			return nil, err
		}
		a := &BatchModify{Modifies: make([]Modify, len(w.Modifies))}
		for i, m := range w.Modifies {
			o, err := parseOrder(fmt.Sprintf("modifies[%d].order", i), m.Order)
			if err != nil {
				return nil, err
			}
			a.Modifies[i] = Modify{Oid: m.Oid, Order: o}
		}
		return a, nil

	case KindUsdSend:
		var w UsdSendWire
		if err := decode(&w); err != nil {
			return nil, err
		}
		dest, err := parseAddress("destination", w.Destination)
		if err != nil {
			return nil, err
		}
		amount, err := ParseDecimal("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &UsdSend{Destination: dest, Amount: amount, Time: w.Time}, nil

	case KindSendAsset:
		var w SendAssetWire
		if err := decode(&w); err != nil {
			return nil, err
		}
		dest, err := parseAddress("destination", w.Destination)
		if err != nil {
			return nil, err
		}
		amount, err := ParseDecimal("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		a := &SendAsset{
			Destination:    dest,
			SourceDex:      w.SourceDex,
			DestinationDex: w.DestinationDex,
			Token:          w.Token,
			Amount:         amount,
			Nonce:          w.Nonce,
		}
		if w.FromSubAccount != "" {
			from, err := parseAddress("fromSubAccount", w.FromSubAccount)
			if err != nil {
				return nil, err
			}
			a.FromSubAccount = &from
		}
		return a, nil

	case KindUsdClassTransfer:
		var w UsdClassTransferWire
		if err := decode(&w); err != nil {
			return nil, err
		}
		amount, err := ParseDecimal("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &UsdClassTransfer{Amount: amount, ToPerp: w.ToPerp, Nonce: w.Nonce}, nil

	case KindApproveAgent:
		var w ApproveAgentWire
		if err := decode(&w); err != nil {
			return nil, err
		}
		agent, err := parseAddress("agentAddress", w.AgentAddress)
		if err != nil {
			return nil, err
		}
		return &ApproveAgent{AgentAddress: agent, AgentName: w.AgentName, Nonce: w.Nonce}, nil

	case KindConvertToMultiSig:
		var w ConvertToMultiSigWire
		if err := decode(&w); err != nil {
			return nil, err
		}
		var signers SignersWire
		if err := json.Unmarshal([]byte(w.Signers), &signers); err != nil {
			return nil, domain.NewEncodingError("signers", "invalid json: %v", err)
		}
		a := &ConvertToMultiSig{Threshold: signers.Threshold, Nonce: w.Nonce}
		for _, u := range signers.AuthorizedUsers {
			addr, err := parseAddress("signers.authorizedUsers", u)
			if err != nil {
				return nil, err
			}
			a.AuthorizedUsers = append(a.AuthorizedUsers, addr)
		}
		return a, nil

	case KindMultiSig:
		var w struct {
			SignatureChainID string          `json:"signatureChainId"`
			Signatures      []SignatureWire `json:"signatures"`
			Payload         struct {
				MultiSigUser string          `json:"multiSigUser"`
				OuterSigner  string          `json:"outerSigner"`
				Action       json.RawMessage `json:"action"`
			} `json:"payload"`
		}
		if err := decode(&w); err != nil {
			return nil, err
		}
		chainID, err := strconv.ParseUint(strings.TrimPrefix(w.SignatureChainID, "0x"), 16, 64)
		if err != nil {
			return nil, domain.NewEncodingError("signatureChainId", "invalid hex %q", w.SignatureChainID)
		}
		user, err := parseAddress("payload.multiSigUser", w.Payload.MultiSigUser)
		if err != nil {
			return nil, err
		}
		outer, err := parseAddress("payload.outerSigner", w.Payload.OuterSigner)
		if err != nil {
			return nil, err
		}
		inner, _, err := Parse(w.Payload.Action)
		if err != nil {
			return nil, err
		}
		a := &MultiSig{
			SignatureChainID: chainID,
			Payload:          MultiSigPayload{MultiSigUser: user, OuterSigner: outer, Action: inner},
		}
		for i, s := range w.Signatures {
			sig, err := parseSignatureWire(fmt.Sprintf("signatures[%d]", i), s)
			if err != nil {
				return nil, err
			}
			a.Signatures = append(a.Signatures, sig)
		}
		return a, nil
	}

	return nil, domain.NewEncodingError("type", "unsupported action kind %s", kind)
}

func parseOrder(field string, w OrderWire) (OrderRequest, error) {
	px, err := ParseDecimal(field+".p", w.LimitPx)
	if err != nil {
		return OrderRequest{}, err
	}
	sz, err := ParseDecimal(field+".s", w.Size)
	if err != nil {
		return OrderRequest{}, err
	}
	o := OrderRequest{Asset: w.Asset, IsBuy: w.IsBuy, LimitPx: px, Size: sz, ReduceOnly: w.ReduceOnly}
	if w.Type.Limit != nil {
		o.Type.Limit = &Limit{Tif: Tif(w.Type.Limit.Tif)}
	}
	if w.Type.Trigger != nil {
		triggerPx, err := ParseDecimal(field+".t.trigger.triggerPx", w.Type.Trigger.TriggerPx)
		if err != nil {
			return OrderRequest{}, err
		}
		o.Type.Trigger = &Trigger{IsMarket: w.Type.Trigger.IsMarket, TriggerPx: triggerPx, TpSl: TpSl(w.Type.Trigger.TpSl)}
	}
	if w.Cloid != "" {
		c, err := ParseCloid(w.Cloid)
		if err != nil {
			return OrderRequest{}, err
		}
		o.Cloid = &c
	}
	return o, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, domain.NewEncodingError(field, "invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseSignatureWire(field string, w SignatureWire) (domain.Signature, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return domain.Signature{}, err
	}
	var sig domain.Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return domain.Signature{}, domain.NewEncodingError(field, "%v", err)
	}
	return sig, nil
}
