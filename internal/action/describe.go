package action

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/infinitefield/hypersdk/internal/domain"
)

type orderView struct {
	Asset      int    `yaml:"asset"`
	Side       string `yaml:"side"`
	Price      string `yaml:"price"`
	Size       string `yaml:"size"`
	ReduceOnly bool   `yaml:"reduce_only,omitempty"`
	Type       string `yaml:"type"`
	Cloid      string `yaml:"cloid,omitempty"`
}

type actionView struct {
	Action      string            `yaml:"action"`
	Chain       string            `yaml:"chain,omitempty"`
	Orders      []orderView       `yaml:"orders,omitempty"`
	Grouping    string            `yaml:"grouping,omitempty"`
	Builder     string            `yaml:"builder,omitempty"`
	Cancels     []string          `yaml:"cancels,omitempty"`
	Modifies    map[uint64]string `yaml:"modifies,omitempty"`
	Destination string            `yaml:"destination,omitempty"`
	Token       string            `yaml:"token,omitempty"`
	Amount      string            `yaml:"amount,omitempty"`
	From        string            `yaml:"from,omitempty"`
	Direction   string            `yaml:"direction,omitempty"`
	Agent       string            `yaml:"agent,omitempty"`
	Signers     []string          `yaml:"signers,omitempty"`
	Threshold   int               `yaml:"threshold,omitempty"`
	MultiSig    *multiSigView     `yaml:"multisig,omitempty"`
	Nonce       uint64            `yaml:"nonce,omitempty"`
}

type multiSigView struct {
	Account     string `yaml:"account"`
	OuterSigner string `yaml:"outer_signer"`
	Signatures  int    `yaml:"signatures"`
}

// Describe renders a for an operator who must decide whether to sign it.
// Every field that influences the hash is shown.
func Describe(a Action, chain domain.Chain) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	v := describe(a)
	v.Chain = chain.String()
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", a.Kind(), err)
	}
	return string(out), nil
}

func describe(a Action) actionView {
	v := actionView{Action: a.Kind().String()}

	switch a := a.(type) {
	case *BatchOrder:
		for _, o := range a.Orders {
			v.Orders = append(v.Orders, viewOrder(o))
		}
		v.Grouping = string(a.Grouping)
		if a.Builder != nil {
			v.Builder = fmt.Sprintf("%s fee=%d", Address(a.Builder.Address), a.Builder.Fee)
		}
	case *Cancel:
		for _, c := range a.Cancels {
			v.Cancels = append(v.Cancels, fmt.Sprintf("asset %d oid %d", c.Asset, c.Oid))
		}
	case *CancelByCloid:
		for _, c := range a.Cancels {
			v.Cancels = append(v.Cancels, fmt.Sprintf("asset %d cloid %s", c.Asset, c.Cloid))
		}
	case *BatchModify:
		v.Modifies = make(map[uint64]string, len(a.Modifies))
		for _, m := range a.Modifies {
			o := viewOrder(m.Order)
			v.Modifies[m.Oid] = fmt.Sprintf("%s %s @ %s asset %d (%s)", o.Side, o.Size, o.Price, o.Asset, o.Type)
		}
	case *UsdSend:
		v.Destination = Address(a.Destination)
		v.Token = "USDC"
		v.Amount = a.Amount.String()
		v.Nonce = a.Time
	case *SendAsset:
		v.Destination = Address(a.Destination)
		v.Token = a.Token
		v.Amount = a.Amount.String()
		v.Direction = fmt.Sprintf("%q -> %q", a.SourceDex, a.DestinationDex)
		if a.FromSubAccount != nil {
			v.From = Address(*a.FromSubAccount)
		}
		v.Nonce = a.Nonce
	case *UsdClassTransfer:
		v.Amount = a.Amount.String()
		v.Direction = "perp -> spot"
		if a.ToPerp {
			v.Direction = "spot -> perp"
		}
		v.Nonce = a.Nonce
	case *ApproveAgent:
		v.Agent = Address(a.AgentAddress)
		if a.AgentName != "" {
			v.Agent += " (" + a.AgentName + ")"
		}
		v.Nonce = a.Nonce
	case *ConvertToMultiSig:
		for _, u := range a.AuthorizedUsers {
			v.Signers = append(v.Signers, Address(u))
		}
		v.Threshold = a.Threshold
		v.Nonce = a.Nonce
	case *MultiSig:
		inner := describe(a.Payload.Action)
		inner.MultiSig = &multiSigView{
			Account:     Address(a.Payload.MultiSigUser),
			OuterSigner: Address(a.Payload.OuterSigner),
			Signatures:  len(a.Signatures),
		}
		return inner
	}
	return v
}

func viewOrder(o OrderRequest) orderView {
	v := orderView{
		Asset:      o.Asset,
		Side:       "sell",
		Price:      o.LimitPx.String(),
		Size:       o.Size.String(),
		ReduceOnly: o.ReduceOnly,
	}
	if o.IsBuy {
		v.Side = "buy"
	}
	switch {
	case o.Type.Limit != nil:
		v.Type = "limit " + strings.ToLower(string(o.Type.Limit.Tif))
	case o.Type.Trigger != nil:
		kind := "limit"
		if o.Type.Trigger.IsMarket {
			kind = "market"
		}
		v.Type = fmt.Sprintf("%s %s trigger @ %s", string(o.Type.Trigger.TpSl), kind, o.Type.Trigger.TriggerPx)
	}
	if o.Cloid != nil {
		v.Cloid = o.Cloid.String()
	}
	return v
}
