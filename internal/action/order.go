package action

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// Tif is the time-in-force of a limit order.
type Tif string

const (
	TifAlo Tif = "Alo"
	TifIoc Tif = "Ioc"
	TifGtc Tif = "Gtc"
)

// TpSl marks a trigger order as take-profit or stop-loss.
type TpSl string

const (
	TakeProfit TpSl = "tp"
	StopLoss   TpSl = "sl"
)

// Grouping links the orders of one batch.
type Grouping string

const (
	GroupingNone         Grouping = "na"
	GroupingNormalTpSl   Grouping = "normalTpsl"
	GroupingPositionTpSl Grouping = "positionTpsl"
)

// Cloid is a 128-bit client order id.
type Cloid [16]byte

// String returns the 0x-prefixed 32 hex digit form.
func (c Cloid) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

// ParseCloid accepts exactly 32 hex digits with a 0x prefix.
func ParseCloid(s string) (Cloid, error) {
	var c Cloid
	raw, ok := strings.CutPrefix(s, "0x")
	if !ok || len(raw) != 2*len(c) {
		return c, domain.NewEncodingError("cloid", "expected 0x followed by 32 hex digits, got %q", s)
	}
	if _, err := hex.Decode(c[:], []byte(raw)); err != nil {
		return c, domain.NewEncodingError("cloid", "invalid hex %q", s)
	}
	return c, nil
}

// Limit is a resting limit order.
type Limit struct {
	Tif Tif
}

// Trigger is a stop or take-profit order.
type Trigger struct {
	IsMarket  bool
	TriggerPx decimal.Decimal
	TpSl      TpSl
}

// OrderType holds exactly one of Limit or Trigger.
type OrderType struct {
	Limit   *Limit
	Trigger *Trigger
}

// OrderRequest is a single order inside a batch.
type OrderRequest struct {
	Asset      int
	IsBuy      bool
	LimitPx    decimal.Decimal
	Size       decimal.Decimal
	ReduceOnly bool
	Type       OrderType
	Cloid      *Cloid
}

func (o OrderRequest) validate(field string) error {
	if o.Asset < 0 {
		return domain.NewEncodingError(field+".asset", "must not be negative, got %d", o.Asset)
	}
	if err := requirePositive(field+".limitPx", o.LimitPx); err != nil {
		return err
	}
	if err := requirePositive(field+".sz", o.Size); err != nil {
		return err
	}
	switch {
	case o.Type.Limit != nil && o.Type.Trigger != nil:
		return domain.NewEncodingError(field+".t", "limit and trigger are mutually exclusive")
	case o.Type.Limit != nil:
		switch o.Type.Limit.Tif {
		case TifAlo, TifIoc, TifGtc:
		default:
			return domain.NewEncodingError(field+".t.limit.tif", "unknown time in force %q", o.Type.Limit.Tif)
		}
	case o.Type.Trigger != nil:
		if err := requirePositive(field+".t.trigger.triggerPx", o.Type.Trigger.TriggerPx); err != nil {
			return err
		}
		if o.Type.Trigger.TpSl != TakeProfit && o.Type.Trigger.TpSl != StopLoss {
			return domain.NewEncodingError(field+".t.trigger.tpsl", "unknown value %q", o.Type.Trigger.TpSl)
		}
	default:
		return domain.NewEncodingError(field+".t", "order type is required")
	}
	return nil
}

// Builder routes a fee share to a builder address. Fee is in tenths of a basis point.
type Builder struct {
	Address common.Address
	Fee     uint64
}

// BatchOrder places one or more orders.
type BatchOrder struct {
	Orders   []OrderRequest
	Grouping Grouping
	Builder  *Builder
}

func (*BatchOrder) Kind() Kind { return KindOrder }
func (*BatchOrder) sealed() {}

func (a *BatchOrder) Validate() error {
	if len(a.Orders) == 0 {
		return domain.NewEncodingError("orders", "at least one order is required")
	}
	for i, o := range a.Orders {
		if err := o.validate(fmt.Sprintf("orders[%d]", i)); err != nil {
			return err
		}
	}
	switch a.Grouping {
	case GroupingNone, GroupingNormalTpSl, GroupingPositionTpSl:
	default:
		return domain.NewEncodingError("grouping", "unknown grouping %q", a.Grouping)
	}
	if a.Builder != nil {
		if err := requireAddress("builder.b", a.Builder.Address); err != nil {
			return err
		}
	}
	return nil
}

// CancelRequest cancels by exchange order id.
type CancelRequest struct {
	Asset int
	Oid   uint64
}

// Cancel cancels orders by exchange id.
type Cancel struct {
	Cancels []CancelRequest
}

func (*Cancel) Kind() Kind { return KindCancel }
func (*Cancel) sealed() {}

func (a *Cancel) Validate() error {
	if len(a.Cancels) == 0 {
		return domain.NewEncodingError("cancels", "at least one cancel is required")
	}
	for i, c := range a.Cancels {
		if c.Asset < 0 {
			return domain.NewEncodingError(fmt.Sprintf("cancels[%d].a", i), "must not be negative, got %d", c.Asset)
		}
	}
	return nil
}

// CancelByCloidRequest cancels by client order id.
type CancelByCloidRequest struct {
	Asset int
	Cloid Cloid
}

// CancelByCloid cancels orders by client id.
type CancelByCloid struct {
	Cancels []CancelByCloidRequest
}

func (*CancelByCloid) Kind() Kind { return KindCancelByCloid }
func (*CancelByCloid) sealed() {}

func (a *CancelByCloid) Validate() error {
	if len(a.Cancels) == 0 {
		return domain.NewEncodingError("cancels", "at least one cancel is required")
	}
	for i, c := range a.Cancels {
		if c.Asset < 0 {
			return domain.NewEncodingError(fmt.Sprintf("cancels[%d].asset", i), "must not be negative, got %d", c.Asset)
		}
	}
	return nil
}

// Modify replaces a resting order.
type Modify struct {
	Oid   uint64
	Order OrderRequest
}

// BatchModify modifies one or more resting orders.
type BatchModify struct {
	Modifies []Modify
}

func (*BatchModify) Kind() Kind { return KindBatchModify }
func (*BatchModify) sealed() {}

func (a *BatchModify) Validate() error {
	if len(a.Modifies) == 0 {
		return domain.NewEncodingError("modifies", "at least one modify is required")
	}
	for i, m := range a.Modifies {
		if err := m.Order.validate(fmt.Sprintf("modifies[%d].order", i)); err != nil {
			return err
		}
	}
	return nil
}
