package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// maxPerpDecimals and maxSpotDecimals bound the fractional digits of a price
	// before the market's size decimals are subtracted.
	maxPerpDecimals = 6
	maxSpotDecimals = 8

	// priceSigFigs is the number of significant figures a non-integer price may carry.
	priceSigFigs = 5
)

// Market is the read-only market metadata the rounding helper needs.
// It is owned by the market-data collaborator.
type Market struct {
	Name       string          `json:"name"`
	Index      int             `json:"index"`       // Asset index used in order wires (spot = 10000 + n)
	SzDecimals int32           `json:"sz_decimals"` // Size precision
	IsSpot     bool            `json:"is_spot"`
	TickSize   decimal.Decimal `json:"tick_size"` // Optional explicit tick. Zero means derive from decimals.
}

// Token is a spot token as listed in the exchange's spot metadata.
type Token struct {
	Name        string `json:"name"`
	Index       int    `json:"index"`
	TokenID     string `json:"token_id"` // 0x-prefixed 16-byte id
	SzDecimals  int32  `json:"sz_decimals"`
	WeiDecimals int32  `json:"wei_decimals"`
}

// Wire returns the NAME:tokenId form used by token transfers.
func (t Token) Wire() string {
	return t.Name + ":" + t.TokenID
}

// FindToken looks name up case-insensitively. name may also be given in
// NAME:tokenId form, in which case the id must match too.
func FindToken(tokens []Token, name string) (Token, bool) {
	id := ""
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name, id = name[:i], name[i+1:]
	}
	for _, t := range tokens {
		if !strings.EqualFold(t.Name, name) {
			continue
		}
		if id != "" && !strings.EqualFold(t.TokenID, id) {
			continue
		}
		return t, true
	}
	return Token{}, false
}

// MaxPriceDecimals returns how many fractional digits a price may carry.
func (m Market) MaxPriceDecimals() int32 {
	base := int32(maxPerpDecimals)
	if m.IsSpot {
		base = maxSpotDecimals
	}
	if d := base - m.SzDecimals; d > 0 {
		return d
	}
	return 0
}

// RoundPrice rounds px to a price the exchange accepts for this market.
// Integer prices are always accepted. Other prices keep at most five
// significant figures and MaxPriceDecimals fractional digits. When an
// explicit tick is set the result is snapped to the nearest tick multiple.
func (m Market) RoundPrice(px decimal.Decimal) decimal.Decimal {
	if !m.TickSize.IsZero() && m.TickSize.IsPositive() {
		return px.Div(m.TickSize).Round(0).Mul(m.TickSize)
	}
	if px.Equal(px.Truncate(0)) {
		return px
	}

	places := priceSigFigs - 1 - magnitude(px)
	if maxDec := m.MaxPriceDecimals(); places > maxDec {
		places = maxDec
	}
	if places < 0 {
		places = 0
	}
	return px.Round(places)
}

// RoundSize rounds sz to the market's size decimals.
func (m Market) RoundSize(sz decimal.Decimal) decimal.Decimal {
	return sz.Round(m.SzDecimals)
}

// IsOnTick reports whether px is already a valid price for this market.
func (m Market) IsOnTick(px decimal.Decimal) bool {
	return m.RoundPrice(px).Equal(px)
}

// magnitude returns floor(log10(|d|)) for a non-zero d.
func magnitude(d decimal.Decimal) int32 {
	abs := d.Abs()
	if abs.IsZero() {
		return 0
	}
	ten := decimal.NewFromInt(10)
	var e int32
	for abs.GreaterThanOrEqual(ten) {
		abs = abs.Div(ten)
		e++
	}
	for abs.LessThan(decimal.NewFromInt(1)) {
		abs = abs.Mul(ten)
		e--
	}
	return e
}
