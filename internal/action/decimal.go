package action

import (
	"github.com/shopspring/decimal"

	"github.com/infinitefield/hypersdk/internal/domain"
)

// MaxDecimals is the largest number of fractional digits a wire amount may carry.
const MaxDecimals = 8

// FormatDecimal renders d in its single canonical wire form: plain notation,
// no trailing zeros, at most MaxDecimals fractional digits. Values that would
// need rounding are rejected rather than coerced.
func FormatDecimal(field string, d decimal.Decimal) (string, error) {
	rounded := d.Round(MaxDecimals)
	if !rounded.Equal(d) {
		return "", domain.NewEncodingError(field, "%s has more than %d decimals", d.String(), MaxDecimals)
	}
	if rounded.IsZero() {
		return "0", nil
	}
	return rounded.String(), nil
}

// ParseDecimal is the inverse of FormatDecimal.
func ParseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, domain.NewEncodingError(field, "invalid decimal %q", s)
	}
	return d, nil
}

func requirePositive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return domain.NewEncodingError(field, "must be positive, got %s", d.String())
	}
	if _, err := FormatDecimal(field, d); err != nil {
		return err
	}
	return nil
}
