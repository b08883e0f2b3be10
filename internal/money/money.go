// Package money holds minor-unit arithmetic shared by routing, settlement and reporting.
// Values stay unrounded decimals until RoundHalfUp is applied at a persistence or
// display boundary.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tolerance is the reconciliation slack between an external amount and its booking.
const Tolerance int64 = 1

var hundred = decimal.NewFromInt(100)

// Commission returns amount × rate without rounding.
func Commission(amount int64, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(amount).Mul(rate)
}

// RoundHalfUp rounds a minor-unit decimal to a whole minor unit, halves away from zero.
func RoundHalfUp(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// Fee is a percent-plus-fixed processing fee.
type Fee struct {
	Percent decimal.Decimal `yaml:"percent" json:"percent"`
	Fixed   int64           `yaml:"fixed" json:"fixed"`
}

// Apply returns the unrounded fee for a single payment.
func (f Fee) Apply(amount int64) decimal.Decimal {
	return decimal.NewFromInt(amount).Mul(f.Percent).Add(decimal.NewFromInt(f.Fixed))
}

// ApplyVolume returns the unrounded fee for count payments summing to volume.
func (f Fee) ApplyVolume(volume, count int64) decimal.Decimal {
	return decimal.NewFromInt(volume).Mul(f.Percent).Add(decimal.NewFromInt(f.Fixed * count))
}

// Estimate is the fee breakdown returned to callers, rounded for display.
type Estimate struct {
	ProcessingFee int64 `json:"processing_fee"`
	CommissionFee int64 `json:"commission_fee"`
	NetAmount     int64 `json:"net_amount"`
}

func NewEstimate(amount int64, fee Fee, rate decimal.Decimal) Estimate {
	processing := RoundHalfUp(fee.Apply(amount))
	commission := RoundHalfUp(Commission(amount, rate))
	return Estimate{
		ProcessingFee: processing,
		CommissionFee: commission,
		NetAmount:     amount - processing - commission,
	}
}

// Within reports whether a and b differ by at most tol minor units.
func Within(a, b, tol int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}

// Major renders minor units as a two-place major-unit string, e.g. 1100 -> "11.00".
func Major(amount int64) string {
	return decimal.NewFromInt(amount).Div(hundred).StringFixed(2)
}

// Format renders minor units for display, e.g. 1100 USD -> "11.00 USD".
func Format(amount int64, currency string) string {
	return fmt.Sprintf("%s %s", Major(amount), currency)
}

// zeroDecimal and threeDecimal list the ISO 4217 currencies whose minor unit is not 1/100.
var (
	zeroDecimal = map[string]bool{
		"BIF": true, "CLP": true, "DJF": true, "GNF": true, "ISK": true, "JPY": true, "KMF": true, "KRW": true,
		"PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
	}
	threeDecimal = map[string]bool{"BHD": true, "IQD": true, "JOD": true, "KWD": true, "LYD": true, "OMR": true, "TND": true}
)

// Exponent is the number of minor-unit digits of currency: 2 unless listed otherwise.
func Exponent(currency string) int32 {
	c := strings.ToUpper(currency)
	switch {
	case zeroDecimal[c]:
		return 0
	case threeDecimal[c]:
		return 3
	}
	return 2
}

// FromMajor converts a major-unit decimal string such as "75.00" to minor units of
// currency. Values with more precision than the currency allows are rejected.
func FromMajor(s, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	minor := d.Shift(Exponent(currency))
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more precision than %s allows", s, currency)
	}
	return minor.IntPart(), nil
}

// MajorIn renders minor units of currency as a major-unit string, e.g. 1100 USD -> "11.00",
// 1100 JPY -> "1100".
func MajorIn(amount int64, currency string) string {
	exp := Exponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp)
}
