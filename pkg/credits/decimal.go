// Package credits holds the fixed-point arithmetic used for every credit and
// currency amount in the ledger. Values are shopspring decimals; binary
// floating point never reaches storage.
package credits

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditledger-backend/pkg/enums"
)

// StorageScale is the number of fractional digits persisted for an amount.
const StorageScale = 6

// DivisionPlaces bounds the digits kept by quotient operations.
const DivisionPlaces = 28

var (
	ErrInvalidValue        = errors.New("credits: value is not a finite decimal")
	ErrOverflow            = errors.New("credits: amount exceeds magnitude ceiling")
	ErrInsufficientBalance = errors.New("credits: result would be negative")
)

// DefaultCeiling is the largest absolute amount the engine accepts (10^15).
var DefaultCeiling = decimal.New(1, 15)

// Zero is the additive identity.
var Zero = decimal.Zero

// Parse converts a decimal string such as "14.88" into an amount.
func Parse(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidValue)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidValue, value)
	}
	return d, nil
}

// FromInt converts a whole number of credits.
func FromInt(value int64) decimal.Decimal {
	return decimal.NewFromInt(value)
}

// FromFloat accepts a float only at the edge of the system (decoded JSON,
// YAML) and rejects NaN and infinities.
func FromFloat(value float64) (decimal.Decimal, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidValue, value)
	}
	return decimal.NewFromFloat(value), nil
}

// MustParse is Parse for compile-time constants.
func MustParse(value string) decimal.Decimal {
	d, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return d
}

// Calculator applies the magnitude ceiling to arithmetic results.
type Calculator struct {
	ceiling decimal.Decimal
}

// NewCalculator builds a Calculator. A non-positive ceiling falls back to
// DefaultCeiling.
func NewCalculator(ceiling decimal.Decimal) Calculator {
	if !ceiling.IsPositive() {
		ceiling = DefaultCeiling
	}
	return Calculator{ceiling: ceiling}
}

// Ceiling returns the configured magnitude bound.
func (c Calculator) Ceiling() decimal.Decimal {
	if c.ceiling.IsZero() {
		return DefaultCeiling
	}
	return c.ceiling
}

// Check fails with ErrOverflow when |value| exceeds the ceiling.
func (c Calculator) Check(value decimal.Decimal) error {
	if value.Abs().GreaterThan(c.Ceiling()) {
		return fmt.Errorf("%w: %s", ErrOverflow, value.String())
	}
	return nil
}

// Add returns a+b or ErrOverflow.
func (c Calculator) Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	sum := a.Add(b)
	if err := c.Check(sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// Mul returns a*b or ErrOverflow.
func (c Calculator) Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	product := a.Mul(b)
	if err := c.Check(product); err != nil {
		return decimal.Zero, err
	}
	return product, nil
}

// SubtractNonNegative returns a-b for the debit path and fails with
// ErrInsufficientBalance when the result would drop below zero.
func (c Calculator) SubtractNonNegative(a, b decimal.Decimal) (decimal.Decimal, error) {
	diff := a.Sub(b)
	if diff.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s - %s", ErrInsufficientBalance, a.String(), b.String())
	}
	if err := c.Check(diff); err != nil {
		return decimal.Zero, err
	}
	return diff, nil
}

// Sub is the unchecked subtraction used by replay and audit folds where
// negative intermediate values are legitimate.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b)
}

// Div divides with DivisionPlaces of precision, rounding half-up.
func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, DivisionPlaces)
}

// Round applies a rounding policy to a computed charge. Precise keeps the
// storage scale (half-up); ceil rounds up to the next whole credit.
func Round(amount decimal.Decimal, mode enums.RoundingMode) decimal.Decimal {
	switch mode {
	case enums.RoundingCeil:
		return amount.Ceil()
	default:
		return RoundHalfUp(amount, StorageScale)
	}
}

// RoundHalfUp rounds to places fractional digits, ties away from zero.
func RoundHalfUp(amount decimal.Decimal, places int32) decimal.Decimal {
	return amount.Round(places)
}

// Compare returns -1, 0 or 1.
func Compare(a, b decimal.Decimal) int {
	return a.Cmp(b)
}

// Equal compares numerically, so 1.50 equals 1.5.
func Equal(a, b decimal.Decimal) bool {
	return a.Equal(b)
}

// Canonical renders an amount at storage scale. Equal amounts always share a
// canonical form.
func Canonical(amount decimal.Decimal) string {
	return RoundHalfUp(amount, StorageScale).StringFixed(StorageScale)
}

// ConstantTimeEqual compares canonical digit strings without an early exit.
func ConstantTimeEqual(a, b decimal.Decimal) bool {
	return subtle.ConstantTimeCompare([]byte(Canonical(a)), []byte(Canonical(b))) == 1
}
