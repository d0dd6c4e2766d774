// Package money provides fixed-scale decimal amounts for payment processing.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every amount carries.
const Scale = 2

// Currency represents an ISO 4217 currency code, stored uppercase.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	PLN Currency = "PLN"
)

// ParseCurrency normalizes a currency code to uppercase.
func ParseCurrency(code string) (Currency, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != 3 {
		return "", fmt.Errorf("invalid currency code: %q", code)
	}
	return Currency(c), nil
}

// Amount is a monetary value with exactly two fractional digits.
// The zero value is 0.00.
type Amount struct {
	d decimal.Decimal
}

// Zero returns a zero amount.
func Zero() Amount {
	return Amount{d: decimal.New(0, -Scale)}
}

// FromMinor converts an integer number of minor units (cents) to an Amount.
// Rounding uses round-half-even.
func FromMinor(minor int64) Amount {
	return Amount{d: decimal.New(minor, -Scale).RoundBank(Scale)}
}

// FromString parses a decimal string into an Amount. Values with more than
// two fractional digits are rejected.
func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	if d.Exponent() < -Scale {
		return Amount{}, fmt.Errorf("amount %q exceeds scale %d", s, Scale)
	}
	return Amount{d: rescale(d)}, nil
}

// MustFromString parses a decimal string, panicking on error.
func MustFromString(s string) Amount {
	a, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

func rescale(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// Minor returns the amount as an integer number of minor units.
func (a Amount) Minor() int64 {
	return rescale(a.d).Shift(Scale).IntPart()
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{d: rescale(a.d.Add(b.d))}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{d: rescale(a.d.Sub(b.d))}
}

// Cmp returns -1, 0 or 1 comparing a to b.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

// Equal reports a == b.
func (a Amount) Equal(b Amount) bool {
	return a.d.Cmp(b.d) == 0
}

// GreaterThan reports a > b.
func (a Amount) GreaterThan(b Amount) bool {
	return a.d.Cmp(b.d) > 0
}

// GreaterThanOrEqual reports a >= b.
func (a Amount) GreaterThanOrEqual(b Amount) bool {
	return a.d.Cmp(b.d) >= 0
}

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool {
	return a.d.Cmp(b.d) < 0
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// IsPositive reports whether the amount is greater than zero.
func (a Amount) IsPositive() bool {
	return a.d.IsPositive()
}

// IsNegative reports whether the amount is less than zero.
func (a Amount) IsNegative() bool {
	return a.d.IsNegative()
}

// String formats the amount with exactly two fractional digits.
func (a Amount) String() string {
	return rescale(a.d).StringFixed(Scale)
}

// MarshalJSON encodes the amount as a decimal string, e.g. "100.00".
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both a decimal string and a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Scan implements sql.Scanner for numeric(20,2) columns.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Zero()
		return nil
	case string:
		parsed, err := FromString(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := FromString(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case int64:
		// Integer sources carry minor units, matching Minor().
		*a = FromMinor(v)
		return nil
	case float64:
		*a = Amount{d: rescale(decimal.NewFromFloat(v))}
		return nil
	default:
		return errors.New("cannot scan into money.Amount")
	}
}

// Value implements driver.Valuer; amounts are stored as decimal strings.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}
