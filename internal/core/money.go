// Package core provides money parsing and handling utilities.
//
// Money wraps an arbitrary-precision decimal so balances and amounts never
// lose currency-significant digits. Arithmetic keeps the exact scale of its
// operands; only Display rounds, and only for presentation.
package core

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a signed decimal amount.
type Money struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{}

// NewMoney wraps a decimal value.
func NewMoney(d decimal.Decimal) Money {
	return Money{d: d}
}

// MoneyFromCents builds an amount from an integer number of cents.
func MoneyFromCents(cents int64) Money {
	return Money{d: decimal.New(cents, -2)}
}

// ParseMoney parses a signed decimal string.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and keeps
// every fractional digit supplied. Returns ErrInvalidAmount for malformed input.
//
// Examples:
//
//	ParseMoney("12.34")  -> 12.34, nil
//	ParseMoney("12,345") -> 12.345, nil
//	ParseMoney("-3")     -> -3, nil
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalidAmount
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	if strings.ContainsAny(s, "eE") {
		// Exponent notation is never a user-entered amount
		return Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Money{d: d}, nil
}

// ParseAmount parses a transaction amount, which must be strictly positive.
func ParseAmount(s string) (Money, error) {
	m, err := ParseMoney(s)
	if err != nil {
		return Zero, err
	}
	if err := m.Validate(); err != nil {
		return Zero, err
	}
	return m, nil
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money        { return Money{d: m.d.Neg()} }

// Sign returns -1, 0 or +1.
func (m Money) Sign() int        { return m.d.Sign() }
func (m Money) IsZero() bool     { return m.d.IsZero() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }

// Equal reports numeric equality: 25.0 equals 25.00.
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }

// Cmp compares m and o numerically.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

// Decimal returns the underlying decimal value.
func (m Money) Decimal() decimal.Decimal { return m.d }

// String renders the exact value without rounding.
func (m Money) String() string { return m.d.String() }

// Display renders the value with two decimals for user interfaces.
// Do not feed the result back into calculations.
func (m Money) Display() string { return m.d.StringFixed(2) }

// Validate checks that m is usable as a transaction amount.
func (m Money) Validate() error {
	if !m.d.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// Scan implements sql.Scanner. Both TEXT (SQLite) and NUMERIC (Postgres)
// columns decode exactly.
func (m *Money) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scan money: %w", err)
	}
	m.d = d
	return nil
}

// Value implements driver.Valuer. Amounts are stored as decimal strings
// that keep every fractional digit, trailing zeros included.
func (m Money) Value() (driver.Value, error) {
	if exp := m.d.Exponent(); exp < 0 {
		return m.d.StringFixed(-exp), nil
	}
	return m.d.String(), nil
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.d.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
