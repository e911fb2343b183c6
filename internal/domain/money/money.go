package money

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrCurrencyMismatch is returned when an operation combines amounts in
	// different currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	hundred = decimal.NewFromInt(100)
)

// Money is an amount expressed in the minor units of its currency
// (cents for EUR, yen for JPY, fils for BHD).
type Money struct {
	Amount   int64
	Currency string
}

// New returns a Money of amount minor units.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Currency: currency}
}

// FromMajor converts an amount in major units (e.g. "12.345" EUR) into
// minor units, rounding with mode.
func FromMajor(major decimal.Decimal, currency string, mode RoundingMode) (Money, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return Money{}, err
	}
	minor := mode.Round(major.Shift(exp), 0)
	return Money{Amount: minor.IntPart(), Currency: currency}, nil
}

// Major returns the amount in major units.
func (m Money) Major() decimal.Decimal {
	exp, err := Exponent(m.Currency)
	if err != nil {
		exp = 2
	}
	return decimal.New(m.Amount, -exp)
}

// Add returns m + o.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, mismatch(m, o)
	}
	return Money{Amount: m.Amount + o.Amount, Currency: m.Currency}, nil
}

// Sub returns m - o.
func (m Money) Sub(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, mismatch(m, o)
	}
	return Money{Amount: m.Amount - o.Amount, Currency: m.Currency}, nil
}

// Cmp compares m and o and returns -1, 0 or +1.
func (m Money) Cmp(o Money) (int, error) {
	if m.Currency != o.Currency {
		return 0, mismatch(m, o)
	}
	switch {
	case m.Amount < o.Amount:
		return -1, nil
	case m.Amount > o.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// Percent returns pct percent of m, rounded to whole minor units.
func (m Money) Percent(pct decimal.Decimal, mode RoundingMode) Money {
	part := decimal.NewFromInt(m.Amount).Mul(pct).Div(hundred)
	return Money{Amount: mode.Round(part, 0).IntPart(), Currency: m.Currency}
}

// FloorAtZero clamps negative amounts to zero.
func (m Money) FloorAtZero() Money {
	if m.Amount < 0 {
		m.Amount = 0
	}
	return m
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// String formats the amount in major units, e.g. "EUR 12.50".
func (m Money) String() string {
	exp, err := Exponent(m.Currency)
	if err != nil {
		exp = 2
	}
	return fmt.Sprintf("%s %s", m.Currency, m.Major().StringFixed(exp))
}

func mismatch(a, b Money) error {
	return errors.Wrapf(ErrCurrencyMismatch, "%s vs %s", a.Currency, b.Currency)
}
