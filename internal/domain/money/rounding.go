package money

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// RoundingMode selects how fractional minor units are resolved.
type RoundingMode string

const (
	// HalfEven rounds ties to the nearest even digit (banker's rounding).
	HalfEven RoundingMode = "half_even"
	// HalfUp rounds ties away from zero.
	HalfUp RoundingMode = "half_up"
	// Down truncates toward zero.
	Down RoundingMode = "down"
	// Up rounds away from zero.
	Up RoundingMode = "up"
)

// ParseRoundingMode parses s. The empty string yields HalfEven.
func ParseRoundingMode(s string) (RoundingMode, error) {
	switch m := RoundingMode(s); m {
	case "":
		return HalfEven, nil
	case HalfEven, HalfUp, Down, Up:
		return m, nil
	default:
		return "", errors.Errorf("unsupported rounding mode: %q", s)
	}
}

// Round rounds d to places decimal places.
func (m RoundingMode) Round(d decimal.Decimal, places int32) decimal.Decimal {
	switch m {
	case HalfUp:
		return d.Round(places)
	case Down:
		return d.RoundDown(places)
	case Up:
		return d.RoundUp(places)
	default:
		return d.RoundBank(places)
	}
}
