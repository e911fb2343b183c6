package money

import (
	"strings"

	"github.com/go-faster/errors"
)

// ErrUnknownCurrency is returned for codes missing from the registry.
var ErrUnknownCurrency = errors.New("unknown currency")

// minorUnits maps ISO 4217 codes to the number of decimal places of their
// minor unit.
var minorUnits = map[string]int32{
	"AED": 2, "AUD": 2, "BHD": 3, "BRL": 2, "CAD": 2, "CHF": 2,
	"CLP": 0, "CNY": 2, "CZK": 2, "DKK": 2, "EUR": 2, "GBP": 2,
	"HKD": 2, "HUF": 2, "IDR": 2, "ILS": 2, "INR": 2, "ISK": 0,
	"JOD": 3, "JPY": 0, "KRW": 0, "KWD": 3, "MXN": 2, "NOK": 2,
	"NZD": 2, "OMR": 3, "PLN": 2, "SAR": 2, "SEK": 2, "SGD": 2,
	"THB": 2, "TND": 3, "TRY": 2, "TWD": 2, "USD": 2, "VND": 0,
	"ZAR": 2,
}

// Exponent returns the minor-unit exponent for code.
func Exponent(code string) (int32, error) {
	exp, ok := minorUnits[code]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownCurrency, "%q", code)
	}
	return exp, nil
}

// Normalize upper-cases code and checks it against the registry.
func Normalize(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, err := Exponent(code); err != nil {
		return "", err
	}
	return code, nil
}

// IsKnown reports whether code is a registered currency.
func IsKnown(code string) bool {
	_, ok := minorUnits[code]
	return ok
}
