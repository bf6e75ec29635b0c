package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const isoDate = "2006-01-02"

// Amount bounds. Inputs come from the extraction service and are checked
// before any arithmetic touches them.
const (
	maxAmountLen    = 40
	maxAmountScale  = 8
	maxAmountDigits = 18 // integer part
	maxQuantity     = 100000
)

var (
	ErrNegativeAmount     = errors.New("amount is negative")
	ErrEmptyAmount        = errors.New("amount is empty")
	ErrAmountOutOfRange   = errors.New("amount is out of range")
	ErrFractionalQuantity = errors.New("quantity is not a whole number")
)

// currency markers stripped before parsing, longest first
var currencyMarkers = []string{"EUR", "USD", "GBP", "€", "$", "£"}

// CoerceAmount turns a number or a currency-formatted string into an exact,
// non-negative decimal. Both "12,50 €" and "EUR 12.50" parse as 12.50.
func CoerceAmount(v any) (decimal.Decimal, error) {
	var d decimal.Decimal
	var err error

	switch t := v.(type) {
	case json.Number:
		d, err = checkNumber(t)
	case string:
		d, err = parseAmountString(t)
	case float64:
		d = decimal.NewFromFloat(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	case decimal.Decimal:
		d = t
	case nil:
		return decimal.Zero, ErrEmptyAmount
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %T", v)
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, err = bounded(d)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return d, nil
}

// bounded strips trailing zeros from d and rejects values with more than
// maxAmountScale decimals or maxAmountDigits integer digits. It never scales
// the coefficient up, so huge exponents cost nothing.
func bounded(d decimal.Decimal) (decimal.Decimal, error) {
	coef := d.Coefficient()
	if coef.Sign() == 0 {
		return decimal.Zero, nil
	}
	exp := d.Exponent()
	ten := big.NewInt(10)
	for exp < -maxAmountScale {
		q, r := new(big.Int).QuoRem(coef, ten, new(big.Int))
		if r.Sign() != 0 {
			return decimal.Zero, fmt.Errorf("%w: more than %d decimal places", ErrAmountOutOfRange, maxAmountScale)
		}
		coef = q
		exp++
	}
	digits := len(new(big.Int).Abs(coef).String())
	if int64(digits)+int64(exp) > maxAmountDigits {
		return decimal.Zero, fmt.Errorf("%w: more than %d integer digits", ErrAmountOutOfRange, maxAmountDigits)
	}
	return decimal.NewFromBigInt(coef, exp), nil
}

// checkNumber parses a JSON number and applies the amount bounds.
func checkNumber(n json.Number) (decimal.Decimal, error) {
	if len(n) > maxAmountLen {
		return decimal.Zero, fmt.Errorf("%w: %d characters", ErrAmountOutOfRange, len(n))
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse number %q: %w", string(n), err)
	}
	return bounded(d)
}

// CoerceQuantity accepts a JSON number with no fractional part, so 2 and 2.0
// are both 2. Values below 1 or above maxQuantity are rejected.
func CoerceQuantity(n json.Number) (int, error) {
	d, err := checkNumber(n)
	if err != nil {
		return 0, fmt.Errorf("quantity: %w", err)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrFractionalQuantity, n)
	}
	if d.LessThan(decimal.NewFromInt(1)) || d.GreaterThan(decimal.NewFromInt(maxQuantity)) {
		return 0, fmt.Errorf("quantity %s must be between 1 and %d", n, maxQuantity)
	}
	return int(d.IntPart()), nil
}

func parseAmountString(s string) (decimal.Decimal, error) {
	cleaned := strings.ToUpper(s)
	for _, m := range currencyMarkers {
		cleaned = strings.ReplaceAll(cleaned, m, "")
	}
	cleaned = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, cleaned)
	if cleaned == "" {
		return decimal.Zero, ErrEmptyAmount
	}
	if len(cleaned) > maxAmountLen {
		return decimal.Zero, fmt.Errorf("%w: %d characters", ErrAmountOutOfRange, len(cleaned))
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0 && lastComma > lastDot:
		// 1.234,56
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	case lastComma >= 0 && lastDot >= 0:
		// 1,234.56
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	case lastComma >= 0:
		if strings.Count(cleaned, ",") > 1 {
			return decimal.Zero, fmt.Errorf("ambiguous amount %q", s)
		}
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

// CoerceDate accepts a YYYY-MM-DD string or a time.Time and returns the calendar date in UTC.
func CoerceDate(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		d, err := time.Parse(isoDate, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, fmt.Errorf("date %q is not YYYY-MM-DD", t)
		}
		return d, nil
	case time.Time:
		if t.IsZero() {
			return time.Time{}, errors.New("date is zero")
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case nil:
		return time.Time{}, errors.New("date is missing")
	default:
		return time.Time{}, fmt.Errorf("unsupported date type %T", v)
	}
}
