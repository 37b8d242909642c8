package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	INR Currency = "INR"
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	Numeric     int // ISO 4217 numeric code, used by the card vendor
	MinorUnits  int // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	INR: {Code: INR, Numeric: 356, MinorUnits: 2, Symbol: "₹", SymbolFirst: true},
	USD: {Code: USD, Numeric: 840, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, Numeric: 978, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	GBP: {Code: GBP, Numeric: 826, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// Amount parsing errors
var (
	ErrEmptyAmount       = errors.New("amount is required")
	ErrNonNumericAmount  = errors.New("amount must be numeric")
	ErrNonPositiveAmount = errors.New("amount must be greater than zero")
	ErrTooPrecise        = errors.New("amount has more decimal places than the currency allows")
	ErrAmountTooLarge    = errors.New("amount exceeds the supported maximum")
)

// MaxIntegerDigits bounds the integer part of an amount. It matches the
// NUMERIC(14,2) settlement column and keeps ToMinor well inside int64.
const MaxIntegerDigits = 12

var amountCeiling = decimal.New(1, MaxIntegerDigits)

// ParseAmount parses a major-unit decimal string ("500", "499.50") and
// rejects anything that is not strictly positive or has more than
// MaxIntegerDigits integer digits.
func ParseAmount(raw string, currency Currency) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ErrEmptyAmount
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNonNumericAmount, raw)
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	if d.GreaterThanOrEqual(amountCeiling) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAmountTooLarge, raw)
	}

	info, ok := currencies[currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	if !d.Equal(d.Round(int32(info.MinorUnits))) {
		return decimal.Zero, ErrTooPrecise
	}

	return d, nil
}

// ToMinor converts a major-unit amount into minor units (paise, cents).
func ToMinor(amount decimal.Decimal, currency Currency) int64 {
	info, ok := currencies[currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	return amount.Shift(int32(info.MinorUnits)).Round(0).IntPart()
}

// FromMinor converts minor units back into a major-unit amount.
func FromMinor(minor int64, currency Currency) decimal.Decimal {
	info, ok := currencies[currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	return decimal.New(minor, -int32(info.MinorUnits))
}

// Format returns a human-readable representation
func Format(amount decimal.Decimal, currency Currency) string {
	info, ok := currencies[currency]
	if !ok {
		return fmt.Sprintf("%s %s", amount.StringFixed(2), currency)
	}
	s := amount.StringFixed(int32(info.MinorUnits))
	if info.SymbolFirst {
		return info.Symbol + s
	}
	return s + info.Symbol
}
