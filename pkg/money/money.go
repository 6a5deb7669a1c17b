// Package money provides fixed-point monetary amounts in minor units.
// Integer math only; binary floating point never touches a comparison,
// so limit boundaries are exact.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// currencyScale maps supported ISO 4217 codes to their minor-unit scale.
// A currency outside this map is rejected at the validation layer.
var currencyScale = map[string]int{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
	"AUD": 2,
	"CHF": 2,
	"JPY": 0,
}

// Supported reports whether the given currency code is accepted.
func Supported(currency string) bool {
	_, ok := currencyScale[strings.ToUpper(currency)]
	return ok
}

// Scale returns the minor-unit scale for a supported currency.
func Scale(currency string) (int, error) {
	s, ok := currencyScale[strings.ToUpper(currency)]
	if !ok {
		return 0, fmt.Errorf("unsupported currency: %s", currency)
	}
	return s, nil
}

// Amount represents a monetary value in minor units of a specific currency.
type Amount struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"` // ISO 4217 code, upper case
}

// New creates an Amount from minor units.
func New(minor int64, currency string) (Amount, error) {
	c := strings.ToUpper(currency)
	if !Supported(c) {
		return Amount{}, fmt.Errorf("unsupported currency: %s", currency)
	}
	return Amount{Minor: minor, Currency: c}, nil
}

// Parse converts a decimal string like "49.99" into an Amount.
// More fractional digits than the currency's scale is an error, never a
// silent rounding.
func Parse(value, currency string) (Amount, error) {
	scale, err := Scale(currency)
	if err != nil {
		return Amount{}, err
	}

	s := strings.TrimSpace(value)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return Amount{}, fmt.Errorf("invalid amount: %q", value)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > scale {
		return Amount{}, fmt.Errorf("amount %q has more than %d fractional digits", value, scale)
	}
	// Only digits may remain after the sign strip; ParseInt alone would
	// accept a second sign inside the concatenated string.
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return Amount{}, fmt.Errorf("invalid amount: %q", value)
	}
	// Right-pad the fraction to the currency scale.
	frac += strings.Repeat("0", scale-len(frac))

	minor, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount: %q", value)
	}
	if neg {
		minor = -minor
	}
	return New(minor, currency)
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MustParse is Parse that panics on error. Test helper.
func MustParse(value, currency string) Amount {
	a, err := Parse(value, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the amount as a decimal string, e.g. "49.99".
func (a Amount) String() string {
	scale, err := Scale(a.Currency)
	if err != nil {
		scale = 2
	}
	minor := a.Minor
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	if scale == 0 {
		return sign + strconv.FormatInt(minor, 10)
	}
	div := int64(1)
	for i := 0; i < scale; i++ {
		div *= 10
	}
	return fmt.Sprintf("%s%d.%0*d", sign, minor/div, scale, minor%div)
}

// Add adds two amounts. Returns an error on currency mismatch.
func (a Amount) Add(other Amount) (Amount, error) {
	if a.Currency != other.Currency {
		return Amount{}, fmt.Errorf("currency mismatch: %s vs %s", a.Currency, other.Currency)
	}
	return Amount{Minor: a.Minor + other.Minor, Currency: a.Currency}, nil
}

// Sub subtracts other from a. Returns an error on currency mismatch.
func (a Amount) Sub(other Amount) (Amount, error) {
	if a.Currency != other.Currency {
		return Amount{}, fmt.Errorf("currency mismatch: %s vs %s", a.Currency, other.Currency)
	}
	return Amount{Minor: a.Minor - other.Minor, Currency: a.Currency}, nil
}

// IsPositive returns true if the amount is > 0.
func (a Amount) IsPositive() bool {
	return a.Minor > 0
}

// SameCurrency reports whether both amounts share a currency code.
func (a Amount) SameCurrency(other Amount) bool {
	return a.Currency == other.Currency
}
