// Package money holds integer minor-unit amounts. Kobo for NGN, pesewas for
// GHS and so on; nothing in the reconciler does float arithmetic on money.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Currency is an ISO 4217 code.
type Currency string

// Currencies the gateway settles in.
const (
	NGN Currency = "NGN"
	GHS Currency = "GHS"
	KES Currency = "KES"
	ZAR Currency = "ZAR"
	USD Currency = "USD"
)

// All supported currencies use two minor digits.
const minorDigits = 2

var symbols = map[Currency]string{
	NGN: "₦",
	GHS: "GH₵",
	KES: "KSh",
	ZAR: "R",
	USD: "$",
}

// Valid reports whether c is a currency the gateway settles in.
func (c Currency) Valid() bool {
	_, ok := symbols[c]
	return ok
}

// ParseCurrency accepts a case-insensitive code, as reported by the gateway.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unsupported currency %q", s)
	}
	return c, nil
}

var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money is an amount in minor units.
type Money struct {
	Minor    int64    `json:"amount_minor"`
	Currency Currency `json:"currency"`
}

func New(minor int64, currency Currency) Money {
	return Money{Minor: minor, Currency: currency}
}

func (m Money) IsZero() bool { return m.Minor == 0 }

// Add returns m+o, refusing to mix currencies.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	return Money{Minor: m.Minor + o.Minor, Currency: m.Currency}, nil
}

// String renders the amount for logs, e.g. "₦45,000.00". Unknown currencies
// fall back to the raw minor amount.
func (m Money) String() string {
	symbol, ok := symbols[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.Minor, m.Currency)
	}

	minor := m.Minor
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	whole, frac := minor/100, minor%100
	return fmt.Sprintf("%s%s%s.%0*d", sign, symbol, groupThousands(whole), minorDigits, frac)
}

func groupThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// Sum adds amounts of one currency. The empty sum is the zero value.
func Sum(amounts ...Money) (Money, error) {
	var total Money
	for i, a := range amounts {
		if i == 0 {
			total = a
			continue
		}
		var err error
		if total, err = total.Add(a); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}
