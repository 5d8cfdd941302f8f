package sources

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// NormalizeCurrency upper-cases an ISO 4217 code and rejects unknown ones.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" || money.GetCurrency(c) == nil {
		return "", fmt.Errorf("unknown currency %q", code)
	}
	return c, nil
}

// FormatAmount renders an amount with its currency symbol, e.g. "¥12.50".
func FormatAmount(amount float64, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return decimal.NewFromFloat(amount).StringFixed(2) + " " + currency
	}
	factor, _ := decimal.NewFromInt(10).PowInt32(int32(cur.Fraction))
	minor := decimal.NewFromFloat(amount).Mul(factor).Round(0)
	return money.New(minor.IntPart(), currency).Display()
}

// parsePrice reads a marketplace price string such as "$1,234.56",
// "1.234,56€", "12,34 pуб." or "12.5". When both separators appear the last
// one is decimal; a lone comma is decimal only with one or two digits after it.
func parsePrice(s string) (float64, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	num := strings.Trim(b.String(), ".,")
	if strings.IndexFunc(num, func(r rune) bool { return r >= '0' && r <= '9' }) < 0 {
		return 0, fmt.Errorf("no digits in price %q", s)
	}

	dot, comma := strings.Count(num, "."), strings.Count(num, ",")
	sep := byte(0)
	switch {
	case dot > 0 && comma > 0:
		sep = num[strings.LastIndexAny(num, ".,")]
	case dot == 1:
		sep = '.'
	case comma == 1:
		if frac := len(num) - strings.IndexByte(num, ',') - 1; frac <= 2 {
			sep = ','
		}
	}

	var clean strings.Builder
	for i := 0; i < len(num); i++ {
		switch c := num[i]; {
		case c == sep:
			clean.WriteByte('.')
		case c == '.' || c == ',':
		default:
			clean.WriteByte(c)
		}
	}
	d, err := decimal.NewFromString(clean.String())
	if err != nil {
		return 0, fmt.Errorf("bad price %q: %w", s, err)
	}
	return d.Round(4).InexactFloat64(), nil
}
