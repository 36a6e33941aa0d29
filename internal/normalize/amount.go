package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var errNoAmount = errors.New("no amount")

// currencyMarkers is checked in order; longer markers first so "US$" wins over "$".
var currencyMarkers = []struct {
	marker   string
	currency string
}{
	{"US$", "USD"},
	{"USD", "USD"},
	{"DOLARES", "USD"},
	{"DÓLARES", "USD"},
	{"S/.", "PEN"},
	{"S/", "PEN"},
	{"PEN", "PEN"},
	{"SOLES", "PEN"},
	{"€", "EUR"},
	{"EUR", "EUR"},
	{"$", "USD"},
}

func currencyFromText(s string) string {
	upper := strings.ToUpper(s)
	for _, m := range currencyMarkers {
		if strings.Contains(upper, m.marker) {
			return m.currency
		}
	}
	return ""
}

// parseAmount reads a JSON number or a formatted money string. It returns
// errNoAmount for absent values and the currency named inside the string, if any.
func parseAmount(raw json.RawMessage) (float64, string, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, "", errNoAmount
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, "", fmt.Errorf("invalid string: %w", err)
		}
		return parseAmountText(s)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, "", fmt.Errorf("not a number: %s", text)
	}
	if v < 0 {
		return 0, "", fmt.Errorf("negative amount %v", v)
	}
	return v, "", nil
}

func parseAmountText(s string) (float64, string, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "-", "n/a", "na", "null", "sin valor":
		return 0, "", errNoAmount
	}
	currency := currencyFromText(s)

	var digits strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r), r == ',', r == '.':
			digits.WriteRune(r)
		case r == '-':
			return 0, currency, fmt.Errorf("negative amount %q", s)
		}
	}
	number := strings.Trim(digits.String(), ".,")
	if number == "" {
		return 0, currency, fmt.Errorf("no digits in %q", s)
	}

	v, err := strconv.ParseFloat(canonicalDecimal(number), 64)
	if err != nil {
		return 0, currency, fmt.Errorf("unparseable amount %q", s)
	}
	return v, currency, nil
}

// canonicalDecimal rewrites "1,250,000.50", "1.250.000,50" or "3 400" into
// a strconv-friendly form. With both separators present the last one is the
// decimal mark; a lone separator followed by exactly three digits in every
// group is a thousands separator.
func canonicalDecimal(n string) string {
	lastComma := strings.LastIndex(n, ",")
	lastDot := strings.LastIndex(n, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			n = strings.ReplaceAll(n, ".", "")
			return strings.Replace(n, ",", ".", 1)
		}
		return strings.ReplaceAll(n, ",", "")
	case lastComma >= 0:
		if thousandsGrouped(n, ",") {
			return strings.ReplaceAll(n, ",", "")
		}
		return strings.Replace(n, ",", ".", 1)
	case lastDot >= 0:
		if strings.Count(n, ".") > 1 && thousandsGrouped(n, ".") {
			return strings.ReplaceAll(n, ".", "")
		}
		return n
	}
	return n
}

func thousandsGrouped(n, sep string) bool {
	parts := strings.Split(n, sep)
	if len(parts[0]) == 0 || len(parts[0]) > 3 {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 {
			return false
		}
	}
	return true
}

func canonicalCurrency(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	if c := currencyFromText(code); c != "" {
		return c
	}
	return strings.ToUpper(code)
}
