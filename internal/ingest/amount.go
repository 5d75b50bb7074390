package ingest

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ParseAmount converts an extracted amount into a non-negative decimal.
// Numbers are taken as-is; text is stripped of currency symbols, codes and
// grouping before parsing. Anything unparsable yields zero.
func ParseAmount(v any) decimal.Decimal {
	switch val := v.(type) {
	case nil:
		return decimal.Zero
	case Node:
		return ParseAmount(val.Raw())
	case decimal.Decimal:
		return val.Abs()
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return decimal.Zero
		}
		return d.Abs()
	case float64:
		return decimal.NewFromFloat(val).Abs()
	case float32:
		return decimal.NewFromFloat32(val).Abs()
	case int:
		return decimal.NewFromInt(int64(val)).Abs()
	case int64:
		return decimal.NewFromInt(val).Abs()
	case string:
		return parseAmountText(val)
	default:
		return decimal.Zero
	}
}

func parseAmountText(s string) decimal.Decimal {
	core := strings.TrimFunc(s, isAmountPadding)
	if core == "" {
		return decimal.Zero
	}
	core, exponent := splitExponent(core)
	var b strings.Builder
	b.Grow(len(core))
	for _, r := range core {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		case r == '\'' || r == '’' || unicode.IsSpace(r):
			// digit grouping: 1'000, 1 000
		default:
			return decimal.Zero
		}
	}
	normalized, ok := normalizeSeparators(b.String())
	if !ok {
		return decimal.Zero
	}
	if exponent != "" {
		normalized += "e" + exponent
	}
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero
	}
	return d.Abs()
}

// splitExponent detaches a scientific-notation suffix such as "e3" or
// "E-2" that directly follows a digit.
func splitExponent(s string) (mantissa, exponent string) {
	i := strings.LastIndexAny(s, "eE")
	if i <= 0 || s[i-1] < '0' || s[i-1] > '9' {
		return s, ""
	}
	exp := s[i+1:]
	digits := strings.TrimLeft(exp, "+-")
	if digits == "" || len(exp)-len(digits) > 1 || strings.TrimLeft(digits, "0123456789") != "" {
		return s, ""
	}
	return s[:i], exp
}

// isAmountPadding matches the runes allowed around the digits: whitespace,
// signs, accounting parentheses, currency symbols and currency codes.
func isAmountPadding(r rune) bool {
	switch r {
	case '-', '+', '(', ')', '−':
		return true
	}
	return unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) || unicode.IsLetter(r)
}

// normalizeSeparators rewrites s so that '.' is the only, optional, decimal
// separator. When both separators occur the right-most one is the decimal
// mark. A single comma is a grouping mark only when followed by exactly three
// digits and preceded by a non-zero integer part; repeated marks of one kind
// are always grouping.
func normalizeSeparators(s string) (string, bool) {
	if s == "" || !strings.ContainsAny(s, "0123456789") {
		return "", false
	}
	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			intPart := strings.NewReplacer(".", "", ",", "").Replace(s[:lastComma])
			return intPart + "." + s[lastComma+1:], true
		}
		return strings.ReplaceAll(s, ",", ""), true
	case lastComma >= 0:
		grouping := len(s)-lastComma-1 == 3 && strings.TrimLeft(s[:lastComma], "0") != ""
		if strings.Count(s, ",") > 1 || grouping {
			return strings.ReplaceAll(s, ",", ""), true
		}
		return strings.Replace(s, ",", ".", 1), true
	case strings.Count(s, ".") > 1:
		return strings.ReplaceAll(s, ".", ""), true
	default:
		return s, true
	}
}
