package parser

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// =============================================================================
// NUMBER PARSING
// =============================================================================

// arabicDigits maps Arabic-Indic and Extended Arabic-Indic digits to ASCII.
var arabicDigits = runes.Map(func(r rune) rune {
	switch {
	case r >= '٠' && r <= '٩': // ٠..٩
		return '0' + (r - '٠')
	case r >= '۰' && r <= '۹': // ۰..۹
		return '0' + (r - '۰')
	case r == '٫': // arabic decimal separator
		return '.'
	case r == '٬': // arabic thousands separator
		return ','
	}
	return r
})

// NormalizeDigits rewrites Arabic-Indic digits and separators to their ASCII
// forms, leaving everything else intact.
func NormalizeDigits(s string) string {
	out, _, err := transform.String(arabicDigits, s)
	if err != nil {
		return s
	}
	return out
}

// currencyMarks are stripped before numeric interpretation.
var currencyMarks = []string{
	"$", "€", "£", "¥", "₹", "﷼", "USD", "EUR", "GBP", "AED", "SAR", "QAR", "KWD", "OMR", "BHD", "JPY", "CNY",
}

// ParseAmount interprets a money or quantity token. It accepts US
// (1,234.56), European (1.234,56) and plain forms, strips currency symbols
// and normalizes Arabic digits. Returns ok=false for non-numeric input.
func ParseAmount(raw string) (float64, bool) {
	s := strings.TrimSpace(NormalizeDigits(raw))
	if s == "" {
		return 0, false
	}
	upper := strings.ToUpper(s)
	for _, mark := range currencyMarks {
		upper = strings.ReplaceAll(upper, mark, "")
	}
	s = strings.TrimSpace(upper)
	s = strings.Trim(s, "()") // accounting negatives are not used on invoices

	// Keep only digits, separators and sign.
	s = strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) || r == '.' || r == ',' || r == '-' {
			return r
		}
		if unicode.IsSpace(r) {
			return -1
		}
		return -1
	}, s)
	if s == "" || s == "-" {
		return 0, false
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// European: dot groups, comma decimal. 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			// US: comma groups, dot decimal. 1,234.56
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// Only commas: decimal if exactly one with 1-2 trailing digits,
		// otherwise thousands grouping.
		frac := len(s) - lastComma - 1
		if strings.Count(s, ",") == 1 && frac >= 1 && frac <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		// Only dots: a single dot is decimal; multiple dots are European
		// grouping unless the last group looks fractional.
		if strings.Count(s, ".") > 1 {
			frac := len(s) - lastDot - 1
			if frac == 3 {
				s = strings.ReplaceAll(s, ".", "")
			} else {
				grouped := s[:lastDot]
				s = strings.ReplaceAll(grouped, ".", "") + "." + s[lastDot+1:]
			}
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
