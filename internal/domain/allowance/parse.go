package allowance

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Defaults applied when a form field is blank or unparseable
const (
	DefaultMultiplier = 1.0
	DefaultAmount     = 0.0
)

// ParseNumber converts user-entered text into a number.
// A comma may be used as the decimal separator ("12,5" == 12.5). Like a
// browser's parseFloat, the longest numeric prefix is used ("80%" == 80).
// Anything that does not yield a finite number returns def.
func ParseNumber(raw string, def float64) float64 {
	s := strings.Replace(raw, ",", ".", 1)
	s = strings.TrimLeftFunc(s, isLeadingSpace)

	lit := numericPrefix(s)
	if lit == "" {
		return def
	}

	n, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return def
	}
	return n
}

// isLeadingSpace matches the characters parseFloat skips: Unicode white
// space and line terminators plus the byte order mark, but not U+0085.
func isLeadingSpace(r rune) bool {
	return r == '\ufeff' || (r != '\u0085' && unicode.IsSpace(r))
}

// NormalizePercentage accepts either a fraction ("0.8") or a whole
// percentage ("80") and returns a value in [0, 1].
func NormalizePercentage(raw string) float64 {
	return normalizeFraction(ParseNumber(raw, 0))
}

// normalizeFraction applies the percentage rule to an already parsed value.
// Values above 100% are capped at 1.
func normalizeFraction(n float64) float64 {
	if math.IsNaN(n) || n <= 0 {
		return 0
	}
	if n > 1 {
		n = n / 100
	}
	if n > 1 {
		return 1
	}
	return n
}

// numericPrefix returns the longest prefix of s that is a decimal literal:
// optional sign, digits with an optional fraction, optional exponent.
func numericPrefix(s string) string {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}

	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}

	if i < len(s) && s[i] == '.' {
		j := i + 1
		frac := 0
		for j < len(s) && isDigit(s[j]) {
			j++
			frac++
		}
		if digits+frac > 0 {
			i = j
			digits += frac
		}
	}

	if digits == 0 {
		return ""
	}

	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		k := j
		for k < len(s) && isDigit(s[k]) {
			k++
		}
		if k > j {
			i = k
		}
	}

	return s[:i]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
