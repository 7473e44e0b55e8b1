package allowance

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatIDR renders an amount the way id-ID formats IDR with no fraction
// digits: "Rp 560.000", "-Rp 1.500".
func FormatIDR(v float64) string {
	d := decimal.NewFromFloat(RoundHalfUp(v))

	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}

	return sign + "Rp " + groupThousands(d.StringFixed(0), ".")
}

func groupThousands(digits, sep string) string {
	if len(digits) <= 3 {
		return digits
	}

	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
