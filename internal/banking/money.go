// ABOUTME: Money helpers shared by the banking actions
// ABOUTME: Converts dollar amounts to cents and renders cents for speech

package banking

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// ToCents converts a dollar amount to whole cents, rounding half away from zero.
func ToCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}

// FormatCents renders cents as "$1,234.56".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%s.%02d", sign, humanize.Comma(cents/100), cents%100)
}
