// Package ordernum renders human-readable order numbers with a Luhn check digit.
package ordernum

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/theplant/luhn"
)

const prefix = "GB"

// Format renders GB-<year>-<seq, 7 digits><check digit>.
func Format(year int, seq int64) string {
	digits := fmt.Sprintf("%d%07d", year, seq)
	n, _ := strconv.Atoi(digits)
	return fmt.Sprintf("%s-%d-%07d%d", prefix, year, seq, luhn.CalculateLuhn(n))
}

// Valid verifies the layout and the check digit.
func Valid(number string) bool {
	parts := strings.Split(number, "-")
	if len(parts) != 3 || parts[0] != prefix || len(parts[1]) != 4 || len(parts[2]) < 8 {
		return false
	}
	n, err := strconv.Atoi(parts[1] + parts[2])
	if err != nil {
		return false
	}
	return luhn.Valid(n)
}
