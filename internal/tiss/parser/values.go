package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// parseAmount reads a currency amount in either Brazilian ("1.234,56") or
// plain ("1234.56") notation. Empty input is zero. The result is rounded to
// the cent; exact is false when that rounding changed the value.
func parseAmount(raw string) (v float64, exact bool, err error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "R$")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, true, nil
	}

	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")
	switch {
	case comma >= 0 && dot >= 0 && comma > dot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case comma >= 0 && dot >= 0:
		s = strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		s = strings.Replace(s, ",", ".", 1)
	}

	v, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid amount %q", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, fmt.Errorf("invalid amount %q", raw)
	}
	rounded := roundCents(v)
	return rounded, math.Abs(rounded-v) < 1e-6, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// sameAmount compares two amounts at cent precision.
func sameAmount(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}
