package exchange

import (
	"math"
	"strconv"
	"strings"
)

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

var leveragedSuffixes = []string{"UP", "DOWN", "BULL", "BEAR"}

// leveraged reports whether base is a leveraged token such as BTCUP.
func leveraged(base string) bool {
	for _, s := range leveragedSuffixes {
		if len(base) >= len(s)+3 && strings.HasSuffix(base, s) {
			return true
		}
	}
	return false
}

// roundStep rounds qty down to a multiple of step. A zero step leaves qty
// at 8 decimals.
func roundStep(qty, step float64) float64 {
	if step <= 0 {
		return math.Floor(qty*1e8) / 1e8
	}
	n := math.Floor(qty/step + 1e-9)
	decimals := 0
	if s := strconv.FormatFloat(step, 'f', -1, 64); strings.Contains(s, ".") {
		decimals = len(s) - strings.Index(s, ".") - 1
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(n*step*p) / p
}
