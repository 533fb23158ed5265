package exec

import (
	"math"
	"strconv"
	"strings"
)

var quoteSuffixes = []string{"USDT", "USDC", "USD", "PERP"}

// NormalizeSymbol reduces any pair spelling to the bare asset code the
// venue understands: "btc/usdt:usdt" -> "BTC".
func NormalizeSymbol(s string) string {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexAny(sym, "/:"); i >= 0 {
		sym = sym[:i]
	}
	sym = strings.TrimSuffix(sym, "-")
	for _, suffix := range quoteSuffixes {
		if sym != suffix && strings.HasSuffix(sym, suffix) {
			sym = strings.TrimSuffix(sym, suffix)
			sym = strings.TrimSuffix(sym, "-")
			break
		}
	}
	return sym
}

// RoundSize truncates an order size to the asset's size decimals.
// Truncation, not rounding: never order more than intended.
func RoundSize(size float64, szDecimals int) float64 {
	scale := math.Pow10(szDecimals)
	return math.Trunc(size*scale) / scale
}

// RoundPrice formats a price to the venue's tick rules: at most five
// significant figures, capped at 6 - szDecimals decimal places.
func RoundPrice(px float64, szDecimals int) float64 {
	if px <= 0 {
		return px
	}
	maxDecimals := 6 - szDecimals
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	rounded, _ := strconv.ParseFloat(strconv.FormatFloat(px, 'g', 5, 64), 64)
	scale := math.Pow10(maxDecimals)
	capped := math.Round(rounded*scale) / scale
	if capped == 0 {
		return rounded
	}
	return capped
}
