package parametric

import (
	"fmt"

	"github.com/quantforge/quantforge/internal/config"
)

// StopMode selects how an abstract stop descriptor resolves to a
// per-entry fraction of price.
type StopMode string

const (
	StopFixed  StopMode = "fixed"  // Value is the fraction directly
	StopATR    StopMode = "atr"    // Mult x ATR(Period) / close
	StopSwing  StopMode = "swing"  // distance to last swing low/high
)

// StopSpec is an abstract SL or TP descriptor. Resolve converts it to a
// concrete pct per (bar, symbol) before tuple evaluation so the grid
// loop never recomputes indicator passes.
type StopSpec struct {
	Mode     StopMode
	Value    float64 // fixed fraction
	Period   int     // ATR period
	Mult     float64 // ATR multiplier
	Lookback int     // swing detection window
}

// StopSpecFromGrid adapts one timeframe's stop configuration.
func StopSpecFromGrid(g config.ParametricGrid) StopSpec {
	return StopSpec{
		Mode:     StopMode(g.Stop.Mode),
		Period:   g.Stop.ATRPeriod,
		Mult:     g.Stop.ATRMult,
		Lookback: g.Stop.SwingLookback,
	}
}

// Resolve returns per-bar pct values for one symbol's column.
func (s StopSpec) Resolve(high, low, closes []float64, short bool) ([]float64, error) {
	n := len(closes)
	out := make([]float64, n)
	switch s.Mode {
	case StopFixed:
		for i := range out {
			out[i] = s.Value
		}
	case StopATR:
		if s.Period <= 0 || s.Mult <= 0 {
			return nil, fmt.Errorf("atr stop needs period and mult")
		}
		atr := ATR(high, low, closes, s.Period)
		for i := range out {
			if closes[i] > 0 {
				out[i] = s.Mult * atr[i] / closes[i]
			}
		}
	case StopSwing:
		if s.Lookback <= 0 {
			return nil, fmt.Errorf("swing stop needs lookback")
		}
		var levels []float64
		if short {
			levels = SwingHighs(high, s.Lookback)
			for i := range out {
				if levels[i] > 0 && closes[i] > 0 {
					out[i] = (levels[i] - closes[i]) / closes[i]
				}
			}
		} else {
			levels = SwingLows(low, s.Lookback)
			for i := range out {
				if levels[i] > 0 && closes[i] > 0 {
					out[i] = (closes[i] - levels[i]) / closes[i]
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown stop mode %q", s.Mode)
	}
	return out, nil
}

// ATR computes the EMA-smoothed average true range.
func ATR(high, low, closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if n == 0 || period <= 0 {
		return out
	}
	tr := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		hl := high[i] - low[i]
		hc := abs(high[i] - closes[i-1])
		lc := abs(low[i] - closes[i-1])
		tr[i] = max3(hl, hc, lc)
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = tr[0]
	for i := 1; i < n; i++ {
		out[i] = alpha*tr[i] + (1-alpha)*out[i-1]
	}
	return out
}

// SwingLows returns, per bar, the most recent confirmed swing low: a
// bar whose low is the minimum of the lookback window centered on it.
func SwingLows(low []float64, lookback int) []float64 {
	n := len(low)
	out := make([]float64, n)
	last := 0.0
	for i := range low {
		if j := i - lookback; j >= lookback {
			center := j
			isSwing := true
			for k := center - lookback; k <= center+lookback; k++ {
				if low[k] < low[center] {
					isSwing = false
					break
				}
			}
			if isSwing {
				last = low[center]
			}
		}
		out[i] = last
	}
	return out
}

// SwingHighs mirrors SwingLows for short-side stops.
func SwingHighs(high []float64, lookback int) []float64 {
	n := len(high)
	out := make([]float64, n)
	last := 0.0
	for i := range high {
		if j := i - lookback; j >= lookback {
			center := j
			isSwing := true
			for k := center - lookback; k <= center+lookback; k++ {
				if high[k] > high[center] {
					isSwing = false
					break
				}
			}
			if isSwing {
				last = high[center]
			}
		}
		out[i] = last
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
