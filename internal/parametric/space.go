package parametric

import (
	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/models"
)

// Tuple is one concrete (sl_pct, tp_pct, leverage, exit_bars)
// combination. TPPct 0 means no take profit, ExitBars 0 means no time
// exit; the combination of both zeros is excluded at construction.
type Tuple = models.StrategyParams

// AbsoluteSpace builds the fixed per-timeframe grid from config.
// Invalid combinations (tp_pct=0 and exit_bars=0) are dropped.
func AbsoluteSpace(grid config.ParametricGrid, leverages []float64) []Tuple {
	var out []Tuple
	for _, sl := range grid.SLPct {
		for _, tp := range grid.TPPct {
			for _, lev := range leverages {
				for _, exit := range grid.ExitBars {
					if tp == 0 && exit == 0 {
						continue
					}
					out = append(out, Tuple{SLPct: sl, TPPct: tp, Leverage: lev, ExitBars: exit})
				}
			}
		}
	}
	return out
}

// PatternCenteredSpace explores around validated base values: each
// dimension takes the base value scaled by the given factors, exit bars
// shifted by the given offsets. Duplicates and invalid combos are
// dropped.
func PatternCenteredSpace(base Tuple, factors []float64, exitOffsets []int, leverages []float64) []Tuple {
	seen := make(map[Tuple]bool)
	var out []Tuple
	add := func(t Tuple) {
		if t.SLPct <= 0 || t.TPPct < 0 || t.ExitBars < 0 {
			return
		}
		if t.TPPct == 0 && t.ExitBars == 0 {
			return
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	for _, fsl := range factors {
		for _, ftp := range factors {
			for _, lev := range leverages {
				for _, off := range exitOffsets {
					t := Tuple{
						SLPct:    base.SLPct * fsl,
						TPPct:    base.TPPct * ftp,
						Leverage: lev,
						ExitBars: base.ExitBars + off,
					}
					add(t)
				}
			}
		}
	}
	return out
}
