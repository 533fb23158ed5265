package evaluate

import (
	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/backtest"
	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/strategy"
)

const (
	walkForwardWindows   = 4
	walkForwardTestRatio = 0.25
	minValidWindows      = 3
	minWindowSymbols     = 5
	minWindowBars        = 20
)

// WalkForwardResult is the stability pass outcome.
type WalkForwardResult struct {
	Stability    float64
	ValidWindows int
	Skipped      bool
	SkipReason   string
}

// WalkForward runs four expanding windows with a 75/25 train/test split
// and returns the standard deviation of per-window test expectancy.
// Skipped for 4h and 1d (too few bars); invalid when fewer than three
// windows produce at least one trade across at least five sufficiently
// covered symbols.
func (e *Evaluator) WalkForward(inst strategy.Instance, frames map[string]*ohlcv.Frame, tf models.Timeframe) *WalkForwardResult {
	if tf == models.TF4h || tf == models.TF1d {
		return &WalkForwardResult{Skipped: true, SkipReason: "insufficient bars for " + string(tf)}
	}

	var expectancies []float64
	for win := 1; win <= walkForwardWindows; win++ {
		testFrames := make(map[string]*ohlcv.Frame)
		covered := 0
		for sym, frame := range frames {
			n := frame.Len()
			windowEnd := n * win / walkForwardWindows
			testStart := windowEnd - int(float64(windowEnd)*walkForwardTestRatio)
			if testStart < 0 || windowEnd-testStart < minWindowBars {
				continue
			}
			covered++
			testFrames[sym] = frame.Slice(testStart, windowEnd)
		}
		if covered < minWindowSymbols {
			continue
		}

		engine := backtest.NewEngine(e.cfg.InitialCapital, e.cfg.MaxPositions)
		engine.MinBars = minWindowBars
		res, err := engine.Run(inst, testFrames, tf)
		if err != nil {
			log.Debug().Err(err).Int("window", win).Msg("walk-forward window failed")
			continue
		}
		if res.TotalTrades < 1 {
			continue
		}
		expectancies = append(expectancies, res.Expectancy)
	}

	if len(expectancies) < minValidWindows {
		return &WalkForwardResult{
			ValidWindows: len(expectancies),
			Skipped:      true,
			SkipReason:   "fewer than 3 valid windows",
		}
	}
	return &WalkForwardResult{
		Stability:    backtest.StdDev(expectancies),
		ValidWindows: len(expectancies),
	}
}
