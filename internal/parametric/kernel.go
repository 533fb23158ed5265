package parametric

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/quantforge/quantforge/internal/backtest"
	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/risk"
)

// Inputs is one strategy's signal and price state, aligned on a common
// time index across N symbols and B bars. The indicator pass runs once;
// the kernel only re-simulates exits per tuple.
type Inputs struct {
	Symbols      []string
	Timestamps   []time.Time
	Entries      [][]bool    // [bar][symbol]
	Directions   [][]int8    // [bar][symbol], -1 short / +1 long
	Close        [][]float64 // [bar][symbol]
	High         [][]float64
	Low          [][]float64
	MaxLeverages []float64 // per symbol, venue hard cap

	// Optional pre-resolved per-entry stop overrides; nil means the
	// tuple's flat SLPct applies everywhere.
	SLOverride [][]float64
}

// Validate checks matrix alignment before evaluation.
func (in *Inputs) Validate() error {
	b := len(in.Timestamps)
	n := len(in.Symbols)
	if b == 0 || n == 0 {
		return fmt.Errorf("empty inputs: %d bars x %d symbols", b, n)
	}
	if len(in.MaxLeverages) != n {
		return fmt.Errorf("max_leverages length %d != %d symbols", len(in.MaxLeverages), n)
	}
	for name, m := range map[string]int{
		"entries": len(in.Entries), "directions": len(in.Directions),
		"close": len(in.Close), "high": len(in.High), "low": len(in.Low),
	} {
		if m != b {
			return fmt.Errorf("%s has %d rows, want %d", name, m, b)
		}
	}
	return nil
}

// Row is one tuple's evaluation output.
type Row struct {
	Tuple
	backtest.Metrics
	Score float64
}

// Filter is the post-evaluation admission gate.
type Filter struct {
	MinSharpe     float64
	MinWinRate    float64
	MinExpectancy float64
	MaxDrawdown   float64
	MinTrades     int
}

// FilterFromThresholds adapts the backtesting thresholds config.
func FilterFromThresholds(t config.ThresholdsConfig) Filter {
	return Filter{
		MinSharpe:     t.MinSharpe,
		MinWinRate:    t.MinWinRate,
		MinExpectancy: t.MinExpectancy,
		MaxDrawdown:   t.MaxDrawdown,
		MinTrades:     t.MinTotalTrades,
	}
}

// Passes applies the conjunction of all admission thresholds.
func (f Filter) Passes(m backtest.Metrics) bool {
	return m.SharpeRatio >= f.MinSharpe &&
		m.WinRate >= f.MinWinRate &&
		m.Expectancy >= f.MinExpectancy &&
		m.MaxDrawdown <= f.MaxDrawdown &&
		m.TotalTrades >= f.MinTrades
}

// Kernel evaluates parameter tuples against fixed entry signals.
type Kernel struct {
	LiquidationBufferPct float64
	Workers              int
}

// NewKernel sizes the tuple workers to the CPU count.
func NewKernel(liquidationBufferPct float64) *Kernel {
	return &Kernel{
		LiquidationBufferPct: liquidationBufferPct,
		Workers:              runtime.NumCPU(),
	}
}

// Evaluate runs every tuple, applies the admission filter, and returns
// survivors sorted by parametric score, best first. Output is
// order-insensitive in the tuple dimension: each row depends only on
// its own tuple.
func (k *Kernel) Evaluate(in *Inputs, tuples []Tuple, filter Filter) ([]Row, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	rows := make([]Row, len(tuples))
	var wg sync.WaitGroup
	work := make(chan int)
	workers := k.Workers
	if workers < 1 {
		workers = 1
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				rows[i] = k.evaluateTuple(in, tuples[i])
			}
		}()
	}
	for i := range tuples {
		work <- i
	}
	close(work)
	wg.Wait()

	var survivors []Row
	for _, row := range rows {
		if filter.Passes(row.Metrics) {
			survivors = append(survivors, row)
		}
	}
	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].Score > survivors[j].Score
	})
	return survivors, nil
}

// evaluateTuple simulates exits for every entry under one tuple.
// First-touch intrabar SL/TP with SL winning ambiguous bars, otherwise
// close after exit_bars. Equity compounds sequentially in entry order.
func (k *Kernel) evaluateTuple(in *Inputs, t Tuple) Row {
	bars := len(in.Timestamps)
	nsym := len(in.Symbols)

	type done struct {
		exitBar int
		ret     float64
	}
	var trades []done

	for n := 0; n < nsym; n++ {
		lev := t.Leverage
		if hard := in.MaxLeverages[n]; lev > hard {
			lev = hard
		}
		if safe := risk.SafeLeverage(t.SLPct, in.MaxLeverages[n], k.LiquidationBufferPct); lev > safe {
			lev = safe
		}

		for b := 0; b < bars-1; b++ {
			if !in.Entries[b][n] {
				continue
			}
			dir := float64(in.Directions[b][n])
			if dir == 0 {
				dir = 1
			}
			entry := in.Close[b][n]
			if entry <= 0 {
				continue
			}
			slPct := t.SLPct
			if in.SLOverride != nil && in.SLOverride[b][n] > 0 {
				slPct = in.SLOverride[b][n]
			}

			var slPrice, tpPrice float64
			if dir > 0 {
				slPrice = entry * (1 - slPct)
				if t.TPPct > 0 {
					tpPrice = entry * (1 + t.TPPct)
				}
			} else {
				slPrice = entry * (1 + slPct)
				if t.TPPct > 0 {
					tpPrice = entry * (1 - t.TPPct)
				}
			}

			exitBar, exitPrice := simulateExit(in, n, b, dir, slPrice, tpPrice, t.ExitBars)
			raw := dir * (exitPrice - entry) / entry * lev
			if raw < -1 {
				raw = -1
			}
			trades = append(trades, done{exitBar: exitBar, ret: raw})
		}
	}

	returns := make([]float64, len(trades))
	equity := []float64{1.0}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].exitBar < trades[j].exitBar })
	for i, tr := range trades {
		returns[i] = tr.ret
		equity = append(equity, equity[len(equity)-1]*(1+tr.ret))
	}

	m := backtest.ComputeMetrics(returns, equity, in.Timestamps[0], in.Timestamps[bars-1])
	return Row{Tuple: t, Metrics: m, Score: ParametricScore(m)}
}

func simulateExit(in *Inputs, n, entryBar int, dir, slPrice, tpPrice float64, exitBars int) (int, float64) {
	bars := len(in.Timestamps)
	for b := entryBar + 1; b < bars; b++ {
		high, low := in.High[b][n], in.Low[b][n]
		if dir > 0 {
			if low <= slPrice {
				return b, slPrice
			}
			if tpPrice > 0 && high >= tpPrice {
				return b, tpPrice
			}
		} else {
			if high >= slPrice {
				return b, slPrice
			}
			if tpPrice > 0 && low <= tpPrice {
				return b, tpPrice
			}
		}
		if exitBars > 0 && b-entryBar >= exitBars {
			return b, in.Close[b][n]
		}
	}
	return bars - 1, in.Close[bars-1][n]
}

// ParametricScore ranks tuples by a weighted blend of normalized
// sharpe, expectancy and inverse drawdown.
func ParametricScore(m backtest.Metrics) float64 {
	sharpe := clamp01(m.SharpeRatio / 3.0)
	expectancy := clamp01(m.Expectancy / 0.10)
	invDD := clamp01(1 - m.MaxDrawdown/0.30)
	return 0.5*sharpe + 0.3*expectancy + 0.2*invDD
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
