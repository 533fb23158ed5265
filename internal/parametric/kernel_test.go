package parametric

import (
	"math"
	"testing"
	"time"

	"github.com/quantforge/quantforge/internal/backtest"
)

// singleSymbolInputs builds a one-symbol matrix from parallel columns.
func singleSymbolInputs(closes, highs, lows []float64, entries []bool, maxLev float64) *Inputs {
	bars := len(closes)
	in := &Inputs{
		Symbols:      []string{"BTC"},
		Timestamps:   make([]time.Time, bars),
		Entries:      make([][]bool, bars),
		Directions:   make([][]int8, bars),
		Close:        make([][]float64, bars),
		High:         make([][]float64, bars),
		Low:          make([][]float64, bars),
		MaxLeverages: []float64{maxLev},
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for b := 0; b < bars; b++ {
		in.Timestamps[b] = start.Add(time.Duration(b) * time.Hour)
		in.Entries[b] = []bool{entries[b]}
		in.Directions[b] = []int8{1}
		in.Close[b] = []float64{closes[b]}
		in.High[b] = []float64{highs[b]}
		in.Low[b] = []float64{lows[b]}
	}
	return in
}

func TestInputsValidate(t *testing.T) {
	in := singleSymbolInputs(
		[]float64{100, 101}, []float64{101, 102}, []float64{99, 100},
		[]bool{true, false}, 10)
	if err := in.Validate(); err != nil {
		t.Fatal(err)
	}

	in.MaxLeverages = nil
	if err := in.Validate(); err == nil {
		t.Error("missing leverage column must fail validation")
	}

	empty := &Inputs{}
	if err := empty.Validate(); err == nil {
		t.Error("empty inputs must fail validation")
	}
}

func TestEvaluateTupleTakeProfit(t *testing.T) {
	// Entry at bar 0 close 100; bar 2 high touches 110.
	closes := []float64{100, 104, 108, 108, 108}
	highs := []float64{100, 105, 110, 109, 109}
	lows := []float64{99, 103, 107, 107, 107}
	entries := []bool{true, false, false, false, false}
	in := singleSymbolInputs(closes, highs, lows, entries, 10)

	k := &Kernel{LiquidationBufferPct: 0.10, Workers: 1}
	rows, err := k.Evaluate(in, []Tuple{{SLPct: 0.05, TPPct: 0.10, Leverage: 1, ExitBars: 0}}, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	m := rows[0].Metrics
	if m.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1", m.TotalTrades)
	}
	if m.WinRate != 1.0 {
		t.Errorf("win rate = %v, want 1.0", m.WinRate)
	}
	// TP at 110 from entry 100 is a +10% trade at 1x.
	if math.Abs(m.Expectancy-0.10) > 1e-9 {
		t.Errorf("expectancy = %v, want 0.10", m.Expectancy)
	}
}

func TestEvaluateTupleStopLossWinsAmbiguousBar(t *testing.T) {
	// Bar 1 touches both the stop (95) and the target (110): the stop
	// fills first by convention.
	closes := []float64{100, 100, 100}
	highs := []float64{100, 112, 100}
	lows := []float64{99, 94, 99}
	entries := []bool{true, false, false}
	in := singleSymbolInputs(closes, highs, lows, entries, 10)

	k := &Kernel{LiquidationBufferPct: 0.10, Workers: 1}
	rows, err := k.Evaluate(in, []Tuple{{SLPct: 0.05, TPPct: 0.10, Leverage: 1, ExitBars: 0}}, Filter{MinExpectancy: -1, MaxDrawdown: 1})
	if err != nil {
		t.Fatal(err)
	}
	m := rows[0].Metrics
	if m.WinRate != 0 {
		t.Errorf("ambiguous bar must resolve to the stop, win rate %v", m.WinRate)
	}
	if math.Abs(m.Expectancy-(-0.05)) > 1e-9 {
		t.Errorf("expectancy = %v, want -0.05", m.Expectancy)
	}
}

func TestEvaluateCapsLeverageAtSafeBound(t *testing.T) {
	// Wide 12% stop with a 40x venue cap derates to 6x; the 20x tuple
	// must not produce 20x returns.
	closes := []float64{100, 105, 110, 110}
	highs := []float64{100, 106, 112, 110}
	lows := []float64{99, 104, 109, 109}
	entries := []bool{true, false, false, false}
	in := singleSymbolInputs(closes, highs, lows, entries, 40)

	k := &Kernel{LiquidationBufferPct: 0.10, Workers: 1}
	rows, err := k.Evaluate(in, []Tuple{{SLPct: 0.12, TPPct: 0.10, Leverage: 20, ExitBars: 0}}, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	// TP hit: +10% price move at the derated 6x = +60%.
	if math.Abs(rows[0].Expectancy-0.60) > 1e-9 {
		t.Errorf("expectancy = %v, want 0.60 (6x derated)", rows[0].Expectancy)
	}
}

func TestEvaluateFilterAndOrdering(t *testing.T) {
	closes := []float64{100, 104, 108, 112, 116, 120}
	highs := []float64{101, 105, 109, 113, 117, 121}
	lows := []float64{99, 103, 107, 111, 115, 119}
	entries := []bool{true, false, true, false, false, false}
	in := singleSymbolInputs(closes, highs, lows, entries, 10)

	k := &Kernel{LiquidationBufferPct: 0.10, Workers: 2}
	tuples := []Tuple{
		{SLPct: 0.05, TPPct: 0.04, Leverage: 1, ExitBars: 0},
		{SLPct: 0.05, TPPct: 0.08, Leverage: 2, ExitBars: 0},
	}
	rows, err := k.Evaluate(in, tuples, Filter{MinTrades: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d survivors, want 2", len(rows))
	}
	if rows[0].Score < rows[1].Score {
		t.Error("survivors must come back best first")
	}

	// A min-trades floor above the trade count rejects everything.
	none, err := k.Evaluate(in, tuples, Filter{MinTrades: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("got %d survivors, want 0", len(none))
	}
}

func TestParametricScoreMonotone(t *testing.T) {
	lo := ParametricScore(backtest.Metrics{SharpeRatio: 0.5, Expectancy: 0.01, MaxDrawdown: 0.20})
	hi := ParametricScore(backtest.Metrics{SharpeRatio: 2.5, Expectancy: 0.08, MaxDrawdown: 0.05})
	if hi <= lo {
		t.Errorf("better metrics must score higher: %v <= %v", hi, lo)
	}
	maxed := ParametricScore(backtest.Metrics{SharpeRatio: 10, Expectancy: 1, MaxDrawdown: 0})
	if math.Abs(maxed-1.0) > 1e-9 {
		t.Errorf("saturated score = %v, want 1.0", maxed)
	}
}
