package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/strategy"
)

// fixedInstance enters at preset bar indices.
type fixedInstance struct {
	params    models.StrategyParams
	direction strategy.Direction
	entryBars map[string][]int
}

func (f *fixedInstance) Name() string                  { return "fixed" }
func (f *fixedInstance) Direction() strategy.Direction { return f.direction }
func (f *fixedInstance) Params() models.StrategyParams { return f.params }

func (f *fixedInstance) Entries(frame *ohlcv.Frame) ([]bool, error) {
	entries := make([]bool, frame.Len())
	for _, i := range f.entryBars[frame.Symbol] {
		if i < len(entries) {
			entries[i] = true
		}
	}
	return entries, nil
}

// flatFrame builds bars with the given closes; high/low bracket close
// by +-spread.
func flatFrame(symbol string, closes []float64, spread float64) *ohlcv.Frame {
	f := &ohlcv.Frame{Symbol: symbol, Timeframe: "1h"}
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		f.Timestamp = append(f.Timestamp, start.Add(time.Duration(i)*time.Hour))
		f.Open = append(f.Open, c)
		f.High = append(f.High, c+spread)
		f.Low = append(f.Low, c-spread)
		f.Close = append(f.Close, c)
		f.Volume = append(f.Volume, 1000)
	}
	return f
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestEngineRejectsNoExitPath(t *testing.T) {
	e := NewEngine(10000, 5)
	inst := &fixedInstance{params: models.StrategyParams{SLPct: 0.05}, direction: strategy.Long}
	if _, err := e.Run(inst, nil, models.TF1h); err == nil {
		t.Fatal("tp_pct=0 and exit_bars=0 must be rejected")
	}
	inst.params = models.StrategyParams{TPPct: 0.1, ExitBars: 10}
	if _, err := e.Run(inst, nil, models.TF1h); err == nil {
		t.Fatal("non-positive sl_pct must be rejected")
	}
}

func TestEngineSkipsShortFrames(t *testing.T) {
	e := NewEngine(10000, 5)
	e.MinBars = 50
	inst := &fixedInstance{
		params:    models.StrategyParams{SLPct: 0.05, TPPct: 0.10},
		direction: strategy.Long,
		entryBars: map[string][]int{"BTC": {1}},
	}
	frames := map[string]*ohlcv.Frame{"BTC": flatFrame("BTC", constant(10, 100), 1)}
	res, err := e.Run(inst, frames, models.TF1h)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalTrades != 0 {
		t.Errorf("short frame must be skipped, got %d trades", res.TotalTrades)
	}
	if res.FinalEquity != 10000 {
		t.Errorf("equity untouched, got %v", res.FinalEquity)
	}
}

func TestEngineTakeProfitRoundTrip(t *testing.T) {
	closes := constant(120, 100)
	closes[60] = 112 // bar after entry runs to the target
	frames := map[string]*ohlcv.Frame{"BTC": flatFrame("BTC", closes, 0.5)}

	e := NewEngine(10000, 5)
	inst := &fixedInstance{
		params:    models.StrategyParams{SLPct: 0.05, TPPct: 0.10, Leverage: 1},
		direction: strategy.Long,
		entryBars: map[string][]int{"BTC": {59}},
	}
	res, err := e.Run(inst, frames, models.TF1h)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1", res.TotalTrades)
	}
	tr := res.Trades[0]
	if tr.ExitReason != "take_profit" || math.Abs(tr.ExitPrice-110) > 1e-9 {
		t.Fatalf("unexpected exit %+v", tr)
	}
	// One slot of five, +10%: equity 10000 + 2000*0.10.
	if math.Abs(res.FinalEquity-10200) > 1e-9 {
		t.Errorf("equity = %v, want 10200", res.FinalEquity)
	}
}

func TestEngineStopLossWinsAmbiguousBar(t *testing.T) {
	closes := constant(120, 100)
	frames := map[string]*ohlcv.Frame{"BTC": flatFrame("BTC", closes, 0.5)}
	// Widen bar 60 to touch both levels.
	frames["BTC"].High[60] = 111
	frames["BTC"].Low[60] = 94

	e := NewEngine(10000, 5)
	inst := &fixedInstance{
		params:    models.StrategyParams{SLPct: 0.05, TPPct: 0.10, Leverage: 1},
		direction: strategy.Long,
		entryBars: map[string][]int{"BTC": {59}},
	}
	res, err := e.Run(inst, frames, models.TF1h)
	if err != nil {
		t.Fatal(err)
	}
	if res.Trades[0].ExitReason != "stop_loss" {
		t.Errorf("ambiguous bar must fill the stop, got %q", res.Trades[0].ExitReason)
	}
	if math.Abs(res.Trades[0].ReturnPct-(-0.05)) > 1e-9 {
		t.Errorf("return = %v, want -0.05", res.Trades[0].ReturnPct)
	}
}

func TestEngineTimeExit(t *testing.T) {
	closes := constant(120, 100)
	for i := 60; i < 70; i++ {
		closes[i] = 101 // drifts but never reaches SL or TP
	}
	frames := map[string]*ohlcv.Frame{"BTC": flatFrame("BTC", closes, 0.2)}

	e := NewEngine(10000, 5)
	inst := &fixedInstance{
		params:    models.StrategyParams{SLPct: 0.10, TPPct: 0.20, Leverage: 1, ExitBars: 4},
		direction: strategy.Long,
		entryBars: map[string][]int{"BTC": {59}},
	}
	res, err := e.Run(inst, frames, models.TF1h)
	if err != nil {
		t.Fatal(err)
	}
	tr := res.Trades[0]
	if tr.ExitReason != "time_exit" {
		t.Fatalf("want time exit, got %q", tr.ExitReason)
	}
	if got := tr.ExitTime.Sub(tr.EntryTime); got != 4*time.Hour {
		t.Errorf("held %v, want 4h", got)
	}
}

func TestEngineMaxPositionsBound(t *testing.T) {
	// Three symbols signal on the same bar with a 2-slot budget.
	frames := make(map[string]*ohlcv.Frame)
	entryBars := make(map[string][]int)
	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		closes := constant(120, 100)
		closes[61] = 111 // every position that opens exits at TP
		frames[sym] = flatFrame(sym, closes, 0.2)
		entryBars[sym] = []int{60}
	}

	e := NewEngine(10000, 2)
	inst := &fixedInstance{
		params:    models.StrategyParams{SLPct: 0.05, TPPct: 0.10, Leverage: 1},
		direction: strategy.Long,
		entryBars: entryBars,
	}
	res, err := e.Run(inst, frames, models.TF1h)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalTrades != 2 {
		t.Fatalf("slot bound violated: %d trades, want 2", res.TotalTrades)
	}
	// Deterministic tie-break: symbol order wins the slots.
	syms := map[string]bool{}
	for _, tr := range res.Trades {
		syms[tr.Symbol] = true
	}
	if !syms["AAA"] || !syms["BBB"] {
		t.Errorf("expected AAA and BBB to win the slots, got %v", syms)
	}
}

func TestEngineForceCloseAtEnd(t *testing.T) {
	closes := constant(120, 100)
	closes[119] = 103
	frames := map[string]*ohlcv.Frame{"BTC": flatFrame("BTC", closes, 0.2)}

	e := NewEngine(10000, 5)
	inst := &fixedInstance{
		params:    models.StrategyParams{SLPct: 0.10, TPPct: 0.20, Leverage: 1},
		direction: strategy.Long,
		entryBars: map[string][]int{"BTC": {115}},
	}
	res, err := e.Run(inst, frames, models.TF1h)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalTrades != 1 || res.Trades[0].ExitReason != "end_of_data" {
		t.Fatalf("expected forced close, got %+v", res.Trades)
	}
	if math.Abs(res.Trades[0].ReturnPct-0.03) > 1e-9 {
		t.Errorf("return = %v, want 0.03", res.Trades[0].ReturnPct)
	}
}

func TestEngineShortSide(t *testing.T) {
	closes := constant(120, 100)
	closes[60] = 89 // falls through the short target at 90
	frames := map[string]*ohlcv.Frame{"BTC": flatFrame("BTC", closes, 0.5)}

	e := NewEngine(10000, 5)
	inst := &fixedInstance{
		params:    models.StrategyParams{SLPct: 0.05, TPPct: 0.10, Leverage: 2},
		direction: strategy.Short,
		entryBars: map[string][]int{"BTC": {59}},
	}
	res, err := e.Run(inst, frames, models.TF1h)
	if err != nil {
		t.Fatal(err)
	}
	tr := res.Trades[0]
	if tr.Side != "short" || tr.ExitReason != "take_profit" {
		t.Fatalf("unexpected trade %+v", tr)
	}
	// Price fell 10%, 2x short: +20%.
	if math.Abs(tr.ReturnPct-0.20) > 1e-9 {
		t.Errorf("return = %v, want 0.20", tr.ReturnPct)
	}
}
