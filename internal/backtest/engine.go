package backtest

import (
	"fmt"
	"sort"
	"time"

	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/strategy"
)

// DefaultMinBars is the per-symbol bar floor for training windows.
// Holdout and walk-forward windows use HoldoutMinBars.
const (
	DefaultMinBars = 100
	HoldoutMinBars = 20
)

// SimTrade is one simulated round trip.
type SimTrade struct {
	Symbol     string
	Side       string
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	ReturnPct  float64 // leverage applied, fraction of allocated capital
	ExitReason string
}

// Result bundles aggregate metrics with the trade list and per-symbol
// breakdown.
type Result struct {
	Metrics
	Trades          []SimTrade
	SymbolBreakdown map[string]models.SymbolResult
	Start           time.Time
	End             time.Time
}

// Engine simulates a shared-capital portfolio with a bounded number of
// concurrent positions over multiple symbols.
type Engine struct {
	InitialCapital float64
	MaxPositions   int
	MinBars        int
}

// NewEngine returns an engine with the training-window bar floor.
func NewEngine(initialCapital float64, maxPositions int) *Engine {
	return &Engine{
		InitialCapital: initialCapital,
		MaxPositions:   maxPositions,
		MinBars:        DefaultMinBars,
	}
}

type openPosition struct {
	symbol     string
	direction  strategy.Direction
	entryTime  time.Time
	entryPrice float64
	slPrice    float64
	tpPrice    float64
	barsHeld   int
	allocated  float64
}

type pendingEntry struct {
	ts     time.Time
	symbol string
	barIdx int
}

// Run evaluates the strategy over every symbol frame and simulates the
// shared portfolio. Symbols with fewer than MinBars bars are skipped;
// if everything is skipped the result has zero trades.
func (e *Engine) Run(inst strategy.Instance, frames map[string]*ohlcv.Frame, tf models.Timeframe) (*Result, error) {
	params := inst.Params()
	if params.SLPct <= 0 {
		return nil, fmt.Errorf("strategy %s: non-positive sl_pct", inst.Name())
	}
	if params.TPPct == 0 && params.ExitBars == 0 {
		return nil, fmt.Errorf("strategy %s: no exit path (tp_pct=0 and exit_bars=0)", inst.Name())
	}

	// Collect entry signals per symbol, then merge into one global
	// queue ordered by (timestamp, symbol) for the deterministic slot
	// tie-break.
	symbols := make([]string, 0, len(frames))
	entries := make(map[string][]bool, len(frames))
	var queue []pendingEntry
	var start, end time.Time

	for sym, frame := range frames {
		if frame.Len() < e.MinBars {
			continue
		}
		sig, err := inst.Entries(frame)
		if err != nil {
			return nil, fmt.Errorf("entries for %s: %w", sym, err)
		}
		symbols = append(symbols, sym)
		entries[sym] = sig
		for i, on := range sig {
			if on && i < frame.Len()-1 { // cannot enter on the final bar
				queue = append(queue, pendingEntry{ts: frame.Timestamp[i], symbol: sym, barIdx: i})
			}
		}
		if start.IsZero() || frame.Timestamp[0].Before(start) {
			start = frame.Timestamp[0]
		}
		if last := frame.Timestamp[frame.Len()-1]; last.After(end) {
			end = last
		}
	}
	sort.Strings(symbols)
	sort.Slice(queue, func(i, j int) bool {
		if !queue[i].ts.Equal(queue[j].ts) {
			return queue[i].ts.Before(queue[j].ts)
		}
		return queue[i].symbol < queue[j].symbol
	})

	res := &Result{
		SymbolBreakdown: make(map[string]models.SymbolResult),
		Start:           start,
		End:             end,
	}
	if len(queue) == 0 {
		res.FinalEquity = e.InitialCapital
		return res, nil
	}

	equity := e.InitialCapital
	equityCurve := []float64{equity}
	open := make(map[string]*openPosition)
	var tradeReturns []float64
	perSymbol := make(map[string][]float64)

	// Walk the merged timeline bar by bar per symbol.
	cursor := make(map[string]int, len(symbols))
	timeline := mergeTimestamps(frames, symbols)
	qi := 0

	for _, ts := range timeline {
		// Exits first, in symbol order, so a freed slot is usable by an
		// entry on the same bar's close.
		for _, sym := range symbols {
			pos, ok := open[sym]
			if !ok {
				continue
			}
			frame := frames[sym]
			idx, ok := barAt(frame, cursor, sym, ts)
			if !ok {
				continue
			}
			pos.barsHeld++
			exitPrice, reason, exited := evaluateExit(pos, frame, idx, params.ExitBars)
			if !exited {
				continue
			}
			ret := tradeReturn(pos, exitPrice, params.Leverage)
			equity += pos.allocated * ret
			equityCurve = append(equityCurve, equity)
			tradeReturns = append(tradeReturns, ret)
			perSymbol[sym] = append(perSymbol[sym], ret)
			res.Trades = append(res.Trades, SimTrade{
				Symbol:     sym,
				Side:       sideName(pos.direction),
				EntryTime:  pos.entryTime,
				ExitTime:   frame.Timestamp[idx],
				EntryPrice: pos.entryPrice,
				ExitPrice:  exitPrice,
				ReturnPct:  ret,
				ExitReason: reason,
			})
			delete(open, sym)
		}

		// Entries signaled at this timestamp, FIFO over (ts, symbol).
		for qi < len(queue) && !queue[qi].ts.After(ts) {
			pe := queue[qi]
			qi++
			if len(open) >= e.MaxPositions {
				continue
			}
			if _, held := open[pe.symbol]; held {
				continue
			}
			if equity <= 0 {
				continue
			}
			frame := frames[pe.symbol]
			price := frame.Close[pe.barIdx]
			pos := &openPosition{
				symbol:     pe.symbol,
				direction:  inst.Direction(),
				entryTime:  frame.Timestamp[pe.barIdx],
				entryPrice: price,
				allocated:  equity / float64(e.MaxPositions),
			}
			if inst.Direction() == strategy.Long {
				pos.slPrice = price * (1 - params.SLPct)
				if params.TPPct > 0 {
					pos.tpPrice = price * (1 + params.TPPct)
				}
			} else {
				pos.slPrice = price * (1 + params.SLPct)
				if params.TPPct > 0 {
					pos.tpPrice = price * (1 - params.TPPct)
				}
			}
			open[pe.symbol] = pos
		}
	}

	// Force-close anything still open at the final bar of its symbol.
	for _, sym := range symbols {
		pos, ok := open[sym]
		if !ok {
			continue
		}
		frame := frames[sym]
		last := frame.Len() - 1
		ret := tradeReturn(pos, frame.Close[last], params.Leverage)
		equity += pos.allocated * ret
		equityCurve = append(equityCurve, equity)
		tradeReturns = append(tradeReturns, ret)
		perSymbol[sym] = append(perSymbol[sym], ret)
		res.Trades = append(res.Trades, SimTrade{
			Symbol:     sym,
			Side:       sideName(pos.direction),
			EntryTime:  pos.entryTime,
			ExitTime:   frame.Timestamp[last],
			EntryPrice: pos.entryPrice,
			ExitPrice:  frame.Close[last],
			ReturnPct:  ret,
			ExitReason: "end_of_data",
		})
	}

	res.Metrics = ComputeMetrics(tradeReturns, equityCurve, start, end)
	for sym, rets := range perSymbol {
		res.SymbolBreakdown[sym] = symbolBreakdown(rets)
	}
	return res, nil
}

// evaluateExit applies first-touch SL/TP intrabar (SL wins on ambiguous
// bars) and the time exit at close after exitBars bars.
func evaluateExit(pos *openPosition, frame *ohlcv.Frame, idx, exitBars int) (price float64, reason string, exited bool) {
	high, low := frame.High[idx], frame.Low[idx]
	if pos.direction == strategy.Long {
		if low <= pos.slPrice {
			return pos.slPrice, "stop_loss", true
		}
		if pos.tpPrice > 0 && high >= pos.tpPrice {
			return pos.tpPrice, "take_profit", true
		}
	} else {
		if high >= pos.slPrice {
			return pos.slPrice, "stop_loss", true
		}
		if pos.tpPrice > 0 && low <= pos.tpPrice {
			return pos.tpPrice, "take_profit", true
		}
	}
	if exitBars > 0 && pos.barsHeld >= exitBars {
		return frame.Close[idx], "time_exit", true
	}
	return 0, "", false
}

func tradeReturn(pos *openPosition, exitPrice, leverage float64) float64 {
	raw := (exitPrice - pos.entryPrice) / pos.entryPrice
	if pos.direction == strategy.Short {
		raw = -raw
	}
	if leverage <= 0 {
		leverage = 1
	}
	ret := raw * leverage
	if ret < -1 {
		ret = -1 // cannot lose more than the margin allocated
	}
	return ret
}

func sideName(d strategy.Direction) string {
	if d == strategy.Short {
		return "short"
	}
	return "long"
}

func symbolBreakdown(rets []float64) models.SymbolResult {
	sr := models.SymbolResult{TotalTrades: len(rets)}
	if len(rets) == 0 {
		return sr
	}
	wins := 0
	var winSum, lossSum, total float64
	for _, r := range rets {
		total += r
		if r > 0 {
			wins++
			winSum += r
		} else {
			lossSum += -r
		}
	}
	sr.WinRate = float64(wins) / float64(len(rets))
	avgWin, avgLoss := 0.0, 0.0
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses := len(rets) - wins; losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	sr.Expectancy = sr.WinRate*avgWin - (1-sr.WinRate)*avgLoss
	sr.TotalReturn = total
	return sr
}

// barAt advances the symbol's cursor to ts and reports whether the
// symbol has a bar exactly at ts.
func barAt(frame *ohlcv.Frame, cursor map[string]int, sym string, ts time.Time) (int, bool) {
	i := cursor[sym]
	for i < frame.Len() && frame.Timestamp[i].Before(ts) {
		i++
	}
	cursor[sym] = i
	if i < frame.Len() && frame.Timestamp[i].Equal(ts) {
		return i, true
	}
	return 0, false
}

func mergeTimestamps(frames map[string]*ohlcv.Frame, symbols []string) []time.Time {
	seen := make(map[int64]time.Time)
	for _, sym := range symbols {
		for _, ts := range frames[sym].Timestamp {
			seen[ts.UnixMilli()] = ts
		}
	}
	keys := make([]int64, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]time.Time, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}
