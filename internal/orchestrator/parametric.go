package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/backtest"
	"github.com/quantforge/quantforge/internal/evaluate"
	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/parametric"
	"github.com/quantforge/quantforge/internal/strategy"
)

const maxParametricChildren = 5

// Pattern-centered exploration around the authored base values.
var (
	patternFactors     = []float64{0.5, 0.75, 1.0, 1.25, 1.5}
	patternExitOffsets = []int{-4, -2, 0, 2, 4}
)

// runParametric multiplies one evaluated strategy across the parameter
// space on its training frames. The best survivor's tuple is written
// back into the parent's code; the remaining survivors are re-checked
// on holdout and inserted as independent GENERATED children. A child
// and its parent differ only in the tunable tuple; the entry signals
// are identical.
func (o *Orchestrator) runParametric(ctx context.Context, row *models.Strategy, inst strategy.Instance, eval *evaluate.TFEvaluation) error {
	grid, ok := o.cfg.Parametric.Grids[eval.Timeframe]
	if !ok {
		log.Debug().Str("timeframe", string(eval.Timeframe)).Msg("no parametric grid for timeframe")
		return nil
	}

	var tuples []parametric.Tuple
	if len(row.PatternCoins) > 0 {
		tuples = parametric.PatternCenteredSpace(inst.Params(), patternFactors, patternExitOffsets, o.cfg.Parametric.Leverage)
	} else {
		tuples = parametric.AbsoluteSpace(grid, o.cfg.Parametric.Leverage)
	}
	if len(tuples) == 0 {
		return nil
	}

	in, err := o.buildKernelInputs(inst, eval.TrainingFrames, parametric.StopSpecFromGrid(grid))
	if err != nil {
		return fmt.Errorf("kernel inputs: %w", err)
	}

	survivors, err := o.kernel.Evaluate(in, tuples, parametric.FilterFromThresholds(o.cfg.Backtesting.Thresholds))
	if err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	if len(survivors) == 0 {
		log.Debug().Str("strategy", row.Name).Int("tuples", len(tuples)).Msg("no parametric survivors")
		return nil
	}

	best := survivors[0]
	if best.Tuple != inst.Params() {
		newCode, err := strategy.RewriteParams(o.loader, row.Name, row.Code, best.Tuple)
		if err != nil {
			log.Warn().Err(err).Str("strategy", row.Name).Msg("best-tuple rewrite failed, parent untouched")
		} else if err := o.strategies.UpdateCode(ctx, row.ID, newCode, best.Tuple); err != nil {
			log.Error().Err(err).Str("strategy", row.Name).Msg("code update failed")
		} else {
			row.Code = newCode
			log.Info().
				Str("strategy", row.Name).
				Float64("sl_pct", best.SLPct).
				Float64("tp_pct", best.TPPct).
				Float64("leverage", best.Leverage).
				Int("exit_bars", best.ExitBars).
				Msg("parent parameters upgraded")
		}
	}

	spawned := 0
	for _, sv := range survivors[1:] {
		if spawned >= maxParametricChildren {
			break
		}
		if o.spawnChild(ctx, row, eval, sv.Tuple) {
			spawned++
		}
	}
	if spawned > 0 {
		log.Info().Str("strategy", row.Name).Int("children", spawned).Msg("parametric children generated")
	}
	return nil
}

// spawnChild rewrites one surviving tuple into fresh code, re-validates
// it on the evaluation's holdout frames, and inserts it as a GENERATED
// row pointing back at the template.
func (o *Orchestrator) spawnChild(ctx context.Context, row *models.Strategy, eval *evaluate.TFEvaluation, tuple parametric.Tuple) bool {
	childID := uuid.New()
	name := row.ChildName(childID)

	code, err := strategy.RewriteParams(o.loader, name, row.Code, tuple)
	if err != nil {
		log.Debug().Err(err).Str("child", name).Msg("child rewrite failed")
		return false
	}
	childInst, err := o.loader.Load(name, code)
	if err != nil {
		return false
	}

	engine := backtest.NewEngine(o.cfg.Backtesting.InitialCapital, o.cfg.Backtesting.MaxPositions)
	training, err := engine.Run(childInst, eval.TrainingFrames, eval.Timeframe)
	if err != nil || training.TotalTrades == 0 {
		return false
	}
	holdoutEngine := backtest.NewEngine(o.cfg.Backtesting.InitialCapital, o.cfg.Backtesting.MaxPositions)
	holdoutEngine.MinBars = backtest.HoldoutMinBars
	holdout, err := holdoutEngine.Run(childInst, eval.HoldoutFrames, eval.Timeframe)
	if err != nil {
		return false
	}
	if v := o.evaluator.ValidateHoldout(training.Metrics, holdout.Metrics); !v.Passed {
		log.Debug().Str("child", name).Str("reason", v.Reason).Msg("child holdout re-check failed")
		return false
	}

	now := time.Now().UTC()
	child := &models.Strategy{
		ID:             childID,
		Name:           name,
		Kind:           row.Kind,
		Timeframe:      eval.Timeframe,
		Code:           code,
		PatternCoins:   row.PatternCoins,
		Parameters:     tuple,
		Status:         models.StatusGenerated,
		TemplateID:     &row.ID,
		PatternIDs:     row.PatternIDs,
		GenerationMode: models.GenerationTemplate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.strategies.Insert(ctx, child); err != nil {
		log.Warn().Err(err).Str("child", name).Msg("child insert failed")
		return false
	}
	return true
}

// buildKernelInputs aligns the per-symbol frames on the union timeline
// and runs the indicator pass exactly once per symbol. Bars a symbol
// does not cover carry forward its last known prices with no entry, so
// the kernel never trades on synthetic data. ATR and swing stop modes
// resolve here, once per symbol column, into the SLOverride matrix.
func (o *Orchestrator) buildKernelInputs(inst strategy.Instance, frames map[string]*ohlcv.Frame, stop parametric.StopSpec) (*parametric.Inputs, error) {
	symbols := make([]string, 0, len(frames))
	for sym := range frames {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	tsSet := make(map[time.Time]struct{})
	for _, f := range frames {
		for _, ts := range f.Timestamp {
			tsSet[ts] = struct{}{}
		}
	}
	timeline := make([]time.Time, 0, len(tsSet))
	for ts := range tsSet {
		timeline = append(timeline, ts)
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i].Before(timeline[j]) })
	if len(timeline) == 0 {
		return nil, fmt.Errorf("no bars across %d symbols", len(symbols))
	}
	index := make(map[time.Time]int, len(timeline))
	for i, ts := range timeline {
		index[ts] = i
	}

	bars := len(timeline)
	nsym := len(symbols)
	in := &parametric.Inputs{
		Symbols:      symbols,
		Timestamps:   timeline,
		Entries:      make([][]bool, bars),
		Directions:   make([][]int8, bars),
		Close:        make([][]float64, bars),
		High:         make([][]float64, bars),
		Low:          make([][]float64, bars),
		MaxLeverages: make([]float64, nsym),
	}
	for b := 0; b < bars; b++ {
		in.Entries[b] = make([]bool, nsym)
		in.Directions[b] = make([]int8, nsym)
		in.Close[b] = make([]float64, nsym)
		in.High[b] = make([]float64, nsym)
		in.Low[b] = make([]float64, nsym)
	}

	dir := int8(inst.Direction())
	for n, sym := range symbols {
		frame := frames[sym]
		entries, err := inst.Entries(frame)
		if err != nil {
			return nil, fmt.Errorf("entries for %s: %w", sym, err)
		}
		for i := 0; i < frame.Len(); i++ {
			b := index[frame.Timestamp[i]]
			in.Entries[b][n] = entries[i]
			in.Directions[b][n] = dir
			in.Close[b][n] = frame.Close[i]
			in.High[b][n] = frame.High[i]
			in.Low[b][n] = frame.Low[i]
		}
		// Forward-fill gaps so exit simulation never sees a zero price.
		var lastClose, lastHigh, lastLow float64
		for b := 0; b < bars; b++ {
			if in.Close[b][n] > 0 {
				lastClose, lastHigh, lastLow = in.Close[b][n], in.High[b][n], in.Low[b][n]
				continue
			}
			in.Close[b][n] = lastClose
			in.High[b][n] = lastHigh
			in.Low[b][n] = lastLow
			in.Entries[b][n] = false
		}
		in.MaxLeverages[n] = o.universe.MaxLeverage(sym)
	}

	if stop.Mode != "" && stop.Mode != parametric.StopFixed {
		in.SLOverride = make([][]float64, bars)
		for b := range in.SLOverride {
			in.SLOverride[b] = make([]float64, nsym)
		}
		high := make([]float64, bars)
		low := make([]float64, bars)
		closes := make([]float64, bars)
		for n, sym := range symbols {
			for b := 0; b < bars; b++ {
				high[b], low[b], closes[b] = in.High[b][n], in.Low[b][n], in.Close[b][n]
			}
			pcts, err := stop.Resolve(high, low, closes, dir < 0)
			if err != nil {
				return nil, fmt.Errorf("stop resolve for %s: %w", sym, err)
			}
			for b := 0; b < bars; b++ {
				in.SLOverride[b][n] = pcts[b]
			}
		}
	}
	return in, nil
}
