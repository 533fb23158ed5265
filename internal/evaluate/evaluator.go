package evaluate

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/backtest"
	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/store"
	"github.com/quantforge/quantforge/internal/strategy"
)

// ValidationError rejects a strategy for a timeframe; the row is
// retired with the reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// HoldoutValidation is the anti-overfit gate outcome.
type HoldoutValidation struct {
	Passed       bool
	Reason       string
	Degradation  float64
	HoldoutBonus float64
}

// TFEvaluation is one timeframe's full split-sample result.
type TFEvaluation struct {
	Timeframe   models.Timeframe
	Coins       []string
	Training    *backtest.Result
	Holdout     *backtest.Result
	Validation  HoldoutValidation
	FinalScore  float64
	TrainingRow *models.BacktestResult
	HoldoutRow  *models.BacktestResult

	// Frames are kept for the walk-forward and parametric passes so
	// the cache is not re-read.
	TrainingFrames map[string]*ohlcv.Frame
	HoldoutFrames  map[string]*ohlcv.Frame
}

// Evaluator runs the training/holdout evaluation and persists the row
// pair.
type Evaluator struct {
	reader  *ohlcv.Reader
	results *store.BacktestResultRepo
	cfg     config.BacktestingConfig
}

// NewEvaluator wires the evaluator to the cache and result repo.
func NewEvaluator(reader *ohlcv.Reader, results *store.BacktestResultRepo, cfg config.BacktestingConfig) *Evaluator {
	return &Evaluator{reader: reader, results: results, cfg: cfg}
}

// EvaluateTF runs training and holdout for one timeframe and applies
// the anti-overfit gate. Both result rows are persisted and linked even
// when holdout has zero trades; the link is written last so racing
// readers see the pair or only the training row.
func (e *Evaluator) EvaluateTF(ctx context.Context, row *models.Strategy, inst strategy.Instance, tf models.Timeframe, coins []string) (*TFEvaluation, error) {
	duals, err := e.reader.ReadMultiSymbolDualPeriods(coins, string(tf),
		e.cfg.TrainingDays, e.cfg.HoldoutDays, e.cfg.MinCoveragePct)
	if err != nil {
		return nil, fmt.Errorf("load dual periods: %w", err)
	}
	if len(duals) == 0 {
		return nil, &RejectError{Reason: ReasonInsufficientCoverage}
	}

	trainingFrames := make(map[string]*ohlcv.Frame, len(duals))
	holdoutFrames := make(map[string]*ohlcv.Frame, len(duals))
	for sym, dual := range duals {
		trainingFrames[sym] = dual.Training
		holdoutFrames[sym] = dual.Holdout
	}

	engine := backtest.NewEngine(e.cfg.InitialCapital, e.cfg.MaxPositions)
	training, err := engine.Run(inst, trainingFrames, tf)
	if err != nil {
		return nil, fmt.Errorf("training backtest: %w", err)
	}
	if training.TotalTrades == 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("no training trades on %s", tf)}
	}

	holdoutEngine := backtest.NewEngine(e.cfg.InitialCapital, e.cfg.MaxPositions)
	holdoutEngine.MinBars = backtest.HoldoutMinBars
	holdout, err := holdoutEngine.Run(inst, holdoutFrames, tf)
	if err != nil {
		return nil, fmt.Errorf("holdout backtest: %w", err)
	}

	validation := e.ValidateHoldout(training.Metrics, holdout.Metrics)
	if !validation.Passed {
		return nil, &ValidationError{Reason: validation.Reason}
	}

	eval := &TFEvaluation{
		Timeframe:  tf,
		Coins:      coins,
		Training:   training,
		Holdout:    holdout,
		Validation: validation,
		FinalScore: finalScore(training.Metrics, holdout.Metrics, validation, e.cfg.Holdout.RecencyWeight),

		TrainingFrames: trainingFrames,
		HoldoutFrames:  holdoutFrames,
	}
	eval.TrainingRow = e.buildRow(row.ID, models.PeriodTraining, e.cfg.TrainingDays, tf, training, coins)
	eval.HoldoutRow = e.buildRow(row.ID, models.PeriodHoldout, e.cfg.HoldoutDays, tf, holdout, coins)
	e.fillWeighted(eval)

	if err := e.results.Insert(ctx, eval.TrainingRow); err != nil {
		return nil, err
	}
	if err := e.results.Insert(ctx, eval.HoldoutRow); err != nil {
		return nil, err
	}
	if err := e.results.LinkHoldout(ctx, eval.TrainingRow.ID, eval.HoldoutRow.ID); err != nil {
		return nil, err
	}
	eval.TrainingRow.RecentResultID = &eval.HoldoutRow.ID

	log.Debug().
		Str("strategy", row.Name).
		Str("timeframe", string(tf)).
		Int("training_trades", training.TotalTrades).
		Int("holdout_trades", holdout.TotalTrades).
		Float64("degradation", validation.Degradation).
		Float64("final_score", eval.FinalScore).
		Msg("timeframe evaluated")
	return eval, nil
}

// ValidateHoldout applies the anti-overfit gate.
func (e *Evaluator) ValidateHoldout(training, holdout backtest.Metrics) HoldoutValidation {
	h := e.cfg.Holdout
	t := e.cfg.Thresholds

	if training.SharpeRatio < t.MinSharpe {
		return HoldoutValidation{Reason: fmt.Sprintf(
			"Training sharpe %.2f below minimum %.2f", training.SharpeRatio, t.MinSharpe)}
	}
	if holdout.TotalTrades == 0 {
		return HoldoutValidation{Passed: true, HoldoutBonus: -0.30,
			Reason: "holdout dormant (zero trades)"}
	}

	degradation := 0.0
	if training.SharpeRatio != 0 {
		degradation = (training.SharpeRatio - holdout.SharpeRatio) / training.SharpeRatio
	}

	if holdout.TotalTrades < h.MinTrades {
		return HoldoutValidation{Passed: true, HoldoutBonus: -0.15,
			Degradation: degradation,
			Reason:      fmt.Sprintf("holdout thin (%d trades)", holdout.TotalTrades)}
	}
	if degradation > h.MaxDegradation {
		return HoldoutValidation{Degradation: degradation, Reason: fmt.Sprintf(
			"Overfitted: holdout %.0f%% worse", degradation*100)}
	}
	if holdout.SharpeRatio < h.MinSharpe {
		return HoldoutValidation{Degradation: degradation, Reason: fmt.Sprintf(
			"Holdout sharpe %.2f below minimum %.2f", holdout.SharpeRatio, h.MinSharpe)}
	}

	var bonus float64
	if degradation <= 0 {
		bonus = math.Min(0.20, math.Abs(degradation)*0.5)
	} else {
		bonus = -0.10 * degradation
	}
	return HoldoutValidation{Passed: true, Degradation: degradation, HoldoutBonus: bonus}
}

// finalScore is the recency-weighted blend of the two period scores.
func finalScore(training, holdout backtest.Metrics, v HoldoutValidation, recencyWeight float64) float64 {
	trainingScore := 0.5*training.SharpeRatio + 0.3*training.Expectancy + 0.2*training.WinRate
	holdoutScore := 0.5*holdout.SharpeRatio + 0.3*holdout.Expectancy + 0.2*holdout.WinRate
	w := recencyWeight
	return (trainingScore*(1-w) + holdoutScore*w) * (1 + v.HoldoutBonus)
}

func (e *Evaluator) buildRow(strategyID uuid.UUID, period models.PeriodType, days int, tf models.Timeframe, res *backtest.Result, coins []string) *models.BacktestResult {
	return &models.BacktestResult{
		ID:               uuid.New(),
		StrategyID:       strategyID,
		PeriodType:       period,
		PeriodDays:       days,
		StartDate:        res.Start,
		EndDate:          res.End,
		TotalTrades:      res.TotalTrades,
		WinRate:          res.WinRate,
		SharpeRatio:      res.SharpeRatio,
		Expectancy:       res.Expectancy,
		MaxDrawdown:      res.MaxDrawdown,
		TotalReturnPct:   res.TotalReturn,
		FinalEquity:      res.FinalEquity,
		SymbolsTested:    coins,
		TimeframeTested:  tf,
		// Single-timeframe search: the assigned timeframe is the
		// optimal one by construction.
		IsOptimalTF:      true,
		PerSymbolResults: res.SymbolBreakdown,
	}
}

// fillWeighted stores the recency-blended metrics on the training row
// for the downstream scorer. weighted_sharpe carries the holdout bonus;
// the pure variant does not.
func (e *Evaluator) fillWeighted(eval *TFEvaluation) {
	w := e.cfg.Holdout.RecencyWeight
	t, h := eval.Training.Metrics, eval.Holdout.Metrics
	row := eval.TrainingRow

	blend := func(a, b float64) float64 { return a*(1-w) + b*w }
	row.WeightedSharpePure = blend(t.SharpeRatio, h.SharpeRatio)
	row.WeightedSharpe = row.WeightedSharpePure * (1 + eval.Validation.HoldoutBonus)
	row.WeightedExpectancy = blend(t.Expectancy, h.Expectancy)
	row.WeightedWinRate = blend(t.WinRate, h.WinRate)
	row.WeightedMaxDrawdown = blend(t.MaxDrawdown, h.MaxDrawdown)
	if t.SharpeRatio != 0 {
		row.RecencyRatio = h.SharpeRatio / t.SharpeRatio
	}
	if eval.Validation.HoldoutBonus < 0 {
		row.RecencyPenalty = -eval.Validation.HoldoutBonus
	}
}
