package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/evaluate"
	"github.com/quantforge/quantforge/internal/metrics"
	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/parametric"
	"github.com/quantforge/quantforge/internal/pool"
	"github.com/quantforge/quantforge/internal/score"
	"github.com/quantforge/quantforge/internal/store"
	"github.com/quantforge/quantforge/internal/strategy"
)

// Orchestrator drives the backtest pipeline: N_base workers consume
// VALIDATED strategies, elastic workers prefer ACTIVE retests and fall
// back to new work. All cross-process coordination happens through the
// store's claim leases.
type Orchestrator struct {
	strategies *store.StrategyRepo
	results    *store.BacktestResultRepo
	pool       *pool.Manager
	evaluator  *evaluate.Evaluator
	scorer     *score.Scorer
	loader     strategy.Loader
	reader     *ohlcv.Reader
	kernel     *parametric.Kernel
	universe   Universe
	registry   *metrics.Registry
	cfg        *config.Config
}

// New wires the orchestrator. The universe is typically the execution
// client; offline runs pass a StaticUniverse.
func New(s *store.Store, loader strategy.Loader, reader *ohlcv.Reader, universe Universe, registry *metrics.Registry, cfg *config.Config) *Orchestrator {
	results := store.NewBacktestResultRepo(s)
	return &Orchestrator{
		strategies: store.NewStrategyRepo(s),
		results:    results,
		pool:       pool.NewManager(s, cfg.Pool.MaxSize, cfg.Pool.MinScoreEntry),
		evaluator:  evaluate.NewEvaluator(reader, results, cfg.Backtesting),
		scorer:     score.NewScorer(cfg.Scorer.Weights),
		loader:     loader,
		reader:     reader,
		kernel:     parametric.NewKernel(cfg.Risk.LiquidationBufferPct),
		universe:   universe,
		registry:   registry,
		cfg:        cfg,
	}
}

// Run blocks until ctx is cancelled, then releases every lease this
// process still holds.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.statusLoop(ctx)
	}()

	for w := 0; w < o.cfg.Backtesting.ThreadsValidated; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.workerLoop(ctx, id, false)
		}(w)
	}
	for w := 0; w < o.cfg.Backtesting.ThreadsRetest; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.workerLoop(ctx, id, true)
		}(o.cfg.Backtesting.ThreadsValidated + w)
	}

	wg.Wait()

	// The run context is gone; leases must still be released.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	released, err := o.strategies.ReleaseAllByProcess(releaseCtx)
	if err != nil {
		return err
	}
	log.Info().Int("released", released).Msg("orchestrator stopped")
	return nil
}

func (o *Orchestrator) backpressureCfg() (base, inc, max time.Duration) {
	bp := o.cfg.Pipeline.Backpressure
	toDur := func(sec float64) time.Duration {
		return time.Duration(sec * float64(time.Second))
	}
	return toDur(bp.BaseCooldownSec), toDur(bp.CooldownIncrementSec), toDur(bp.MaxCooldownSec)
}

// workerLoop is one dispatch slot. Elastic slots prefer retest work;
// base slots never touch it. Both validate GENERATED rows when their
// primary queue is empty.
func (o *Orchestrator) workerLoop(ctx context.Context, id int, elastic bool) {
	base, inc, max := o.backpressureCfg()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Downstream backpressure: a full pool throttles claiming, never
		// a running worker.
		if size, err := o.pool.Size(ctx); err == nil {
			if cd := store.CalculateBackpressureCooldown(size, o.pool.MaxSize(), base, inc, max); cd > 0 {
				log.Debug().Int("worker", id).Dur("cooldown", cd).Msg("pool backpressure")
				sleepCtx(ctx, cd)
				continue
			}
		}

		worked := false
		if elastic {
			worked = o.tryRetest(ctx, id)
		}
		if !worked {
			worked = o.tryNewWork(ctx, id)
		}
		if !worked {
			worked = o.tryValidate(ctx, id)
		}
		if !worked {
			sleepCtx(ctx, base)
		}
	}
}

// statusLoop logs pipeline depth and refreshes the gauges.
func (o *Orchestrator) statusLoop(ctx context.Context) {
	interval := time.Duration(o.cfg.Pipeline.LogIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		counts, err := o.strategies.CountByStatus(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("pipeline depth query failed")
			continue
		}
		o.registry.SetQueueDepths(counts)
		active := counts[models.StatusActive]
		o.registry.PoolUtilization.Set(float64(active) / float64(o.pool.MaxSize()))
		log.Info().
			Int("generated", counts[models.StatusGenerated]).
			Int("validated", counts[models.StatusValidated]).
			Int("active", active).
			Int("live", counts[models.StatusLive]).
			Int("pool_max", o.pool.MaxSize()).
			Msg("pipeline depth")
	}
}

// tryValidate claims one GENERATED row and checks that its code loads.
// Unloadable code is deleted outright.
func (o *Orchestrator) tryValidate(ctx context.Context, worker int) bool {
	row, err := o.strategies.ClaimNew(ctx, models.StatusGenerated)
	if err != nil {
		log.Warn().Err(err).Int("worker", worker).Msg("claim generated failed")
		return false
	}
	if row == nil {
		return false
	}

	if _, err := o.loader.Load(row.Name, row.Code); err != nil {
		log.Warn().Err(err).Str("strategy", row.Name).Msg("strategy code rejected")
		o.registry.BacktestOutcomes.WithLabelValues("load_failed").Inc()
		if ferr := o.strategies.MarkFailed(ctx, row.ID, err.Error(), errors.Is(err, strategy.ErrLoader)); ferr != nil {
			log.Error().Err(ferr).Str("strategy", row.Name).Msg("mark failed errored")
		}
		return true
	}
	if err := o.strategies.Release(ctx, row.ID, models.StatusValidated); err != nil {
		log.Error().Err(err).Str("strategy", row.Name).Msg("release to validated failed")
		return true
	}
	log.Debug().Str("strategy", row.Name).Msg("strategy validated")
	return true
}

// tryNewWork claims one VALIDATED row and runs the full new-work flow.
func (o *Orchestrator) tryNewWork(ctx context.Context, worker int) bool {
	row, err := o.strategies.ClaimNew(ctx, models.StatusValidated)
	if err != nil {
		log.Warn().Err(err).Int("worker", worker).Msg("claim validated failed")
		return false
	}
	if row == nil {
		return false
	}

	started := time.Now()
	o.processNewWork(ctx, row)
	o.registry.BacktestDuration.Observe(time.Since(started).Seconds())
	return true
}

// tryRetest claims the stalest ACTIVE row due for a re-backtest.
func (o *Orchestrator) tryRetest(ctx context.Context, worker int) bool {
	before := time.Now().Add(-time.Duration(o.cfg.Backtesting.RetestIntervalDays) * 24 * time.Hour)
	row, err := o.strategies.ClaimRetest(ctx, before)
	if err != nil {
		log.Warn().Err(err).Int("worker", worker).Msg("claim retest failed")
		return false
	}
	if row == nil {
		return false
	}

	started := time.Now()
	o.processRetest(ctx, row)
	o.registry.BacktestDuration.Observe(time.Since(started).Seconds())
	return true
}

// processNewWork runs load, coin selection, the split-sample
// evaluation, walk-forward stability, scoring, parametric promotion and
// pool admission for one claimed VALIDATED row.
func (o *Orchestrator) processNewWork(ctx context.Context, row *models.Strategy) {
	eval, inst, ok := o.evaluateClaimed(ctx, row, true)
	if !ok {
		return
	}

	sc := o.scoreAndPersist(ctx, row, eval)

	// Parametric children re-enter the pipeline as GENERATED; template
	// children themselves are never re-multiplied.
	if row.GenerationMode != models.GenerationTemplate {
		if err := o.runParametric(ctx, row, inst, eval); err != nil {
			log.Warn().Err(err).Str("strategy", row.Name).Msg("parametric promotion failed")
		}
	}

	outcome, err := o.pool.TryEnterPool(ctx, row.ID, sc)
	if err != nil {
		log.Error().Err(err).Str("strategy", row.Name).Msg("pool admission errored")
		return
	}
	o.recordPoolOutcome(row, sc, outcome)
}

// processRetest is the same flow without parametric multiplication; the
// result feeds revalidation instead of first admission.
func (o *Orchestrator) processRetest(ctx context.Context, row *models.Strategy) {
	eval, _, ok := o.evaluateClaimed(ctx, row, false)
	if !ok {
		return
	}

	sc := o.scoreAndPersist(ctx, row, eval)
	outcome, err := o.pool.RevalidateAfterRetest(ctx, row.ID, sc)
	if errors.Is(err, pool.ErrNotInPool) {
		// The row left the pool while the retest ran (operator retire,
		// rotation). Nothing to revalidate.
		log.Warn().Str("strategy", row.Name).Msg("retested strategy no longer in pool")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("strategy", row.Name).Msg("pool revalidation errored")
		return
	}
	if outcome.Admitted {
		o.registry.BacktestOutcomes.WithLabelValues("retest_kept").Inc()
	} else {
		o.registry.BacktestOutcomes.WithLabelValues("retest_retired").Inc()
		o.registry.Retirements.WithLabelValues("retest").Inc()
	}
	log.Info().
		Str("strategy", row.Name).
		Float64("score", sc).
		Bool("kept", outcome.Admitted).
		Str("reason", outcome.Reason).
		Msg("retest complete")
}

// evaluateClaimed runs the shared portion of both flows. deleteOnLoad
// controls whether unloadable code removes the row (new work) or only
// fails it (retest of a previously working strategy).
func (o *Orchestrator) evaluateClaimed(ctx context.Context, row *models.Strategy, deleteOnLoad bool) (*evaluate.TFEvaluation, strategy.Instance, bool) {
	inst, err := o.loader.Load(row.Name, row.Code)
	if err != nil {
		o.registry.BacktestOutcomes.WithLabelValues("load_failed").Inc()
		del := deleteOnLoad && errors.Is(err, strategy.ErrLoader)
		if ferr := o.strategies.MarkFailed(ctx, row.ID, err.Error(), del); ferr != nil {
			log.Error().Err(ferr).Str("strategy", row.Name).Msg("mark failed errored")
		}
		return nil, nil, false
	}

	coins, ok := o.selectCoins(ctx, row)
	if !ok {
		return nil, nil, false
	}

	eval, err := o.evaluator.EvaluateTF(ctx, row, inst, row.Timeframe, coins)
	if err != nil {
		o.handleEvaluationError(ctx, row, err)
		return nil, nil, false
	}

	wf := o.evaluator.WalkForward(inst, eval.TrainingFrames, row.Timeframe)
	if wf.Skipped {
		log.Debug().Str("strategy", row.Name).Str("reason", wf.SkipReason).Msg("walk-forward skipped")
	} else {
		eval.TrainingRow.WalkForwardStability = wf.Stability
		eval.TrainingRow.WeightedWalkForwardStability = wf.Stability
		if err := o.results.UpdateStability(ctx, eval.TrainingRow.ID, wf.Stability, wf.Stability); err != nil {
			log.Warn().Err(err).Str("strategy", row.Name).Msg("stability update failed")
		}
	}
	return eval, inst, true
}

// selectCoins applies the scroll-down routine: pattern strategies walk
// their edge-ordered coin list, everything else walks the venue's
// volume order.
func (o *Orchestrator) selectCoins(ctx context.Context, row *models.Strategy) ([]string, bool) {
	candidates := row.PatternCoins
	if len(candidates) == 0 {
		ordered, err := o.universe.OrderedSymbols(ctx)
		if err != nil {
			log.Error().Err(err).Msg("universe symbols unavailable")
			o.releaseBack(ctx, row)
			return nil, false
		}
		candidates = ordered
	}
	active, err := o.universe.ActiveSymbols(ctx)
	if err != nil {
		log.Error().Err(err).Msg("universe active set unavailable")
		o.releaseBack(ctx, row)
		return nil, false
	}

	bt := o.cfg.Backtesting
	selector := evaluate.NewCoinSelector(o.reader, active, bt.MinCoveragePct, bt.TrainingDays, bt.HoldoutDays)
	coins, err := selector.Select(candidates, row.Timeframe, bt.MaxCoins, bt.MinCoins)
	if err != nil {
		var reject *evaluate.RejectError
		if errors.As(err, &reject) {
			o.registry.BacktestOutcomes.WithLabelValues("coin_rejected").Inc()
			o.registry.Retirements.WithLabelValues("coin_selection").Inc()
			if rerr := o.strategies.Retire(ctx, row.ID, reject.Reason); rerr != nil {
				log.Error().Err(rerr).Str("strategy", row.Name).Msg("retire errored")
			}
			return nil, false
		}
		log.Error().Err(err).Str("strategy", row.Name).Msg("coin selection errored")
		o.releaseBack(ctx, row)
		return nil, false
	}
	return coins, true
}

func (o *Orchestrator) handleEvaluationError(ctx context.Context, row *models.Strategy, err error) {
	var validation *evaluate.ValidationError
	var reject *evaluate.RejectError
	switch {
	case errors.As(err, &validation):
		o.registry.BacktestOutcomes.WithLabelValues("validation_rejected").Inc()
		o.registry.Retirements.WithLabelValues("validation").Inc()
		if rerr := o.strategies.Retire(ctx, row.ID, validation.Reason); rerr != nil {
			log.Error().Err(rerr).Str("strategy", row.Name).Msg("retire errored")
		}
	case errors.As(err, &reject):
		o.registry.BacktestOutcomes.WithLabelValues("coin_rejected").Inc()
		o.registry.Retirements.WithLabelValues("coin_selection").Inc()
		if rerr := o.strategies.Retire(ctx, row.ID, reject.Reason); rerr != nil {
			log.Error().Err(rerr).Str("strategy", row.Name).Msg("retire errored")
		}
	default:
		o.registry.BacktestOutcomes.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("strategy", row.Name).Msg("evaluation errored")
		if ferr := o.strategies.MarkFailed(ctx, row.ID, err.Error(), false); ferr != nil {
			log.Error().Err(ferr).Str("strategy", row.Name).Msg("mark failed errored")
		}
	}
}

// scoreAndPersist computes the composite score and stamps the retest
// clock before any pool decision, so an admitted row always carries a
// score and a fresh last_backtested_at.
func (o *Orchestrator) scoreAndPersist(ctx context.Context, row *models.Strategy, eval *evaluate.TFEvaluation) float64 {
	sc := o.scorer.ScoreFromBacktestResult(eval.TrainingRow, eval.Validation.Degradation)
	if err := o.strategies.SetBacktestOutcome(ctx, row.ID, sc, eval.Timeframe, eval.Coins); err != nil {
		log.Error().Err(err).Str("strategy", row.Name).Msg("backtest outcome write failed")
	}
	return sc
}

func (o *Orchestrator) recordPoolOutcome(row *models.Strategy, sc float64, outcome *pool.Outcome) {
	switch {
	case outcome.Admitted:
		o.registry.BacktestOutcomes.WithLabelValues("admitted").Inc()
		o.registry.PoolAdmissions.Inc()
		if outcome.Evicted != nil {
			o.registry.PoolEvictions.Inc()
			o.registry.Retirements.WithLabelValues("evicted").Inc()
		}
	default:
		o.registry.BacktestOutcomes.WithLabelValues("pool_rejected").Inc()
		o.registry.Retirements.WithLabelValues("pool").Inc()
	}
	log.Info().
		Str("strategy", row.Name).
		Float64("score", sc).
		Bool("admitted", outcome.Admitted).
		Str("reason", outcome.Reason).
		Msg("new-work complete")
}

// releaseBack returns a claimed row to its queue after a transient
// infrastructure error so another worker can retry it.
func (o *Orchestrator) releaseBack(ctx context.Context, row *models.Strategy) {
	if err := o.strategies.Release(ctx, row.ID, row.Status); err != nil {
		log.Error().Err(err).Str("strategy", row.Name).Msg("release back failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
