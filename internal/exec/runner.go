package exec

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/risk"
	"github.com/quantforge/quantforge/internal/store"
	"github.com/quantforge/quantforge/internal/strategy"
)

// signalLookbackBars is how much history the indicator pass gets when
// checking the latest bar for an entry.
const signalLookbackBars = 250

// Runner polls the LIVE set, re-runs each strategy's entry pass on the
// freshest cached bars and turns new last-bar entries into orders.
// Protective exits live on the venue as triggers; the runner only adds
// the time exit.
type Runner struct {
	strategies *store.StrategyRepo
	loader     strategy.Loader
	reader     *ohlcv.Reader
	trader     *Trader
	cfg        *config.Config
}

// NewRunner wires the live signal loop.
func NewRunner(strategies *store.StrategyRepo, loader strategy.Loader, reader *ohlcv.Reader, trader *Trader, cfg *config.Config) *Runner {
	return &Runner{
		strategies: strategies,
		loader:     loader,
		reader:     reader,
		trader:     trader,
		cfg:        cfg,
	}
}

// Run ticks until ctx is cancelled. The interval follows the shortest
// supported timeframe so no bar close is missed by more than a tick.
func (r *Runner) Run(ctx context.Context) error {
	interval := models.TF5m.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	live, err := r.strategies.ListByStatus(ctx, models.StatusLive, r.cfg.Rotator.MaxLive)
	if err != nil {
		log.Error().Err(err).Msg("live set query failed")
		return
	}
	for _, row := range live {
		r.runStrategy(ctx, row)
	}
}

func (r *Runner) runStrategy(ctx context.Context, row *models.Strategy) {
	inst, err := r.loader.Load(row.Name, row.Code)
	if err != nil {
		log.Error().Err(err).Str("strategy", row.Name).Msg("live strategy no longer loads")
		return
	}
	tf := row.Timeframe
	if row.OptimalTimeframe != nil {
		tf = *row.OptimalTimeframe
	}
	params := inst.Params()
	lookbackDays := int(math.Ceil(signalLookbackBars/tf.BarsPerDay())) + 1

	for _, sym := range row.BacktestPairs {
		if r.trader.Holds(sym) {
			r.maybeTimeExit(ctx, sym, tf, params.ExitBars)
			continue
		}
		frame, err := r.reader.Read(sym, string(tf), lookbackDays, time.Time{})
		if err != nil || frame.Len() < 2 {
			continue
		}
		entries, err := inst.Entries(frame)
		if err != nil {
			log.Warn().Err(err).Str("strategy", row.Name).Str("symbol", sym).Msg("entry pass failed")
			continue
		}
		last := frame.Len() - 1
		if !entries[last] {
			continue
		}
		// Only act on a fresh bar; stale cache must not trigger entries.
		if time.Since(frame.Timestamp[last]) > 2*tf.Duration() {
			continue
		}
		r.enter(ctx, row, inst, sym, params)
	}
}

func (r *Runner) enter(ctx context.Context, row *models.Strategy, inst strategy.Instance, sym string, params models.StrategyParams) {
	mid, err := r.trader.client.Mid(ctx, sym)
	if err != nil {
		log.Warn().Err(err).Str("symbol", sym).Msg("no mid for entry")
		return
	}

	sig := risk.Signal{Symbol: sym, Entry: mid, Leverage: params.Leverage}
	if inst.Direction() == strategy.Long {
		sig.Direction = "long"
		sig.StopLoss = mid * (1 - params.SLPct)
		if params.TPPct > 0 {
			sig.TakeProfit = mid * (1 + params.TPPct)
		}
	} else {
		sig.Direction = "short"
		sig.StopLoss = mid * (1 + params.SLPct)
		if params.TPPct > 0 {
			sig.TakeProfit = mid * (1 - params.TPPct)
		}
	}

	if err := r.trader.Execute(ctx, row.ID, sig); err != nil {
		log.Warn().Err(err).Str("strategy", row.Name).Str("symbol", sym).Msg("entry refused")
	}
}

// maybeTimeExit closes a position once exit_bars bar intervals have
// elapsed since entry.
func (r *Runner) maybeTimeExit(ctx context.Context, sym string, tf models.Timeframe, exitBars int) {
	if exitBars <= 0 {
		return
	}
	opened, ok := r.trader.EntryTime(sym)
	if !ok {
		return
	}
	if time.Since(opened) < time.Duration(exitBars)*tf.Duration() {
		return
	}
	mid, err := r.trader.client.Mid(ctx, sym)
	if err != nil {
		return
	}
	// Close routes to the position's own strategy via the tracked state.
	sig := risk.Signal{Symbol: sym, Direction: "close", Entry: mid}
	if err := r.trader.Execute(ctx, uuid.Nil, sig); err != nil {
		log.Warn().Err(err).Str("symbol", sym).Msg("time exit failed")
	}
}
