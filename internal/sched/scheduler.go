package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/metrics"
	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/score"
	"github.com/quantforge/quantforge/internal/store"
)

const (
	reapInterval        = time.Minute
	liveRefreshInterval = 5 * time.Minute
	freshnessInterval   = time.Hour
	liveTradeWindow     = 500
)

// Scheduler runs the maintenance loops: stale-claim reaping, the live
// metric rollup, cache freshness checks and pipeline snapshots.
type Scheduler struct {
	strategies *store.StrategyRepo
	trades     *store.TradeRepo
	snapshots  *store.MetricsSnapshotRepo
	liveScorer *score.LiveScorer
	reader     *ohlcv.Reader
	registry   *metrics.Registry
	cfg        *config.Config
}

// New wires the scheduler.
func New(s *store.Store, reader *ohlcv.Reader, registry *metrics.Registry, cfg *config.Config) *Scheduler {
	scorer := score.NewScorer(cfg.Scorer.Weights)
	return &Scheduler{
		strategies: store.NewStrategyRepo(s),
		trades:     store.NewTradeRepo(s),
		snapshots:  store.NewMetricsSnapshotRepo(s),
		liveScorer: score.NewLiveScorer(scorer, cfg.Scorer.MinTrades, cfg.Scorer.MinTradesForFreq, cfg.Scorer.MinDaysForFreq),
		reader:     reader,
		registry:   registry,
		cfg:        cfg,
	}
}

// Run starts every loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"stale-claim-reaper", reapInterval, s.reapStaleClaims},
		{"live-rollup", liveRefreshInterval, s.refreshLiveMetrics},
		{"cache-freshness", freshnessInterval, s.checkCacheFreshness},
		{"snapshot", time.Duration(s.cfg.Metrics.SnapshotSec) * time.Second, s.writeSnapshot},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, fn func(context.Context)) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			log.Info().Str("loop", name).Dur("interval", interval).Msg("scheduler loop started")
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn(ctx)
				}
			}
		}(loop.name, loop.interval, loop.fn)
	}
	wg.Wait()
	return nil
}

// reapStaleClaims resets leases older than the stale threshold, the
// recovery path for workers that died mid-backtest.
func (s *Scheduler) reapStaleClaims(ctx context.Context) {
	n, err := s.strategies.ReapStaleClaims(ctx, s.cfg.Pipeline.StaleThreshold())
	if err != nil {
		log.Error().Err(err).Msg("stale claim reap failed")
		return
	}
	if n > 0 {
		s.registry.StaleClaimsReaped.Add(float64(n))
		log.Warn().Int("reaped", n).Msg("stale claims reset")
	}
}

// refreshLiveMetrics rolls the trade table up onto LIVE rows in
// batches. Strategies with too few trades keep their previous rollup.
func (s *Scheduler) refreshLiveMetrics(ctx context.Context) {
	live, err := s.strategies.ListByStatus(ctx, models.StatusLive, s.cfg.Scorer.LiveRefreshBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("live set query failed")
		return
	}
	updated := 0
	for _, row := range live {
		trades, err := s.trades.ListByStrategy(ctx, row.ID, liveTradeWindow)
		if err != nil {
			log.Warn().Err(err).Str("strategy", row.Name).Msg("trade window query failed")
			continue
		}
		scoreBacktest := 0.0
		if row.ScoreBacktest != nil {
			scoreBacktest = *row.ScoreBacktest
		}
		m, err := s.liveScorer.ScoreTrades(trades, scoreBacktest)
		if errors.Is(err, score.ErrInsufficientData) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("strategy", row.Name).Msg("live scoring failed")
			continue
		}
		if err := s.strategies.UpdateLiveMetrics(ctx, row.ID, m); err != nil {
			log.Error().Err(err).Str("strategy", row.Name).Msg("live rollup write failed")
			continue
		}
		updated++
	}
	if updated > 0 {
		log.Info().Int("updated", updated).Int("live", len(live)).Msg("live metrics refreshed")
	}
}

// checkCacheFreshness warns about symbols whose newest bar has gone
// stale; the downloader runs out-of-band, this is detection only.
func (s *Scheduler) checkCacheFreshness(ctx context.Context) {
	_ = ctx
	stale := 0
	checked := 0
	for _, tf := range models.Timeframes {
		symbols, err := s.reader.ListCachedSymbols(string(tf))
		if err != nil {
			log.Error().Err(err).Msg("cache listing failed")
			return
		}
		for _, sym := range symbols {
			info, err := s.reader.Info(sym, string(tf))
			if err != nil {
				continue
			}
			checked++
			// Same freshness rule the live runner applies before entering.
			if time.Since(info.LastTS) > 2*tf.Duration() {
				stale++
				log.Debug().
					Str("symbol", sym).
					Str("timeframe", string(tf)).
					Time("last_bar", info.LastTS).
					Msg("stale cache file")
			}
		}
	}
	if stale > 0 {
		log.Warn().Int("stale", stale).Int("checked", checked).Msg("cache freshness check")
	} else {
		log.Debug().Int("checked", checked).Msg("cache fresh")
	}
}

// writeSnapshot appends one pipeline observability row and refreshes
// the gauges.
func (s *Scheduler) writeSnapshot(ctx context.Context) {
	counts, err := s.strategies.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("pipeline depth query failed")
		return
	}
	s.registry.SetQueueDepths(counts)
	active := counts[models.StatusActive]
	snap := &models.PipelineMetricsSnapshot{
		StatusCounts:    counts,
		PoolSize:        active,
		PoolMaxSize:     s.cfg.Pool.MaxSize,
		PoolUtilization: float64(active) / float64(s.cfg.Pool.MaxSize),
	}
	s.registry.PoolUtilization.Set(snap.PoolUtilization)
	if err := s.snapshots.Insert(ctx, snap); err != nil {
		log.Error().Err(err).Msg("snapshot write failed")
	}
}
