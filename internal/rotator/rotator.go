package rotator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/store"
)

// Rotator keeps the LIVE set equal to the best max_live strategies
// drawn from the ACTIVE pool and the current LIVE members. Leaving the
// live set is terminal: displaced and degraded LIVE strategies retire,
// they never re-enter the pool without going through admission.
type Rotator struct {
	strategies *store.StrategyRepo
	cfg        config.RotatorConfig
	poolMax    int
}

// New wires the rotator.
func New(s *store.Store, cfg config.RotatorConfig, poolMax int) *Rotator {
	return &Rotator{
		strategies: store.NewStrategyRepo(s),
		cfg:        cfg,
		poolMax:    poolMax,
	}
}

// Run rotates on the configured interval until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(r.cfg.IntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Rotate(ctx); err != nil {
				log.Error().Err(err).Msg("rotation failed")
			}
		}
	}
}

// liveRetirement is one LIVE row leaving the system, with its reason.
type liveRetirement struct {
	row    *models.Strategy
	reason string
}

// rotation is the outcome of one planning pass.
type rotation struct {
	promote []*models.Strategy
	retire  []liveRetirement
}

// planRotation decides which ACTIVE rows enter the live set and which
// LIVE rows leave it. Claimed ACTIVE rows are mid-retest and keep their
// status until the lease clears. The returned sets are disjoint: a LIVE
// row either survives, or retires with a reason.
func planRotation(live, active []*models.Strategy, maxLive int, degradationLimit float64) rotation {
	var out rotation

	survivors := live[:0:0]
	for _, row := range live {
		if row.LiveDegradationPct != nil && *row.LiveDegradationPct > degradationLimit {
			out.retire = append(out.retire, liveRetirement{
				row: row,
				reason: fmt.Sprintf("Live degradation %.0f%% exceeds limit %.0f%%",
					*row.LiveDegradationPct*100, degradationLimit*100),
			})
			continue
		}
		survivors = append(survivors, row)
	}

	type ranked struct {
		row   *models.Strategy
		score float64
		live  bool
	}
	var all []ranked
	for _, row := range survivors {
		all = append(all, ranked{row: row, score: backtestScore(row), live: true})
	}
	for _, row := range active {
		if row.Claimed() {
			continue
		}
		all = append(all, ranked{row: row, score: backtestScore(row)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	for i, rk := range all {
		in := i < maxLive
		switch {
		case rk.live && !in:
			out.retire = append(out.retire, liveRetirement{
				row:    rk.row,
				reason: fmt.Sprintf("Rotated out: score %.1f below live cutoff", rk.score),
			})
		case !rk.live && in:
			out.promote = append(out.promote, rk.row)
		}
	}
	return out
}

// Rotate performs one rotation pass.
func (r *Rotator) Rotate(ctx context.Context) error {
	live, err := r.strategies.ListByStatus(ctx, models.StatusLive, r.poolMax)
	if err != nil {
		return err
	}
	active, err := r.strategies.ListByStatus(ctx, models.StatusActive, r.poolMax)
	if err != nil {
		return err
	}

	plan := planRotation(live, active, r.cfg.MaxLive, r.cfg.LiveDegradationLimit)

	retired := 0
	for _, lr := range plan.retire {
		if err := r.strategies.Retire(ctx, lr.row.ID, lr.reason); err != nil {
			log.Error().Err(err).Str("strategy", lr.row.Name).Msg("live retire failed")
			continue
		}
		retired++
		log.Warn().
			Str("strategy", lr.row.Name).
			Str("reason", lr.reason).
			Msg("live strategy retired")
	}

	promoted := 0
	for _, row := range plan.promote {
		if err := r.strategies.SetStatus(ctx, row.ID, models.StatusActive, models.StatusLive); err != nil {
			log.Error().Err(err).Str("strategy", row.Name).Msg("promotion failed")
			continue
		}
		promoted++
	}

	if promoted > 0 || retired > 0 {
		log.Info().
			Int("promoted", promoted).
			Int("retired", retired).
			Msg("rotation applied")
	}
	return nil
}

func backtestScore(row *models.Strategy) float64 {
	if row.ScoreBacktest == nil {
		return 0
	}
	return *row.ScoreBacktest
}
