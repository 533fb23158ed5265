package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/score"
)

// StrategyRepo owns all strategy-row mutation, including the
// cross-process claim lease.
type StrategyRepo struct {
	store *Store
}

// NewStrategyRepo binds the repo to a store.
func NewStrategyRepo(s *Store) *StrategyRepo {
	return &StrategyRepo{store: s}
}

const strategyColumns = `
	id, name, kind, timeframe, code, pattern_coins, backtest_pairs,
	optimal_timeframe, parameters, status, processing_by,
	processing_started_at, score_backtest, last_backtested_at,
	score_live, win_rate_live, expectancy_live, sharpe_live,
	max_drawdown_live, total_trades_live, total_pnl_live,
	last_live_update, live_degradation_pct, retired_at, retired_reason,
	failure_reason, template_id, pattern_ids, generation_mode,
	created_at, updated_at`

type dbStrategy struct {
	ID                  uuid.UUID       `db:"id"`
	Name                string          `db:"name"`
	Kind                string          `db:"kind"`
	Timeframe           string          `db:"timeframe"`
	Code                []byte          `db:"code"`
	PatternCoins        pq.StringArray  `db:"pattern_coins"`
	BacktestPairs       pq.StringArray  `db:"backtest_pairs"`
	OptimalTimeframe    sql.NullString  `db:"optimal_timeframe"`
	Parameters          []byte          `db:"parameters"`
	Status              string          `db:"status"`
	ProcessingBy        sql.NullString  `db:"processing_by"`
	ProcessingStartedAt sql.NullTime    `db:"processing_started_at"`
	ScoreBacktest       sql.NullFloat64 `db:"score_backtest"`
	LastBacktestedAt    sql.NullTime    `db:"last_backtested_at"`
	ScoreLive           sql.NullFloat64 `db:"score_live"`
	WinRateLive         sql.NullFloat64 `db:"win_rate_live"`
	ExpectancyLive      sql.NullFloat64 `db:"expectancy_live"`
	SharpeLive          sql.NullFloat64 `db:"sharpe_live"`
	MaxDrawdownLive     sql.NullFloat64 `db:"max_drawdown_live"`
	TotalTradesLive     sql.NullInt64   `db:"total_trades_live"`
	TotalPnLLive        sql.NullFloat64 `db:"total_pnl_live"`
	LastLiveUpdate      sql.NullTime    `db:"last_live_update"`
	LiveDegradationPct  sql.NullFloat64 `db:"live_degradation_pct"`
	RetiredAt           sql.NullTime    `db:"retired_at"`
	RetiredReason       sql.NullString  `db:"retired_reason"`
	FailureReason       sql.NullString  `db:"failure_reason"`
	TemplateID          *uuid.UUID      `db:"template_id"`
	PatternIDs          pq.StringArray  `db:"pattern_ids"`
	GenerationMode      string          `db:"generation_mode"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

func (d *dbStrategy) toModel() (*models.Strategy, error) {
	s := &models.Strategy{
		ID:             d.ID,
		Name:           d.Name,
		Kind:           models.Kind(d.Kind),
		Timeframe:      models.Timeframe(d.Timeframe),
		Code:           d.Code,
		PatternCoins:   d.PatternCoins,
		BacktestPairs:  d.BacktestPairs,
		Status:         models.Status(d.Status),
		TemplateID:     d.TemplateID,
		PatternIDs:     d.PatternIDs,
		GenerationMode: models.GenerationMode(d.GenerationMode),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if len(d.Parameters) > 0 {
		if err := json.Unmarshal(d.Parameters, &s.Parameters); err != nil {
			return nil, fmt.Errorf("parameters for %s: %w", d.ID, err)
		}
	}
	if d.OptimalTimeframe.Valid {
		tf := models.Timeframe(d.OptimalTimeframe.String)
		s.OptimalTimeframe = &tf
	}
	s.ProcessingBy = nullStr(d.ProcessingBy)
	s.ProcessingStartedAt = nullTime(d.ProcessingStartedAt)
	s.ScoreBacktest = nullFloat(d.ScoreBacktest)
	s.LastBacktestedAt = nullTime(d.LastBacktestedAt)
	s.ScoreLive = nullFloat(d.ScoreLive)
	s.WinRateLive = nullFloat(d.WinRateLive)
	s.ExpectancyLive = nullFloat(d.ExpectancyLive)
	s.SharpeLive = nullFloat(d.SharpeLive)
	s.MaxDrawdownLive = nullFloat(d.MaxDrawdownLive)
	if d.TotalTradesLive.Valid {
		v := int(d.TotalTradesLive.Int64)
		s.TotalTradesLive = &v
	}
	s.TotalPnLLive = nullFloat(d.TotalPnLLive)
	s.LastLiveUpdate = nullTime(d.LastLiveUpdate)
	s.LiveDegradationPct = nullFloat(d.LiveDegradationPct)
	s.RetiredAt = nullTime(d.RetiredAt)
	s.RetiredReason = nullStr(d.RetiredReason)
	s.FailureReason = nullStr(d.FailureReason)
	return s, nil
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

// Insert writes a new strategy row. ID and timestamps must be set by
// the caller.
func (r *StrategyRepo) Insert(ctx context.Context, s *models.Strategy) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	var optimalTF *string
	if s.OptimalTimeframe != nil {
		v := string(*s.OptimalTimeframe)
		optimalTF = &v
	}

	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO strategies (
			id, name, kind, timeframe, code, pattern_coins,
			backtest_pairs, optimal_timeframe, parameters, status,
			template_id, pattern_ids, generation_mode, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`,
		s.ID, s.Name, s.Kind, s.Timeframe, s.Code,
		pq.StringArray(s.PatternCoins), pq.StringArray(s.BacktestPairs),
		optimalTF, params, s.Status, s.TemplateID,
		pq.StringArray(s.PatternIDs), s.GenerationMode, s.CreatedAt.UTC())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate strategy name %s: %w", s.Name, err)
		}
		return fmt.Errorf("insert strategy %s: %w", s.Name, err)
	}
	return nil
}

// GetByID loads one strategy.
func (r *StrategyRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Strategy, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	var row dbStrategy
	err := r.store.db.GetContext(ctx, &row,
		`SELECT `+strategyColumns+` FROM strategies WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy %s: %w", id, err)
	}
	return row.toModel()
}

// ClaimNew atomically picks the oldest unclaimed row in the given
// status, FIFO by created_at with id tie-break. Returns nil when no
// work is available. SKIP LOCKED keeps concurrent claimers serializable
// without blocking.
func (r *StrategyRepo) ClaimNew(ctx context.Context, status models.Status) (*models.Strategy, error) {
	return r.claim(ctx, `
		UPDATE strategies SET
			processing_by = $1,
			processing_started_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT id FROM strategies
			WHERE status = $2 AND processing_by IS NULL
			ORDER BY created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+strategyColumns, r.store.processID, status)
}

// ClaimRetest picks the ACTIVE strategy with the stalest
// last_backtested_at older than `before`.
func (r *StrategyRepo) ClaimRetest(ctx context.Context, before time.Time) (*models.Strategy, error) {
	return r.claim(ctx, `
		UPDATE strategies SET
			processing_by = $1,
			processing_started_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT id FROM strategies
			WHERE status = $2 AND processing_by IS NULL
				AND last_backtested_at < $3
			ORDER BY last_backtested_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+strategyColumns, r.store.processID, models.StatusActive, before.UTC())
}

func (r *StrategyRepo) claim(ctx context.Context, query string, args ...interface{}) (*models.Strategy, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	var row dbStrategy
	err := r.store.db.QueryRowxContext(ctx, query, args...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim strategy: %w", err)
	}
	return row.toModel()
}

// Release moves a claimed row to nextStatus and clears the lease.
func (r *StrategyRepo) Release(ctx context.Context, id uuid.UUID, nextStatus models.Status) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	res, err := r.store.db.ExecContext(ctx, `
		UPDATE strategies SET
			status = $2,
			processing_by = NULL,
			processing_started_at = NULL,
			updated_at = now()
		WHERE id = $1 AND processing_by = $3`,
		id, nextStatus, r.store.processID)
	if err != nil {
		return fmt.Errorf("release strategy %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release strategy %s: lease not held by %s", id, r.store.processID)
	}
	return nil
}

// MarkFailed transitions a row to FAILED with the reason, or removes
// it entirely for code that cannot even be loaded.
func (r *StrategyRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, del bool) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	if del {
		if _, err := r.store.db.ExecContext(ctx,
			`DELETE FROM strategies WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete failed strategy %s: %w", id, err)
		}
		return nil
	}
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE strategies SET
			status = $2,
			failure_reason = $3,
			processing_by = NULL,
			processing_started_at = NULL,
			updated_at = now()
		WHERE id = $1`,
		id, models.StatusFailed, reason)
	if err != nil {
		return fmt.Errorf("mark strategy %s failed: %w", id, err)
	}
	return nil
}

// Retire transitions a row to RETIRED with a reason and clears any
// lease. retired_at is set once and never moves backwards.
func (r *StrategyRepo) Retire(ctx context.Context, id uuid.UUID, reason string) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, `
		UPDATE strategies SET
			status = $2,
			retired_at = COALESCE(retired_at, now()),
			retired_reason = $3,
			processing_by = NULL,
			processing_started_at = NULL,
			updated_at = now()
		WHERE id = $1`,
		id, models.StatusRetired, reason)
	if err != nil {
		return fmt.Errorf("retire strategy %s: %w", id, err)
	}
	return nil
}

// CountAvailable counts unclaimed rows in a status; the orchestrator's
// backpressure input.
func (r *StrategyRepo) CountAvailable(ctx context.Context, status models.Status) (int, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	var n int
	err := r.store.db.GetContext(ctx, &n, `
		SELECT count(*) FROM strategies
		WHERE status = $1 AND processing_by IS NULL`, status)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", status, err)
	}
	return n, nil
}

// CountByStatus returns pipeline depth per status.
func (r *StrategyRepo) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	rows, err := r.store.db.QueryxContext(ctx,
		`SELECT status, count(*) FROM strategies GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

// ReleaseAllByProcess clears every lease owned by this process; called
// on shutdown so other workers can take over immediately.
func (r *StrategyRepo) ReleaseAllByProcess(ctx context.Context) (int, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	res, err := r.store.db.ExecContext(ctx, `
		UPDATE strategies SET
			processing_by = NULL,
			processing_started_at = NULL,
			updated_at = now()
		WHERE processing_by = $1`, r.store.processID)
	if err != nil {
		return 0, fmt.Errorf("release all by %s: %w", r.store.processID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReapStaleClaims resets leases older than the threshold regardless of
// owner. Idempotent; run by the scheduler.
func (r *StrategyRepo) ReapStaleClaims(ctx context.Context, threshold time.Duration) (int, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	res, err := r.store.db.ExecContext(ctx, `
		UPDATE strategies SET
			processing_by = NULL,
			processing_started_at = NULL,
			updated_at = now()
		WHERE processing_by IS NOT NULL
			AND processing_started_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", threshold.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetBacktestOutcome records a successful backtest: score, optimal
// timeframe, the pairs actually tested, and the retest clock.
func (r *StrategyRepo) SetBacktestOutcome(ctx context.Context, id uuid.UUID, scoreBacktest float64, optimalTF models.Timeframe, pairs []string) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, `
		UPDATE strategies SET
			score_backtest = $2,
			optimal_timeframe = $3,
			backtest_pairs = $4,
			last_backtested_at = now(),
			updated_at = now()
		WHERE id = $1`,
		id, scoreBacktest, string(optimalTF), pq.StringArray(pairs))
	if err != nil {
		return fmt.Errorf("set backtest outcome %s: %w", id, err)
	}
	return nil
}

// UpdateCode persists rewritten strategy code and its parameter tuple.
func (r *StrategyRepo) UpdateCode(ctx context.Context, id uuid.UUID, code []byte, params models.StrategyParams) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx, `
		UPDATE strategies SET code = $2, parameters = $3, updated_at = now()
		WHERE id = $1`, id, code, raw)
	if err != nil {
		return fmt.Errorf("update code %s: %w", id, err)
	}
	return nil
}

// UpdateLiveMetrics writes the live rollup fields.
func (r *StrategyRepo) UpdateLiveMetrics(ctx context.Context, id uuid.UUID, m *score.LiveMetrics) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, `
		UPDATE strategies SET
			score_live = $2,
			win_rate_live = $3,
			expectancy_live = $4,
			sharpe_live = $5,
			max_drawdown_live = $6,
			total_trades_live = $7,
			total_pnl_live = $8,
			live_degradation_pct = $9,
			last_live_update = now(),
			updated_at = now()
		WHERE id = $1`,
		id, m.Score, m.WinRate, m.Expectancy, m.Sharpe,
		m.MaxDrawdown, m.TotalTrades, m.TotalPnLUSD, m.Degradation)
	if err != nil {
		return fmt.Errorf("update live metrics %s: %w", id, err)
	}
	return nil
}

// ListByStatus returns up to limit rows in a status, best backtest
// score first.
func (r *StrategyRepo) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Strategy, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	rows, err := r.store.db.QueryxContext(ctx, `
		SELECT `+strategyColumns+` FROM strategies
		WHERE status = $1
		ORDER BY score_backtest DESC NULLS LAST, created_at ASC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", status, err)
	}
	defer rows.Close()

	var out []*models.Strategy
	for rows.Next() {
		var row dbStrategy
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		m, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetStatus moves a row between statuses after validating the
// transition against the status graph.
func (r *StrategyRepo) SetStatus(ctx context.Context, id uuid.UUID, from, to models.Status) error {
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	res, err := r.store.db.ExecContext(ctx, `
		UPDATE strategies SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("set status %s %s->%s: %w", id, from, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set status %s: row not in %s", id, from)
	}
	return nil
}
