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
)

// BacktestResultRepo owns BacktestResult insertion. Rows are
// append-only within an evaluation: training first, then holdout, then
// the link. Racing readers see the pair or the unlinked training row.
type BacktestResultRepo struct {
	store *Store
}

// NewBacktestResultRepo binds the repo to a store.
func NewBacktestResultRepo(s *Store) *BacktestResultRepo {
	return &BacktestResultRepo{store: s}
}

// Insert writes one evaluation-window row.
func (r *BacktestResultRepo) Insert(ctx context.Context, res *models.BacktestResult) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	var perSymbol []byte
	if res.PerSymbolResults != nil {
		raw, err := json.Marshal(res.PerSymbolResults)
		if err != nil {
			return fmt.Errorf("marshal per-symbol results: %w", err)
		}
		perSymbol = raw
	}

	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO backtest_results (
			id, strategy_id, period_type, period_days, start_date,
			end_date, total_trades, win_rate, sharpe_ratio, expectancy,
			max_drawdown, total_return_pct, final_equity, symbols_tested,
			timeframe_tested, is_optimal_tf, per_symbol_results,
			recent_result_id, weighted_sharpe, weighted_sharpe_pure,
			weighted_expectancy, weighted_win_rate,
			weighted_walk_forward_stability, weighted_max_drawdown,
			recency_ratio, recency_penalty, walk_forward_stability,
			created_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
			$18,$19,$20,$21,$22,$23,$24,$25,$26,$27, now()
		)`,
		res.ID, res.StrategyID, res.PeriodType, res.PeriodDays,
		res.StartDate.UTC(), res.EndDate.UTC(), res.TotalTrades,
		res.WinRate, res.SharpeRatio, res.Expectancy, res.MaxDrawdown,
		res.TotalReturnPct, res.FinalEquity,
		pq.StringArray(res.SymbolsTested), res.TimeframeTested,
		res.IsOptimalTF, perSymbol, res.RecentResultID,
		res.WeightedSharpe, res.WeightedSharpePure,
		res.WeightedExpectancy, res.WeightedWinRate,
		res.WeightedWalkForwardStability, res.WeightedMaxDrawdown,
		res.RecencyRatio, res.RecencyPenalty, res.WalkForwardStability)
	if err != nil {
		return fmt.Errorf("insert backtest result %s: %w", res.ID, err)
	}
	return nil
}

// LinkHoldout points a training row at its paired holdout row.
func (r *BacktestResultRepo) LinkHoldout(ctx context.Context, trainingID, holdoutID uuid.UUID) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, `
		UPDATE backtest_results SET recent_result_id = $2 WHERE id = $1`,
		trainingID, holdoutID)
	if err != nil {
		return fmt.Errorf("link holdout %s -> %s: %w", trainingID, holdoutID, err)
	}
	return nil
}

// UpdateStability writes walk-forward stability into the optimal
// training row after the window pass.
func (r *BacktestResultRepo) UpdateStability(ctx context.Context, id uuid.UUID, stability, weighted float64) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	_, err := r.store.db.ExecContext(ctx, `
		UPDATE backtest_results SET
			walk_forward_stability = $2,
			weighted_walk_forward_stability = $3
		WHERE id = $1`, id, stability, weighted)
	if err != nil {
		return fmt.Errorf("update stability %s: %w", id, err)
	}
	return nil
}

// GetByID loads one result row.
func (r *BacktestResultRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.BacktestResult, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	row := r.store.db.QueryRowxContext(ctx, `
		SELECT id, strategy_id, period_type, period_days, start_date,
			end_date, total_trades, win_rate, sharpe_ratio, expectancy,
			max_drawdown, total_return_pct, final_equity, symbols_tested,
			timeframe_tested, is_optimal_tf, per_symbol_results,
			recent_result_id, weighted_sharpe, weighted_sharpe_pure,
			weighted_expectancy, weighted_win_rate,
			weighted_walk_forward_stability, weighted_max_drawdown,
			recency_ratio, recency_penalty, walk_forward_stability,
			created_at
		FROM backtest_results WHERE id = $1`, id)
	return scanResult(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row rowScanner) (*models.BacktestResult, error) {
	var res models.BacktestResult
	var symbols pq.StringArray
	var perSymbol []byte
	var recentID *uuid.UUID
	var start, end, created time.Time
	var periodType, tf string

	err := row.Scan(&res.ID, &res.StrategyID, &periodType,
		&res.PeriodDays, &start, &end, &res.TotalTrades, &res.WinRate,
		&res.SharpeRatio, &res.Expectancy, &res.MaxDrawdown,
		&res.TotalReturnPct, &res.FinalEquity, &symbols, &tf,
		&res.IsOptimalTF, &perSymbol, &recentID, &res.WeightedSharpe,
		&res.WeightedSharpePure, &res.WeightedExpectancy,
		&res.WeightedWinRate, &res.WeightedWalkForwardStability,
		&res.WeightedMaxDrawdown, &res.RecencyRatio, &res.RecencyPenalty,
		&res.WalkForwardStability, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan backtest result: %w", err)
	}
	res.PeriodType = models.PeriodType(periodType)
	res.TimeframeTested = models.Timeframe(tf)
	res.SymbolsTested = symbols
	res.RecentResultID = recentID
	res.StartDate = start.UTC()
	res.EndDate = end.UTC()
	res.CreatedAt = created.UTC()
	if len(perSymbol) > 0 {
		if err := json.Unmarshal(perSymbol, &res.PerSymbolResults); err != nil {
			return nil, fmt.Errorf("per-symbol results: %w", err)
		}
	}
	return &res, nil
}
