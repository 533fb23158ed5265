package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/quantforge/quantforge/internal/models"
)

// TradeRepo persists realized trades. The executor is the only writer;
// the live scorer reads.
type TradeRepo struct {
	store *Store
}

// NewTradeRepo binds the repo to a store.
func NewTradeRepo(s *Store) *TradeRepo {
	return &TradeRepo{store: s}
}

// Insert appends one closed trade.
func (r *TradeRepo) Insert(ctx context.Context, t *models.Trade) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	err := r.store.db.QueryRowxContext(ctx, `
		INSERT INTO trades (strategy_id, symbol, side, entry_time,
			exit_time, pnl_usd, pnl_pct)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, created_at`,
		t.StrategyID, t.Symbol, t.Side, t.EntryTime.UTC(),
		t.ExitTime.UTC(), t.PnLUSD, t.PnLPct).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade for %s: %w", t.StrategyID, err)
	}
	return nil
}

// ListByStrategy returns the most recent closed trades for one
// strategy, oldest first.
func (r *TradeRepo) ListByStrategy(ctx context.Context, strategyID uuid.UUID, limit int) ([]models.Trade, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	rows, err := r.store.db.QueryxContext(ctx, `
		SELECT id, strategy_id, symbol, side, entry_time, exit_time,
			pnl_usd, pnl_pct, created_at
		FROM (
			SELECT * FROM trades
			WHERE strategy_id = $1
			ORDER BY exit_time DESC
			LIMIT $2
		) recent
		ORDER BY exit_time ASC`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades for %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.StructScan(&t); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountByStrategy returns the closed-trade count for one strategy.
func (r *TradeRepo) CountByStrategy(ctx context.Context, strategyID uuid.UUID) (int, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	var n int
	err := r.store.db.GetContext(ctx, &n,
		`SELECT count(*) FROM trades WHERE strategy_id = $1`, strategyID)
	if err != nil {
		return 0, fmt.Errorf("count trades for %s: %w", strategyID, err)
	}
	return n, nil
}
