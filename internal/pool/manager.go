package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/store"
)

// Outcome describes one admission or revalidation decision.
type Outcome struct {
	Admitted bool
	Evicted  *uuid.UUID
	Reason   string
}

// Manager is the bounded ACTIVE-pool leaderboard. Every operation runs
// in one transaction over the ACTIVE rows, so readers never observe an
// oversize pool or a half-applied eviction.
type Manager struct {
	store         *store.Store
	maxSize       int
	minScoreEntry float64
}

// NewManager builds the leaderboard over the shared store.
func NewManager(s *store.Store, maxSize int, minScoreEntry float64) *Manager {
	return &Manager{store: s, maxSize: maxSize, minScoreEntry: minScoreEntry}
}

type member struct {
	ID    uuid.UUID `db:"id"`
	Score float64   `db:"score_backtest"`
}

// TryEnterPool admits a candidate with the given score, evicting the
// current minimum if the pool is full and strictly worse. Ties do not
// evict. The candidate row must be claimed by the caller and in
// VALIDATED or ACTIVE status.
func (m *Manager) TryEnterPool(ctx context.Context, id uuid.UUID, candidateScore float64) (*Outcome, error) {
	if candidateScore < m.minScoreEntry {
		reason := fmt.Sprintf("Score %.1f below pool entry floor %.1f", candidateScore, m.minScoreEntry)
		return &Outcome{Reason: reason}, m.retire(ctx, id, reason)
	}

	var out *Outcome
	err := m.withPoolTx(ctx, func(tx *sql.Tx, members []member) error {
		decision := decideEntry(members, id, candidateScore, m.maxSize)
		if decision.Evicted != nil {
			if err := m.retireTx(ctx, tx, *decision.Evicted, decision.Reason); err != nil {
				return err
			}
		}
		if decision.Admitted {
			if err := m.admit(ctx, tx, id, candidateScore); err != nil {
				return err
			}
		} else if err := m.retireTx(ctx, tx, id, decision.Reason); err != nil {
			return err
		}
		out = &decision
		return nil
	})
	if err != nil {
		return nil, err
	}

	evt := log.Info().Str("strategy_id", id.String()).Float64("score", candidateScore).Bool("admitted", out.Admitted)
	if out.Evicted != nil {
		evt = evt.Str("evicted", out.Evicted.String())
	}
	evt.Msg("pool admission decision")
	return out, nil
}

// RevalidateAfterRetest re-applies the floor and leaderboard check to a
// strategy already in the pool after a periodic re-backtest.
func (m *Manager) RevalidateAfterRetest(ctx context.Context, id uuid.UUID, newScore float64) (*Outcome, error) {
	if newScore < m.minScoreEntry {
		reason := fmt.Sprintf("Retest score %.1f below pool entry floor %.1f", newScore, m.minScoreEntry)
		return &Outcome{Reason: reason}, m.retire(ctx, id, reason)
	}

	var out *Outcome
	err := m.withPoolTx(ctx, func(tx *sql.Tx, members []member) error {
		decision, err := decideRevalidation(members, id, newScore, m.maxSize)
		if err != nil {
			return err
		}
		if decision.Admitted {
			if err := m.admit(ctx, tx, id, newScore); err != nil {
				return err
			}
		} else if err := m.retireTx(ctx, tx, id, decision.Reason); err != nil {
			return err
		}
		out = &decision
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decideRevalidation re-applies the leaderboard rule to a row that is
// supposed to be in the pool already. A row that left the pool since
// the retest was claimed (manual retirement, promotion) is reported as
// ErrNotInPool rather than re-admitted.
func decideRevalidation(members []member, id uuid.UUID, score float64, maxSize int) (Outcome, error) {
	found := false
	others := members[:0:0]
	for _, mb := range members {
		if mb.ID == id {
			found = true
			continue
		}
		others = append(others, mb)
	}
	if !found {
		return Outcome{}, ErrNotInPool
	}
	if len(others) >= maxSize && score < others[0].Score {
		return Outcome{Reason: fmt.Sprintf("Retest score %.1f below pool minimum %.1f", score, others[0].Score)}, nil
	}
	return Outcome{Admitted: true, Reason: "revalidated"}, nil
}

// decideEntry is the pure leaderboard rule applied inside the pool
// transaction. members arrive score-ascending. Ties never evict: the
// candidate must strictly beat the current minimum.
func decideEntry(members []member, id uuid.UUID, score float64, maxSize int) Outcome {
	// Re-admitting a current member just refreshes its score.
	already := false
	others := members[:0:0]
	for _, mb := range members {
		if mb.ID == id {
			already = true
			continue
		}
		others = append(others, mb)
	}

	if already || len(others) < maxSize {
		return Outcome{Admitted: true, Reason: "admitted"}
	}

	worst := others[0]
	if score > worst.Score {
		evicted := worst.ID
		return Outcome{
			Admitted: true,
			Evicted:  &evicted,
			Reason:   fmt.Sprintf("Evicted: score %.1f displaced by %.1f", worst.Score, score),
		}
	}
	return Outcome{Reason: fmt.Sprintf("Score %.1f <= pool minimum %.1f", score, worst.Score)}
}

// withPoolTx locks the ACTIVE rows score-ascending and runs fn inside
// the transaction.
func (m *Manager) withPoolTx(ctx context.Context, fn func(tx *sql.Tx, members []member) error) error {
	tx, err := m.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pool tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, score_backtest FROM strategies
		WHERE status = $1
		ORDER BY score_backtest ASC, id ASC
		FOR UPDATE`, models.StatusActive)
	if err != nil {
		return fmt.Errorf("lock pool members: %w", err)
	}
	var members []member
	for rows.Next() {
		var mb member
		var sc sql.NullFloat64
		if err := rows.Scan(&mb.ID, &sc); err != nil {
			rows.Close()
			return fmt.Errorf("scan pool member: %w", err)
		}
		mb.Score = sc.Float64
		members = append(members, mb)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if err := fn(tx, members); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pool tx: %w", err)
	}
	return nil
}

func (m *Manager) admit(ctx context.Context, tx *sql.Tx, id uuid.UUID, score float64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE strategies SET
			status = $2,
			score_backtest = $3,
			processing_by = NULL,
			processing_started_at = NULL,
			updated_at = now()
		WHERE id = $1`, id, models.StatusActive, score)
	if err != nil {
		return fmt.Errorf("admit %s: %w", id, err)
	}
	return nil
}

func (m *Manager) retireTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, reason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE strategies SET
			status = $2,
			retired_at = COALESCE(retired_at, now()),
			retired_reason = $3,
			processing_by = NULL,
			processing_started_at = NULL,
			updated_at = now()
		WHERE id = $1`, id, models.StatusRetired, reason)
	if err != nil {
		return fmt.Errorf("retire %s: %w", id, err)
	}
	return nil
}

func (m *Manager) retire(ctx context.Context, id uuid.UUID, reason string) error {
	return store.NewStrategyRepo(m.store).Retire(ctx, id, reason)
}

// Size returns the current ACTIVE count.
func (m *Manager) Size(ctx context.Context) (int, error) {
	var n int
	err := m.store.DB().GetContext(ctx, &n,
		`SELECT count(*) FROM strategies WHERE status = $1`, models.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("pool size: %w", err)
	}
	return n, nil
}

// MaxSize is the configured pool bound.
func (m *Manager) MaxSize() int { return m.maxSize }

// ErrNotInPool is returned when revalidation targets a row that is no
// longer ACTIVE.
var ErrNotInPool = errors.New("strategy not in ACTIVE pool")
