package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quantforge/quantforge/internal/models"
)

// MetricsSnapshotRepo appends pipeline observability rows.
type MetricsSnapshotRepo struct {
	store *Store
}

// NewMetricsSnapshotRepo binds the repo to a store.
func NewMetricsSnapshotRepo(s *Store) *MetricsSnapshotRepo {
	return &MetricsSnapshotRepo{store: s}
}

// Insert appends one snapshot. The table has no update path.
func (r *MetricsSnapshotRepo) Insert(ctx context.Context, snap *models.PipelineMetricsSnapshot) error {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	counts, err := json.Marshal(snap.StatusCounts)
	if err != nil {
		return fmt.Errorf("marshal status counts: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO pipeline_metrics (status_counts, pool_size,
			pool_max_size, pool_utilization)
		VALUES ($1,$2,$3,$4)`,
		counts, snap.PoolSize, snap.PoolMaxSize, snap.PoolUtilization)
	if err != nil {
		return fmt.Errorf("insert pipeline snapshot: %w", err)
	}
	return nil
}
