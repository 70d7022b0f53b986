package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskgraph/engine/pkg/taskerr"
)

// Stats is the aggregate summary the "stats" RPC surfaces (spec §6).
type Stats struct {
	TotalTasks     int
	TasksByStatus  map[string]int
	ClaimedTasks   int
	TotalWorkers   int
	TotalFileMarks int
	TotalTimeMs    int64
	TotalCostUSD   float64
}

// Stats computes the aggregate view over the live (non-deleted) task set.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	stats.TasksByStatus = map[string]int{}

	err := s.withRead(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE deleted_at IS NULL GROUP BY status`)
		if err != nil {
			return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
		}
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				rows.Close()
				return err
			}
			stats.TasksByStatus[status] = count
			stats.TotalTasks += count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `SELECT COUNT(worker_id), COALESCE(SUM(time_actual_ms), 0), COALESCE(SUM(cost_usd), 0)
			FROM tasks WHERE deleted_at IS NULL`)
		if err := row.Scan(&stats.ClaimedTasks, &stats.TotalTimeMs, &stats.TotalCostUSD); err != nil {
			return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
		}

		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workers`).Scan(&stats.TotalWorkers); err != nil {
			return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_marks`).Scan(&stats.TotalFileMarks); err != nil {
			return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
		}
		return nil
	})
	return &stats, err
}
