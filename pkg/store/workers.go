package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/taskerr"
)

const workerColumns = `id, tags, max_claims, registered_at, last_heartbeat, last_claim_sequence`

// InsertWorkerTx inserts a new worker row inside an existing write
// transaction (register_worker needs to read the max file-event id first,
// so the whole operation lives in one transaction in pkg/claim).
func (s *Store) InsertWorkerTx(ctx context.Context, tx *sql.Tx, w *model.Worker) error {
	tagsJSON, err := json.Marshal(nonNilSlice(w.Tags))
	if err != nil {
		return fmt.Errorf("store: failed to marshal worker tags: %w", err)
	}
	query := s.rebind(`INSERT INTO workers (` + workerColumns + `) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query, w.ID, string(tagsJSON), w.MaxClaims,
		w.RegisteredAt.UnixMilli(), w.LastHeartbeat.UnixMilli(), w.LastClaimSequence)
	if err != nil {
		return fmt.Errorf("store: failed to insert worker %q: %w", w.ID, err)
	}
	return nil
}

// UpdateWorkerTx replaces a worker's mutable fields.
func (s *Store) UpdateWorkerTx(ctx context.Context, tx *sql.Tx, w *model.Worker) error {
	tagsJSON, err := json.Marshal(nonNilSlice(w.Tags))
	if err != nil {
		return fmt.Errorf("store: failed to marshal worker tags: %w", err)
	}
	query := s.rebind(`UPDATE workers SET tags = ?, max_claims = ?, last_heartbeat = ?, last_claim_sequence = ? WHERE id = ?`)
	_, err = tx.ExecContext(ctx, query, string(tagsJSON), w.MaxClaims, w.LastHeartbeat.UnixMilli(), w.LastClaimSequence, w.ID)
	if err != nil {
		return fmt.Errorf("store: failed to update worker %q: %w", w.ID, err)
	}
	return nil
}

// DeleteWorkerTx removes a worker row (used by disconnect).
func (s *Store) DeleteWorkerTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM workers WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: failed to delete worker %q: %w", id, err)
	}
	return nil
}

// GetWorkerTx loads a worker by ID inside an existing transaction.
func (s *Store) GetWorkerTx(ctx context.Context, tx *sql.Tx, id string) (*model.Worker, error) {
	query := s.rebind(`SELECT ` + workerColumns + ` FROM workers WHERE id = ?`)
	row := tx.QueryRowContext(ctx, query, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, taskerr.New(taskerr.CodeWorkerNotFound, "worker %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	return w, nil
}

// GetWorker loads a worker by ID in its own read transaction.
func (s *Store) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	var w *model.Worker
	err := s.withRead(ctx, func(tx *sql.Tx) error {
		var innerErr error
		w, innerErr = s.GetWorkerTx(ctx, tx, id)
		return innerErr
	})
	return w, err
}

// ListWorkers returns every registered worker.
func (s *Store) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	var workers []*model.Worker
	err := s.withRead(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY registered_at ASC`)
		if err != nil {
			return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
		}
		defer rows.Close()
		for rows.Next() {
			w, err := scanWorker(rows)
			if err != nil {
				return err
			}
			workers = append(workers, w)
		}
		return rows.Err()
	})
	return workers, err
}

// StaleWorkersTx returns workers whose last_heartbeat is strictly before cutoff.
func (s *Store) StaleWorkersTx(ctx context.Context, tx *sql.Tx, cutoff int64) ([]*model.Worker, error) {
	query := s.rebind(`SELECT ` + workerColumns + ` FROM workers WHERE last_heartbeat < ?`)
	rows, err := tx.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	defer rows.Close()
	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// TasksOwnedByWorkerTx returns every non-deleted task currently owned by workerID.
func (s *Store) TasksOwnedByWorkerTx(ctx context.Context, tx *sql.Tx, workerID string) ([]*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE worker_id = ? AND deleted_at IS NULL`)
	rows, err := tx.QueryContext(ctx, query, workerID)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	defer rows.Close()
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimCountTx returns how many non-deleted, non-terminal tasks workerID currently owns.
func (s *Store) ClaimCountTx(ctx context.Context, tx *sql.Tx, workerID string) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM tasks WHERE worker_id = ? AND deleted_at IS NULL`)
	var count int
	if err := tx.QueryRowContext(ctx, query, workerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	return count, nil
}

// MaxFileEventIDTx returns the highest file_events.id committed so far, or 0.
func (s *Store) MaxFileEventIDTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM file_events`).Scan(&max); err != nil {
		return 0, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

func scanWorker(row scanner) (*model.Worker, error) {
	var w model.Worker
	var tagsJSON string
	var registeredAtMs, lastHeartbeatMs int64

	if err := row.Scan(&w.ID, &tagsJSON, &w.MaxClaims, &registeredAtMs, &lastHeartbeatMs, &w.LastClaimSequence); err != nil {
		return nil, err
	}
	w.RegisteredAt = msToTime(registeredAtMs)
	w.LastHeartbeat = msToTime(lastHeartbeatMs)
	if err := json.Unmarshal([]byte(tagsJSON), &w.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode worker tags: %w", err)
	}
	return &w, nil
}
