package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/taskerr"
)

const fileMarkColumns = `file_path, worker_id, reason, task_id, locked_at`

// GetFileMarkTx loads a mark row by path, or nil if unheld.
func (s *Store) GetFileMarkTx(ctx context.Context, tx *sql.Tx, path string) (*model.FileMark, error) {
	query := s.rebind(`SELECT ` + fileMarkColumns + ` FROM file_marks WHERE file_path = ?`)
	row := tx.QueryRowContext(ctx, query, path)
	m, err := scanFileMark(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	return m, nil
}

// UpsertFileMarkTx inserts a new mark row, or refreshes locked_at if the
// existing row is already owned by worker_id (spec §4.F).
func (s *Store) UpsertFileMarkTx(ctx context.Context, tx *sql.Tx, m *model.FileMark) error {
	existing, err := s.GetFileMarkTx(ctx, tx, m.FilePath)
	if err != nil {
		return err
	}
	if existing == nil {
		query := s.rebind(`INSERT INTO file_marks (` + fileMarkColumns + `) VALUES (?, ?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, query, m.FilePath, m.WorkerID, nullString(m.Reason), nullString(m.TaskID), m.LockedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("store: failed to insert file mark %q: %w", m.FilePath, err)
		}
		return nil
	}

	query := s.rebind(`UPDATE file_marks SET reason = ?, task_id = ?, locked_at = ? WHERE file_path = ?`)
	_, err = tx.ExecContext(ctx, query, nullString(m.Reason), nullString(m.TaskID), m.LockedAt.UnixMilli(), m.FilePath)
	if err != nil {
		return fmt.Errorf("store: failed to refresh file mark %q: %w", m.FilePath, err)
	}
	return nil
}

// DeleteFileMarkTx removes a mark row unconditionally (callers check
// ownership, if required, before calling).
func (s *Store) DeleteFileMarkTx(ctx context.Context, tx *sql.Tx, path string) error {
	_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM file_marks WHERE file_path = ?`), path)
	if err != nil {
		return fmt.Errorf("store: failed to delete file mark %q: %w", path, err)
	}
	return nil
}

// DeleteFileMarksByWorkerTx removes every mark held by workerID and returns
// the deleted rows (so the caller can close their open claim events).
func (s *Store) DeleteFileMarksByWorkerTx(ctx context.Context, tx *sql.Tx, workerID string) ([]*model.FileMark, error) {
	query := s.rebind(`SELECT ` + fileMarkColumns + ` FROM file_marks WHERE worker_id = ?`)
	rows, err := tx.QueryContext(ctx, query, workerID)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	var marks []*model.FileMark
	for rows.Next() {
		m, err := scanFileMark(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		marks = append(marks, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(marks) > 0 {
		_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM file_marks WHERE worker_id = ?`), workerID)
		if err != nil {
			return nil, fmt.Errorf("store: failed to bulk-delete file marks for %q: %w", workerID, err)
		}
	}
	return marks, nil
}

// ListFileMarksTx returns marks filtered by an optional path set and/or
// worker ID (spec §4.F's per-agent listing, grounded on the original
// lock registry's path-set/agent filter).
func (s *Store) ListFileMarksTx(ctx context.Context, tx *sql.Tx, paths []string, workerID string) ([]*model.FileMark, error) {
	query := `SELECT ` + fileMarkColumns + ` FROM file_marks WHERE 1=1`
	var args []any
	n := 0
	bindNext := func() string { n++; return s.bind(n) }

	if workerID != "" {
		query += ` AND worker_id = ` + bindNext()
		args = append(args, workerID)
	}
	if len(paths) > 0 {
		query += ` AND file_path IN (` + placeholders(len(paths)) + `)`
		for _, p := range paths {
			args = append(args, p)
		}
	}

	rows, err := tx.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	defer rows.Close()
	var marks []*model.FileMark
	for rows.Next() {
		m, err := scanFileMark(rows)
		if err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

func scanFileMark(row scanner) (*model.FileMark, error) {
	var m model.FileMark
	var reason, taskID sql.NullString
	var lockedAtMs int64
	if err := row.Scan(&m.FilePath, &m.WorkerID, &reason, &taskID, &lockedAtMs); err != nil {
		return nil, err
	}
	m.Reason = reason.String
	m.TaskID = taskID.String
	m.LockedAt = msToTime(lockedAtMs)
	return &m, nil
}
