package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/taskerr"
)

// AppendTaskEventTx inserts a new open task-event row and returns its ID.
func (s *Store) AppendTaskEventTx(ctx context.Context, tx *sql.Tx, e *model.TaskEvent) (int64, error) {
	query := s.rebind(`INSERT INTO task_events (task_id, worker_id, status, phase, reason, timestamp, end_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	id, err := s.execInsertReturningID(ctx, tx, query, e.TaskID, nullString(e.WorkerID), nullString(e.Status),
		nullString(e.Phase), nullString(e.Reason), e.Timestamp.UnixMilli(), timeMillisPtr(e.EndTimestamp))
	if err != nil {
		return 0, fmt.Errorf("store: failed to append task event for %q: %w", e.TaskID, err)
	}
	return id, nil
}

// OpenTaskEventTx returns the single event row with end_timestamp IS NULL
// for taskID, or nil if the task has no open interval (shouldn't happen for
// a live task per the ONE-OPEN invariant, but callers check).
func (s *Store) OpenTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string) (*model.TaskEvent, error) {
	query := s.rebind(`SELECT id, task_id, worker_id, status, phase, reason, timestamp, end_timestamp
		FROM task_events WHERE task_id = ? AND end_timestamp IS NULL ORDER BY id DESC LIMIT 1`)
	row := tx.QueryRowContext(ctx, query, taskID)
	e, err := scanTaskEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	return e, nil
}

// CloseTaskEventTx sets end_timestamp on an open event row.
func (s *Store) CloseTaskEventTx(ctx context.Context, tx *sql.Tx, eventID int64, endTimestamp int64) error {
	query := s.rebind(`UPDATE task_events SET end_timestamp = ? WHERE id = ?`)
	_, err := tx.ExecContext(ctx, query, endTimestamp, eventID)
	if err != nil {
		return fmt.Errorf("store: failed to close task event %d: %w", eventID, err)
	}
	return nil
}

// ListTaskEventsTx returns every event row for taskID, oldest first.
func (s *Store) ListTaskEventsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]*model.TaskEvent, error) {
	query := s.rebind(`SELECT id, task_id, worker_id, status, phase, reason, timestamp, end_timestamp
		FROM task_events WHERE task_id = ? ORDER BY id ASC`)
	rows, err := tx.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	defer rows.Close()
	var events []*model.TaskEvent
	for rows.Next() {
		e, err := scanTaskEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanTaskEvent(row scanner) (*model.TaskEvent, error) {
	var e model.TaskEvent
	var workerID, status, phase, reason sql.NullString
	var timestampMs int64
	var endTimestampMs sql.NullInt64

	if err := row.Scan(&e.ID, &e.TaskID, &workerID, &status, &phase, &reason, &timestampMs, &endTimestampMs); err != nil {
		return nil, err
	}
	e.WorkerID = workerID.String
	e.Status = status.String
	e.Phase = phase.String
	e.Reason = reason.String
	e.Timestamp = msToTime(timestampMs)
	e.EndTimestamp = nullMsToTimePtr(endTimestampMs)
	return &e, nil
}

// AppendFileEventTx inserts a file-event row and returns its ID.
func (s *Store) AppendFileEventTx(ctx context.Context, tx *sql.Tx, e *model.FileEvent) (int64, error) {
	query := s.rebind(`INSERT INTO file_events (file_path, worker_id, event, reason, timestamp, end_timestamp, claim_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	id, err := s.execInsertReturningID(ctx, tx, query, e.FilePath, e.WorkerID, string(e.Event), nullString(e.Reason),
		e.Timestamp.UnixMilli(), timeMillisPtr(e.EndTimestamp), nullableClaimID(e.ClaimID))
	if err != nil {
		return 0, fmt.Errorf("store: failed to append file event for %q: %w", e.FilePath, err)
	}
	return id, nil
}

// OpenFileEventTx returns the open "claimed" row for path, used by unmark/
// force_unmark to close the matching interval.
func (s *Store) OpenFileEventTx(ctx context.Context, tx *sql.Tx, path string) (*model.FileEvent, error) {
	query := s.rebind(`SELECT id, file_path, worker_id, event, reason, timestamp, end_timestamp, claim_id
		FROM file_events WHERE file_path = ? AND event = ? AND end_timestamp IS NULL ORDER BY id DESC LIMIT 1`)
	row := tx.QueryRowContext(ctx, query, path, string(model.FileEventClaimed))
	e, err := scanFileEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	return e, nil
}

// CloseFileEventTx sets end_timestamp on an open file-event row.
func (s *Store) CloseFileEventTx(ctx context.Context, tx *sql.Tx, eventID int64, endTimestamp int64) error {
	query := s.rebind(`UPDATE file_events SET end_timestamp = ? WHERE id = ?`)
	_, err := tx.ExecContext(ctx, query, endTimestamp, eventID)
	if err != nil {
		return fmt.Errorf("store: failed to close file event %d: %w", eventID, err)
	}
	return nil
}

// FileEventsSinceTx returns every file event with id >= watermark, the poll
// query the claim/file-mark poll operation uses (spec §4.F).
func (s *Store) FileEventsSinceTx(ctx context.Context, tx *sql.Tx, watermark int64) ([]*model.FileEvent, error) {
	query := s.rebind(`SELECT id, file_path, worker_id, event, reason, timestamp, end_timestamp, claim_id
		FROM file_events WHERE id >= ? ORDER BY id ASC`)
	rows, err := tx.QueryContext(ctx, query, watermark)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	defer rows.Close()
	var events []*model.FileEvent
	for rows.Next() {
		e, err := scanFileEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullableClaimID(id int64) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}

func scanFileEvent(row scanner) (*model.FileEvent, error) {
	var e model.FileEvent
	var reason sql.NullString
	var timestampMs int64
	var endTimestampMs sql.NullInt64
	var claimID sql.NullInt64
	var eventKind string

	if err := row.Scan(&e.ID, &e.FilePath, &e.WorkerID, &eventKind, &reason, &timestampMs, &endTimestampMs, &claimID); err != nil {
		return nil, err
	}
	e.Event = model.FileEventKind(eventKind)
	e.Reason = reason.String
	e.Timestamp = msToTime(timestampMs)
	e.EndTimestamp = nullMsToTimePtr(endTimestampMs)
	if claimID.Valid {
		e.ClaimID = claimID.Int64
	}
	return &e, nil
}
