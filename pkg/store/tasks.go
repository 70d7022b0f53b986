package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/taskerr"
)

// taskColumns lists every tasks column in table order; used by both
// INSERT and SELECT so the scan/bind pairs never drift apart.
const taskColumns = `id, title, description, priority, tags, needed_tags, wanted_tags,
	status, phase, worker_id, claimed_at, points, time_estimate_ms, time_actual_ms,
	started_at, completed_at, created_at, updated_at, current_thought, cost_usd,
	metric_0, metric_1, metric_2, metric_3, metric_4, metric_5, metric_6, metric_7,
	deleted_at, deleted_by, deleted_reason`

// CreateTask inserts a new task row. Callers are expected to have already
// generated an ID (petname or caller-supplied) and set created_at/updated_at.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		tagsJSON, needJSON, wantJSON, err := marshalTagSets(t)
		if err != nil {
			return err
		}

		query := s.rebind(`INSERT INTO tasks (` + taskColumns + `) VALUES (` +
			placeholders(31) + `)`)
		_, err = tx.ExecContext(ctx, query,
			t.ID, t.Title, nullString(t.Description), t.Priority, tagsJSON, needJSON, wantJSON,
			t.Status, nullString(t.Phase), nullString(t.WorkerID), timeMillisPtr(t.ClaimedAt),
			intPtr(t.Points), int64Ptr(t.TimeEstimateMs), t.TimeActualMs,
			timeMillisPtr(t.StartedAt), timeMillisPtr(t.CompletedAt),
			t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(), nullString(t.CurrentThought), t.CostUSD,
			t.Metrics[0], t.Metrics[1], t.Metrics[2], t.Metrics[3],
			t.Metrics[4], t.Metrics[5], t.Metrics[6], t.Metrics[7],
			timeMillisPtr(t.DeletedAt), nullString(t.DeletedBy), nullString(t.DeletedReason),
		)
		if err != nil {
			return fmt.Errorf("store: failed to insert task %q: %w", t.ID, err)
		}
		return nil
	})
}

// GetTask loads a task by ID. includeDeleted controls whether a
// soft-deleted task is visible (spec §3: invisible unless explicitly
// requested).
func (s *Store) GetTask(ctx context.Context, id string, includeDeleted bool) (*model.Task, error) {
	var task *model.Task
	err := s.withRead(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ` + s.bind(1)
		if !includeDeleted {
			query += ` AND deleted_at IS NULL`
		}
		row := tx.QueryRowContext(ctx, s.rebind(query), id)
		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			return taskerr.New(taskerr.CodeTaskNotFound, "task %q not found", id)
		}
		if err != nil {
			return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
		}
		task = t
		return nil
	})
	return task, err
}

// TaskListFilter narrows ListTasks results.
type TaskListFilter struct {
	Status         string
	Phase          string
	WorkerID       string
	IncludeDeleted bool
	Tag            string
}

// ListTasks returns tasks matching filter, ordered priority desc then
// created_at asc (spec §4.D's readiness ordering, reused generally).
func (s *Store) ListTasks(ctx context.Context, filter TaskListFilter) ([]*model.Task, error) {
	var tasks []*model.Task
	err := s.withRead(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
		var args []any
		n := 0
		bindNext := func() string { n++; return s.bind(n) }

		if !filter.IncludeDeleted {
			query += ` AND deleted_at IS NULL`
		}
		if filter.Status != "" {
			query += ` AND status = ` + bindNext()
			args = append(args, filter.Status)
		}
		if filter.Phase != "" {
			query += ` AND phase = ` + bindNext()
			args = append(args, filter.Phase)
		}
		if filter.WorkerID != "" {
			query += ` AND worker_id = ` + bindNext()
			args = append(args, filter.WorkerID)
		}
		if filter.Tag != "" {
			query += ` AND tags LIKE ` + bindNext()
			args = append(args, "%\""+filter.Tag+"\"%")
		}
		query += ` ORDER BY priority DESC, created_at ASC`

		rows, err := tx.QueryContext(ctx, s.rebind(query), args...)
		if err != nil {
			return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}

// UpdateTask replaces every mutable column of t. Callers must have loaded,
// modified, and are writing back the full row inside their own
// transactional context (the state machine and claim engine each do this
// via WithWrite below).
func (s *Store) UpdateTask(ctx context.Context, t *model.Task) error {
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		return s.updateTaskTx(ctx, tx, t)
	})
}

func (s *Store) updateTaskTx(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	tagsJSON, needJSON, wantJSON, err := marshalTagSets(t)
	if err != nil {
		return err
	}

	query := s.rebind(`UPDATE tasks SET
		title = ?, description = ?, priority = ?, tags = ?, needed_tags = ?, wanted_tags = ?,
		status = ?, phase = ?, worker_id = ?, claimed_at = ?, points = ?, time_estimate_ms = ?,
		time_actual_ms = ?, started_at = ?, completed_at = ?, updated_at = ?, current_thought = ?,
		cost_usd = ?, metric_0 = ?, metric_1 = ?, metric_2 = ?, metric_3 = ?, metric_4 = ?,
		metric_5 = ?, metric_6 = ?, metric_7 = ?, deleted_at = ?, deleted_by = ?, deleted_reason = ?
		WHERE id = ?`)

	_, err = tx.ExecContext(ctx, query,
		t.Title, nullString(t.Description), t.Priority, tagsJSON, needJSON, wantJSON,
		t.Status, nullString(t.Phase), nullString(t.WorkerID), timeMillisPtr(t.ClaimedAt),
		intPtr(t.Points), int64Ptr(t.TimeEstimateMs), t.TimeActualMs,
		timeMillisPtr(t.StartedAt), timeMillisPtr(t.CompletedAt), t.UpdatedAt.UnixMilli(),
		nullString(t.CurrentThought), t.CostUSD,
		t.Metrics[0], t.Metrics[1], t.Metrics[2], t.Metrics[3],
		t.Metrics[4], t.Metrics[5], t.Metrics[6], t.Metrics[7],
		timeMillisPtr(t.DeletedAt), nullString(t.DeletedBy), nullString(t.DeletedReason),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("store: failed to update task %q: %w", t.ID, err)
	}
	return nil
}

// WithWrite exposes the store's write-serialized transaction to higher
// layers (state machine, claim engine) that must read-check-write several
// tables atomically, per spec §5's locking discipline.
func (s *Store) WithWrite(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withWrite(ctx, fn)
}

// WithRead exposes a read-only transaction for multi-table consistent reads.
func (s *Store) WithRead(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRead(ctx, fn)
}

// GetTaskTx and UpdateTaskTx let callers already holding a *sql.Tx (from
// WithWrite) perform task reads/writes without nesting transactions.
func (s *Store) GetTaskTx(ctx context.Context, tx *sql.Tx, id string, includeDeleted bool) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ` + s.bind(1)
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	row := tx.QueryRowContext(ctx, s.rebind(query), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, taskerr.New(taskerr.CodeTaskNotFound, "task %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	return t, nil
}

func (s *Store) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	return s.updateTaskTx(ctx, tx, t)
}

// Dialect reports the normalized dialect name ("sqlite", "postgres", "mysql").
func (s *Store) Dialect() string {
	return s.dialect
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	var t model.Task
	var description, phase, workerID, currentThought, deletedBy, deletedReason sql.NullString
	var claimedAt, startedAt, completedAt, deletedAt sql.NullInt64
	var points sql.NullInt64
	var timeEstimateMs sql.NullInt64
	var tagsJSON, needJSON, wantJSON string
	var createdAtMs, updatedAtMs int64

	if err := row.Scan(
		&t.ID, &t.Title, &description, &t.Priority, &tagsJSON, &needJSON, &wantJSON,
		&t.Status, &phase, &workerID, &claimedAt, &points, &timeEstimateMs, &t.TimeActualMs,
		&startedAt, &completedAt, &createdAtMs, &updatedAtMs, &currentThought, &t.CostUSD,
		&t.Metrics[0], &t.Metrics[1], &t.Metrics[2], &t.Metrics[3],
		&t.Metrics[4], &t.Metrics[5], &t.Metrics[6], &t.Metrics[7],
		&deletedAt, &deletedBy, &deletedReason,
	); err != nil {
		return nil, err
	}

	t.Description = description.String
	t.Phase = phase.String
	t.WorkerID = workerID.String
	t.CurrentThought = currentThought.String
	t.DeletedBy = deletedBy.String
	t.DeletedReason = deletedReason.String
	t.CreatedAt = msToTime(createdAtMs)
	t.UpdatedAt = msToTime(updatedAtMs)
	t.ClaimedAt = nullMsToTimePtr(claimedAt)
	t.StartedAt = nullMsToTimePtr(startedAt)
	t.CompletedAt = nullMsToTimePtr(completedAt)
	t.DeletedAt = nullMsToTimePtr(deletedAt)
	if points.Valid {
		v := int(points.Int64)
		t.Points = &v
	}
	if timeEstimateMs.Valid {
		v := timeEstimateMs.Int64
		t.TimeEstimateMs = &v
	}

	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(needJSON), &t.NeededTags); err != nil {
		return nil, fmt.Errorf("failed to decode needed_tags: %w", err)
	}
	if err := json.Unmarshal([]byte(wantJSON), &t.WantedTags); err != nil {
		return nil, fmt.Errorf("failed to decode wanted_tags: %w", err)
	}

	return &t, nil
}

func marshalTagSets(t *model.Task) (tags, needed, wanted string, err error) {
	tagsB, err := json.Marshal(nonNilSlice(t.Tags))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	neededB, err := json.Marshal(nonNilSlice(t.NeededTags))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal needed_tags: %w", err)
	}
	wantedB, err := json.Marshal(nonNilSlice(t.WantedTags))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal wanted_tags: %w", err)
	}
	return string(tagsB), string(neededB), string(wantedB), nil
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
