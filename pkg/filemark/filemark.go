// Package filemark implements the advisory file-mark registry: a single
// owner per path, with an append-only claimed/released event log that a
// worker can poll by watermark (spec §4.F). Marks are advisory only — they
// coordinate well-behaved workers, not enforce exclusion at the filesystem
// level, the same stance the original lock registry took.
package filemark

import (
	"context"
	"database/sql"

	"github.com/taskgraph/engine/pkg/metrics"
	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/store"
	"github.com/taskgraph/engine/pkg/taskerr"
)

// Engine wraps the store's file-mark and file-event tables with the
// ownership and audit-trail rules spec §4.F describes.
type Engine struct {
	store *store.Store
	m     *metrics.Metrics
}

// New builds a file-mark Engine over store. Metrics are off by default;
// call SetMetrics to attach a collector.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// SetMetrics attaches a metrics collector; a nil m disables recording.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.m = m
}

// MarkResult reports the outcome of Mark: either a clean claim/refresh, or
// a conflict the caller decides how to treat (spec §4.F: "policy-decided
// by the caller whether to treat as error or soft conflict").
type MarkResult struct {
	Mark         *model.FileMark
	ConflictWith string // non-empty: path already held by this other worker
}

// Mark claims path for workerID, or refreshes the lock if workerID already
// holds it. If another worker holds it, no change is made and ConflictWith
// reports the current owner.
func (e *Engine) Mark(ctx context.Context, path, workerID, reason, taskID string) (MarkResult, error) {
	var result MarkResult
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		existing, err := e.store.GetFileMarkTx(ctx, tx, path)
		if err != nil {
			return err
		}
		if existing != nil && existing.WorkerID != workerID {
			e.m.RecordFileMarkConflict()
			result = MarkResult{Mark: existing, ConflictWith: existing.WorkerID}
			return nil
		}

		now := e.store.Now()
		mark := &model.FileMark{FilePath: path, WorkerID: workerID, Reason: reason, TaskID: taskID, LockedAt: now}
		if err := e.store.UpsertFileMarkTx(ctx, tx, mark); err != nil {
			return err
		}

		if existing == nil {
			if _, err := e.store.AppendFileEventTx(ctx, tx, &model.FileEvent{
				FilePath: path, WorkerID: workerID, Event: model.FileEventClaimed,
				Reason: reason, Timestamp: now,
			}); err != nil {
				return err
			}
		}

		result = MarkResult{Mark: mark}
		return nil
	})
	if err == nil && result.ConflictWith == "" {
		e.m.RecordFileMarkOp("mark")
	}
	return result, err
}

// Unmark releases path iff workerID is the current owner, closing the open
// claimed event and appending a released event. Returns false if the path
// is unheld or held by someone else — no error, a no-op report.
func (e *Engine) Unmark(ctx context.Context, path, workerID string) (bool, error) {
	var released bool
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		existing, err := e.store.GetFileMarkTx(ctx, tx, path)
		if err != nil {
			return err
		}
		if existing == nil || existing.WorkerID != workerID {
			return nil
		}
		if err := e.release(ctx, tx, path, workerID, "released"); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err == nil && released {
		e.m.RecordFileMarkOp("unmark")
	}
	return released, err
}

// ForceUnmark deletes the mark on path regardless of owner, still
// appending a released event with reason "force" to preserve the audit
// trail (spec §4.F).
func (e *Engine) ForceUnmark(ctx context.Context, path string) error {
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		existing, err := e.store.GetFileMarkTx(ctx, tx, path)
		if err != nil {
			return err
		}
		if existing == nil {
			return taskerr.New(taskerr.CodeFileMarkNotFound, "no mark held on %q", path)
		}
		return e.release(ctx, tx, path, existing.WorkerID, "force")
	})
	if err == nil {
		e.m.RecordFileMarkOp("force_unmark")
	}
	return err
}

// release is the shared delete-row/close-event/append-event sequence behind
// Unmark and ForceUnmark; callers have already verified ownership (or
// deliberately skipped that check, as ForceUnmark does).
func (e *Engine) release(ctx context.Context, tx *sql.Tx, path, workerID, reason string) error {
	now := e.store.Now()
	if err := e.store.DeleteFileMarkTx(ctx, tx, path); err != nil {
		return err
	}

	open, err := e.store.OpenFileEventTx(ctx, tx, path)
	if err != nil {
		return err
	}
	var claimID int64
	if open != nil {
		if err := e.store.CloseFileEventTx(ctx, tx, open.ID, now.UnixMilli()); err != nil {
			return err
		}
		claimID = open.ID
	}

	_, err = e.store.AppendFileEventTx(ctx, tx, &model.FileEvent{
		FilePath: path, WorkerID: workerID, Event: model.FileEventReleased,
		Reason: reason, Timestamp: now, ClaimID: claimID,
	})
	return err
}

// ReleaseWorkerMarks bulk-releases every mark held by workerID, closing and
// appending events for each (spec §4.F); used directly by callers that
// operate outside an existing claim-engine transaction (e.g. an
// administrative sweep), not by pkg/claim's own disconnect/complete paths,
// which run the same sequence inline inside their own transaction.
func (e *Engine) ReleaseWorkerMarks(ctx context.Context, workerID string) (int, error) {
	var n int
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		marks, err := e.store.DeleteFileMarksByWorkerTx(ctx, tx, workerID)
		if err != nil {
			return err
		}
		now := e.store.Now()
		for _, m := range marks {
			open, err := e.store.OpenFileEventTx(ctx, tx, m.FilePath)
			if err != nil {
				return err
			}
			var claimID int64
			if open != nil {
				if err := e.store.CloseFileEventTx(ctx, tx, open.ID, now.UnixMilli()); err != nil {
					return err
				}
				claimID = open.ID
			}
			if _, err := e.store.AppendFileEventTx(ctx, tx, &model.FileEvent{
				FilePath: m.FilePath, WorkerID: workerID, Event: model.FileEventReleased,
				Reason: "released", Timestamp: now, ClaimID: claimID,
			}); err != nil {
				return err
			}
		}
		n = len(marks)
		return nil
	})
	if err == nil && n > 0 {
		e.m.RecordFileMarkOp("release_worker_marks")
	}
	return n, err
}

// List returns marks filtered by an optional path set and/or worker ID.
func (e *Engine) List(ctx context.Context, paths []string, workerID string) ([]*model.FileMark, error) {
	var marks []*model.FileMark
	err := e.store.WithRead(ctx, func(tx *sql.Tx) error {
		var err error
		marks, err = e.store.ListFileMarksTx(ctx, tx, paths, workerID)
		return err
	})
	return marks, err
}

// Poll returns every file event at or after workerID's watermark, then
// advances the watermark to one past the highest ID returned (spec §4.F).
// An empty result leaves the watermark untouched.
func (e *Engine) Poll(ctx context.Context, workerID string) ([]*model.FileEvent, error) {
	var events []*model.FileEvent
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		worker, err := e.store.GetWorkerTx(ctx, tx, workerID)
		if err != nil {
			return err
		}

		events, err = e.store.FileEventsSinceTx(ctx, tx, worker.LastClaimSequence)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		max := worker.LastClaimSequence
		for _, ev := range events {
			if ev.ID > max {
				max = ev.ID
			}
		}
		worker.LastClaimSequence = max + 1
		worker.LastHeartbeat = e.store.Now()
		return e.store.UpdateWorkerTx(ctx, tx, worker)
	})
	return events, err
}
