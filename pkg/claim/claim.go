// Package claim implements the claim engine: worker registration, exclusive
// claim/force-claim/release/complete, heartbeats, thinking notes, disconnect,
// and stale-worker eviction (spec §4.E). Every operation that touches more
// than one table commits in a single write transaction, composing the state
// machine's ApplyTx and the dependency engine's blocked-check rather than
// nesting separate transactions (spec §5's locking discipline).
package claim

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskgraph/engine/pkg/depgraph"
	"github.com/taskgraph/engine/pkg/idgen"
	"github.com/taskgraph/engine/pkg/metrics"
	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/statemachine"
	"github.com/taskgraph/engine/pkg/store"
	"github.com/taskgraph/engine/pkg/taskerr"
	"github.com/taskgraph/engine/pkg/workflow"
)

// defaultMaxClaims is the fallback worker capacity when a caller doesn't
// specify one (spec §3: "max_claims (integer, default 5)").
const defaultMaxClaims = 5

// Engine wires the store, the effective workflow, the state machine, and
// the dependency engine together to implement claim/release semantics.
type Engine struct {
	store            *store.Store
	cfg              *workflow.Config
	sm               *statemachine.Machine
	dg               *depgraph.Engine
	m                *metrics.Metrics
	defaultMaxClaims int
}

// New builds a claim Engine from its four collaborators. Metrics are off
// by default; call SetMetrics to attach a collector. The default claim
// limit is 5 (spec §3); call SetDefaultMaxClaims to override it (spec §6
// TASK_GRAPH_CLAIM_LIMIT).
func New(s *store.Store, cfg *workflow.Config, sm *statemachine.Machine, dg *depgraph.Engine) *Engine {
	return &Engine{store: s, cfg: cfg, sm: sm, dg: dg, defaultMaxClaims: defaultMaxClaims}
}

// SetMetrics attaches a metrics collector; a nil m disables recording
// (every Metrics method tolerates a nil receiver).
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.m = m
}

// SetDefaultMaxClaims overrides the fallback worker capacity used when
// RegisterWorker's caller doesn't specify one. A non-positive n is ignored.
func (e *Engine) SetDefaultMaxClaims(n int) {
	if n > 0 {
		e.defaultMaxClaims = n
	}
}

// RegisterWorkerParams are the inputs to RegisterWorker.
type RegisterWorkerParams struct {
	ID        string
	Tags      []string
	MaxClaims int
	Force     bool
}

// RegisterWorker inserts a new worker row, generating an ID if absent, with
// the watermark seeded from the current max file-event id. Re-registering
// an existing ID without force fails with WorkerIdTaken; with force, tags
// and the watermark are refreshed but the worker's currently-owned tasks
// are left untouched (spec §3, §8 "registering with force preserves owned
// tasks").
func (e *Engine) RegisterWorker(ctx context.Context, p RegisterWorkerParams) (*model.Worker, error) {
	id := p.ID
	if id == "" {
		generated, err := idgen.Generate(func(candidate string) (bool, error) {
			w, err := e.store.GetWorker(ctx, candidate)
			if err != nil {
				if taskerr.Is(err, taskerr.CodeWorkerNotFound) {
					return false, nil
				}
				return false, err
			}
			return w != nil, nil
		})
		if err != nil {
			return nil, err
		}
		id = generated
	}
	maxClaims := p.MaxClaims
	if maxClaims <= 0 {
		maxClaims = e.defaultMaxClaims
	}

	var worker *model.Worker
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		now := e.store.Now()
		existing, err := e.store.GetWorkerTx(ctx, tx, id)
		if err != nil && !taskerr.Is(err, taskerr.CodeWorkerNotFound) {
			return err
		}

		watermark, err := e.store.MaxFileEventIDTx(ctx, tx)
		if err != nil {
			return err
		}

		if existing != nil {
			if !p.Force {
				return taskerr.New(taskerr.CodeWorkerIDTaken, "worker id %q is already registered", id)
			}
			existing.Tags = p.Tags
			existing.MaxClaims = maxClaims
			existing.LastHeartbeat = now
			existing.LastClaimSequence = watermark + 1
			if err := e.store.UpdateWorkerTx(ctx, tx, existing); err != nil {
				return err
			}
			worker = existing
			return nil
		}

		w := &model.Worker{
			ID: id, Tags: p.Tags, MaxClaims: maxClaims,
			RegisteredAt: now, LastHeartbeat: now, LastClaimSequence: watermark + 1,
		}
		if err := e.store.InsertWorkerTx(ctx, tx, w); err != nil {
			return err
		}
		worker = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

// Claim atomically assigns an unowned, unblocked task to workerID.
func (e *Engine) Claim(ctx context.Context, taskID, workerID string) (*model.Task, error) {
	return e.claim(ctx, taskID, workerID, false)
}

// ForceClaim is Claim but steals ownership from an existing owner, if any.
func (e *Engine) ForceClaim(ctx context.Context, taskID, workerID string) (*model.Task, error) {
	return e.claim(ctx, taskID, workerID, true)
}

func (e *Engine) claim(ctx context.Context, taskID, workerID string, force bool) (*model.Task, error) {
	start := e.store.Now()
	stolen := false
	var result *model.Task
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		task, err := e.store.GetTaskTx(ctx, tx, taskID, false)
		if err != nil {
			return err
		}
		worker, err := e.store.GetWorkerTx(ctx, tx, workerID)
		if err != nil {
			return err
		}

		priorOwner := task.WorkerID
		priorStatus := task.Status

		if task.IsClaimed() {
			if !force {
				return taskerr.New(taskerr.CodeAlreadyClaimed, "task %q is already claimed by %q", taskID, priorOwner)
			}
		} else if task.Status != e.cfg.Settings.InitialState {
			return taskerr.New(taskerr.CodeInvalidTransition, "task %q is not claimable from status %q", taskID, task.Status)
		}

		blocked, err := e.dg.IsBlockedTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if blocked {
			return taskerr.New(taskerr.CodeBlocked, "task %q is blocked by an unfinished dependency", taskID)
		}

		count, err := e.store.ClaimCountTx(ctx, tx, workerID)
		if err != nil {
			return err
		}
		if count >= worker.MaxClaims {
			return taskerr.New(taskerr.CodeClaimLimitReached, "worker %q is at capacity (%d/%d)", workerID, count, worker.MaxClaims)
		}

		if ok, missing := worker.SatisfiesAffinity(task.NeededTags, task.WantedTags); !ok {
			return taskerr.New(taskerr.CodeMissingAffinity, "worker %q is missing required tags %v", workerID, missing).
				WithDetails(map[string]any{"missing_needed_tags": missing})
		}

		reason := ""
		if force && priorOwner != "" {
			reason = "stolen"
			stolen = true
		}

		smResult, err := e.sm.ApplyTx(ctx, tx, statemachine.Update{
			TaskID: taskID,
			Status: e.cfg.WorkingState,
			Reason: reason,
			Force:  force,
		})
		if err != nil {
			return err
		}
		task = smResult.Task

		now := e.store.Now()
		task.WorkerID = workerID
		task.ClaimedAt = &now
		if err := e.store.UpdateTaskTx(ctx, tx, task); err != nil {
			return err
		}

		if reason == "stolen" && task.Status == priorStatus {
			if err := e.recordStolenEvent(ctx, tx, task, now); err != nil {
				return err
			}
		}

		worker.LastHeartbeat = now
		if err := e.store.UpdateWorkerTx(ctx, tx, worker); err != nil {
			return err
		}

		result = task
		return nil
	})
	duration := e.store.Now().Sub(start)
	if err != nil {
		op := "claim"
		if force {
			op = "force_claim"
		}
		if te, ok := taskerr.As(err); ok {
			e.m.RecordClaimError(op, string(te.Code))
		}
		e.m.RecordClaim("rejected", duration)
		return nil, err
	}
	outcome := "claimed"
	if stolen {
		outcome = "stolen"
	}
	e.m.RecordClaim(outcome, duration)
	return result, nil
}

// recordStolenEvent closes the open event row and opens a new one with
// reason "stolen" when force-claiming didn't trigger a natural status
// transition (the task was already in the target working state).
func (e *Engine) recordStolenEvent(ctx context.Context, tx *sql.Tx, task *model.Task, now time.Time) error {
	open, err := e.store.OpenTaskEventTx(ctx, tx, task.ID)
	if err != nil {
		return err
	}
	if open != nil {
		if err := e.store.CloseTaskEventTx(ctx, tx, open.ID, now.UnixMilli()); err != nil {
			return err
		}
	}
	_, err = e.store.AppendTaskEventTx(ctx, tx, &model.TaskEvent{
		TaskID: task.ID, WorkerID: task.WorkerID, Status: task.Status, Phase: task.Phase,
		Reason: "stolen", Timestamp: now,
	})
	return err
}

// Release verifies ownership, transitions to newStatus (or initial_state
// if empty), and clears the task's ownership fields.
func (e *Engine) Release(ctx context.Context, taskID, workerID, newStatus string) (*model.Task, error) {
	if newStatus == "" {
		newStatus = e.cfg.Settings.InitialState
	}
	var result *model.Task
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		smResult, err := e.sm.ApplyTx(ctx, tx, statemachine.Update{
			TaskID: taskID, WorkerID: workerID, Status: newStatus,
		})
		if err != nil {
			return err
		}
		task := smResult.Task
		if !e.cfg.IsTerminalState(newStatus) {
			task.WorkerID = ""
			task.ClaimedAt = nil
			if err := e.store.UpdateTaskTx(ctx, tx, task); err != nil {
				return err
			}
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Complete releases to the configured terminal-success state and, in the
// same transaction, releases every file mark the worker holds.
func (e *Engine) Complete(ctx context.Context, taskID, workerID string) (*model.Task, error) {
	var result *model.Task
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		smResult, err := e.sm.ApplyTx(ctx, tx, statemachine.Update{
			TaskID: taskID, WorkerID: workerID, Status: e.cfg.TerminalSuccessState,
		})
		if err != nil {
			return err
		}
		result = smResult.Task

		now := e.store.Now()
		if err := e.releaseFileMarksTx(ctx, tx, workerID, "completed", now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) releaseFileMarksTx(ctx context.Context, tx *sql.Tx, workerID, reason string, now time.Time) error {
	marks, err := e.store.DeleteFileMarksByWorkerTx(ctx, tx, workerID)
	if err != nil {
		return err
	}
	for _, m := range marks {
		open, err := e.store.OpenFileEventTx(ctx, tx, m.FilePath)
		if err != nil {
			return err
		}
		if open != nil {
			if err := e.store.CloseFileEventTx(ctx, tx, open.ID, now.UnixMilli()); err != nil {
				return err
			}
		}
		var claimID int64
		if open != nil {
			claimID = open.ID
		}
		if _, err := e.store.AppendFileEventTx(ctx, tx, &model.FileEvent{
			FilePath: m.FilePath, WorkerID: workerID, Event: model.FileEventReleased,
			Reason: reason, Timestamp: now, ClaimID: claimID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat refreshes last_heartbeat and returns the worker's current claim
// count.
func (e *Engine) Heartbeat(ctx context.Context, workerID string) (int, error) {
	var count int
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		worker, err := e.store.GetWorkerTx(ctx, tx, workerID)
		if err != nil {
			return err
		}
		worker.LastHeartbeat = e.store.Now()
		if err := e.store.UpdateWorkerTx(ctx, tx, worker); err != nil {
			return err
		}
		count, err = e.store.ClaimCountTx(ctx, tx, workerID)
		return err
	})
	return count, err
}

// Thinking is a non-transition update: it sets current_thought on either a
// named task or every task currently owned by the worker, and refreshes the
// worker's heartbeat (spec §4.E).
func (e *Engine) Thinking(ctx context.Context, workerID, taskID, thought string) error {
	return e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		worker, err := e.store.GetWorkerTx(ctx, tx, workerID)
		if err != nil {
			return err
		}
		now := e.store.Now()

		if taskID != "" {
			if _, err := e.sm.ApplyTx(ctx, tx, statemachine.Update{
				TaskID: taskID, WorkerID: workerID, Thought: thought,
			}); err != nil {
				return err
			}
		} else {
			owned, err := e.store.TasksOwnedByWorkerTx(ctx, tx, workerID)
			if err != nil {
				return err
			}
			for _, t := range owned {
				t.CurrentThought = thought
				t.UpdatedAt = now
				if err := e.store.UpdateTaskTx(ctx, tx, t); err != nil {
					return err
				}
			}
		}

		worker.LastHeartbeat = now
		return e.store.UpdateWorkerTx(ctx, tx, worker)
	})
}

// DisconnectResult summarizes what Disconnect cleaned up.
type DisconnectResult struct {
	TasksReleased int
	FilesReleased int
	FinalStatus   string
}

// Disconnect transitions every task the worker owns to finalStatus (which
// must be untimed), releases all of its file marks, and deletes the worker
// row.
func (e *Engine) Disconnect(ctx context.Context, workerID, finalStatus string) (DisconnectResult, error) {
	var result DisconnectResult
	result.FinalStatus = finalStatus

	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		if e.cfg.IsTimedState(finalStatus) {
			return fmt.Errorf("claim: disconnect final_status %q must be untimed", finalStatus)
		}

		owned, err := e.store.TasksOwnedByWorkerTx(ctx, tx, workerID)
		if err != nil {
			return err
		}
		for _, t := range owned {
			smResult, err := e.sm.ApplyTx(ctx, tx, statemachine.Update{
				TaskID: t.ID, WorkerID: workerID, Status: finalStatus, Reason: "disconnected",
			})
			if err != nil {
				return err
			}
			task := smResult.Task
			if !e.cfg.IsTerminalState(finalStatus) {
				task.WorkerID = ""
				task.ClaimedAt = nil
				if err := e.store.UpdateTaskTx(ctx, tx, task); err != nil {
					return err
				}
			}
			result.TasksReleased++
		}

		now := e.store.Now()
		marks, err := e.store.ListFileMarksTx(ctx, tx, nil, workerID)
		if err != nil {
			return err
		}
		if err := e.releaseFileMarksTx(ctx, tx, workerID, "disconnected", now); err != nil {
			return err
		}
		result.FilesReleased = len(marks)

		return e.store.DeleteWorkerTx(ctx, tx, workerID)
	})
	if err != nil {
		return DisconnectResult{}, err
	}
	return result, nil
}

// CleanupResult summarizes a stale-worker sweep.
type CleanupResult struct {
	EvictedWorkerIDs []string
	TasksReleased    int
	FilesReleased    int
	FinalStatus      string
}

// CleanupStaleWorkers evicts every worker whose last heartbeat is older
// than timeout, disconnecting each with finalStatus (the configured
// disconnect_state in normal use).
func (e *Engine) CleanupStaleWorkers(ctx context.Context, timeout time.Duration, finalStatus string) (CleanupResult, error) {
	cutoff := e.store.Now().Add(-timeout).UnixMilli()

	var staleIDs []string
	err := e.store.WithRead(ctx, func(tx *sql.Tx) error {
		stale, err := e.store.StaleWorkersTx(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		for _, w := range stale {
			staleIDs = append(staleIDs, w.ID)
		}
		return nil
	})
	if err != nil {
		return CleanupResult{}, err
	}

	result := CleanupResult{FinalStatus: finalStatus}
	for _, id := range staleIDs {
		d, err := e.Disconnect(ctx, id, finalStatus)
		if err != nil {
			if taskerr.Is(err, taskerr.CodeWorkerNotFound) {
				continue
			}
			return result, err
		}
		e.m.RecordWorkerEvicted(finalStatus)
		result.EvictedWorkerIDs = append(result.EvictedWorkerIDs, id)
		result.TasksReleased += d.TasksReleased
		result.FilesReleased += d.FilesReleased
	}
	return result, nil
}
