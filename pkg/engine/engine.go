// Package engine wires the store, the effective workflow, the state
// machine, the dependency engine, the claim engine, the file-mark registry,
// and the pub/sub inbox into the single coordination kernel spec §6's RPC
// surface names: register, heartbeat, disconnect, list_workers, create_task,
// update, get_task, list_tasks, claim, release, complete, thinking,
// add_dependency, remove_dependency, mark, unmark, poll_marks, check_gates,
// stats, subscribe, unsubscribe, poll_inbox, clear_inbox,
// cleanup_stale_workers. Every name is a plain Go method here; no MCP/HTTP
// transport or dispatcher lives in this package.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskgraph/engine/pkg/claim"
	"github.com/taskgraph/engine/pkg/clockutil"
	"github.com/taskgraph/engine/pkg/depgraph"
	"github.com/taskgraph/engine/pkg/filemark"
	"github.com/taskgraph/engine/pkg/idgen"
	"github.com/taskgraph/engine/pkg/logging"
	"github.com/taskgraph/engine/pkg/metrics"
	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/pubsub"
	"github.com/taskgraph/engine/pkg/statemachine"
	"github.com/taskgraph/engine/pkg/store"
	"github.com/taskgraph/engine/pkg/taskerr"
	"github.com/taskgraph/engine/pkg/workflow"
)

// Config bundles the runtime knobs spec §6 describes as environment
// overrides rather than workflow topology: where the database lives, how
// long a silent worker survives before the stale sweep reaps it, and
// whether to collect metrics.
type Config struct {
	// DBDriver and DBDSN name the store dialect and connection string
	// (spec §4.A: sqlite3/postgres/mysql). Used only by Open, not New.
	DBDriver string
	DBDSN    string

	// StaleTimeout is TASK_GRAPH_STALE_TIMEOUT: how long a worker may go
	// without a heartbeat before CleanupStaleWorkers evicts it.
	StaleTimeout time.Duration

	// DefaultMaxClaims is TASK_GRAPH_CLAIM_LIMIT: the fallback worker
	// capacity when RegisterWorker's caller doesn't specify one. Zero
	// keeps the claim engine's own default (5, spec §3).
	DefaultMaxClaims int

	Metrics metrics.Config
}

// SetDefaults fills the zero-value fields of Config.
func (c *Config) SetDefaults() {
	if c.DBDriver == "" {
		c.DBDriver = "sqlite3"
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 5 * time.Minute
	}
}

// Engine is the coordination kernel. It owns the store and every
// collaborator built over it; callers talk to Engine, never the
// sub-packages directly, once it's constructed.
type Engine struct {
	store *store.Store
	cfg   *workflow.Config

	sm     *statemachine.Machine
	dg     *depgraph.Engine
	claims *claim.Engine
	marks  *filemark.Engine
	inbox  *pubsub.Engine

	metrics      *metrics.Metrics
	staleTimeout time.Duration
}

// Open opens the store at rcfg.DBDSN and wires every collaborator over it.
func Open(rcfg Config, wf *workflow.Config, clock clockutil.Clock) (*Engine, error) {
	rcfg.SetDefaults()
	s, err := store.Open(rcfg.DBDriver, rcfg.DBDSN, clock)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e, err := New(s, wf, rcfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	return e, nil
}

// New wires collaborators over an already-open store — the path tests use
// to share one temp-file store across an engine and direct store assertions.
func New(s *store.Store, wf *workflow.Config, rcfg Config) (*Engine, error) {
	rcfg.SetDefaults()

	m, err := metrics.New(rcfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	sm := statemachine.New(s, wf)
	dg := depgraph.New(s, wf)
	claims := claim.New(s, wf, sm, dg)
	marks := filemark.New(s)
	inbox := pubsub.New(s)

	claims.SetMetrics(m)
	claims.SetDefaultMaxClaims(rcfg.DefaultMaxClaims)
	marks.SetMetrics(m)
	inbox.SetMetrics(m)

	return &Engine{
		store: s, cfg: wf,
		sm: sm, dg: dg, claims: claims, marks: marks, inbox: inbox,
		metrics: m, staleTimeout: rcfg.StaleTimeout,
	}, nil
}

// Close releases the underlying store's connections.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Metrics returns the collector wired into this Engine, or nil if metrics
// are disabled.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Workflow returns the effective, validated workflow configuration this
// Engine validates transitions and gates against.
func (e *Engine) Workflow() *workflow.Config {
	return e.cfg
}

// --- worker lifecycle (register, heartbeat, disconnect, list_workers,
//     cleanup_stale_workers) ---

// Register creates or re-registers a worker (spec §3, §4.E).
func (e *Engine) Register(ctx context.Context, p claim.RegisterWorkerParams) (*model.Worker, error) {
	return e.claims.RegisterWorker(ctx, p)
}

// Heartbeat refreshes a worker's last_heartbeat and returns its current
// claim count.
func (e *Engine) Heartbeat(ctx context.Context, workerID string) (int, error) {
	return e.claims.Heartbeat(ctx, workerID)
}

// Disconnect releases every task and file mark the worker holds, then
// deletes the worker row, notifying any subscriber of the worker target.
func (e *Engine) Disconnect(ctx context.Context, workerID, finalStatus string) (claim.DisconnectResult, error) {
	result, err := e.claims.Disconnect(ctx, workerID, finalStatus)
	if err != nil {
		return result, err
	}
	e.notify(ctx, model.TargetWorker, workerID, "disconnected into "+finalStatus)
	return result, nil
}

// ListWorkers returns every currently-registered worker.
func (e *Engine) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	return e.store.ListWorkers(ctx)
}

// CleanupStaleWorkers evicts every worker whose last heartbeat is older
// than the configured stale timeout.
func (e *Engine) CleanupStaleWorkers(ctx context.Context, finalStatus string) (claim.CleanupResult, error) {
	result, err := e.claims.CleanupStaleWorkers(ctx, e.staleTimeout, finalStatus)
	if err != nil {
		return result, err
	}
	for _, id := range result.EvictedWorkerIDs {
		e.notify(ctx, model.TargetWorker, id, "evicted into "+finalStatus)
	}
	return result, nil
}

// --- task lifecycle (create_task, get_task, list_tasks, update, check_gates) ---

// CreateTaskParams are the caller-supplied fields of a new task; id, status,
// and the timestamps are filled in by CreateTask.
type CreateTaskParams struct {
	ID             string
	Title          string
	Description    string
	Priority       int
	Tags           []string
	NeededTags     []string
	WantedTags     []string
	Points         *int
	TimeEstimateMs *int64
}

// CreateTask inserts a new task in the workflow's initial state, generating
// a petname ID with collision retry when p.ID is empty (spec §3).
func (e *Engine) CreateTask(ctx context.Context, p CreateTaskParams) (*model.Task, error) {
	id := p.ID
	if id == "" {
		generated, err := idgen.Generate(func(candidate string) (bool, error) {
			existing, err := e.store.GetTask(ctx, candidate, true)
			if err != nil {
				if taskerr.Is(err, taskerr.CodeTaskNotFound) {
					return false, nil
				}
				return false, err
			}
			return existing != nil, nil
		})
		if err != nil {
			return nil, err
		}
		id = generated
	}

	now := e.store.Now()
	t := &model.Task{
		ID:             id,
		Title:          p.Title,
		Description:    p.Description,
		Priority:       p.Priority,
		Tags:           p.Tags,
		NeededTags:     p.NeededTags,
		WantedTags:     p.WantedTags,
		Status:         e.cfg.Settings.InitialState,
		Points:         p.Points,
		TimeEstimateMs: p.TimeEstimateMs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask loads a task by ID.
func (e *Engine) GetTask(ctx context.Context, id string, includeDeleted bool) (*model.Task, error) {
	return e.store.GetTask(ctx, id, includeDeleted)
}

// ListTasks returns tasks matching filter.
func (e *Engine) ListTasks(ctx context.Context, filter store.TaskListFilter) ([]*model.Task, error) {
	return e.store.ListTasks(ctx, filter)
}

// Update applies a combined status/phase/thought change, notifying any
// subscriber of the task target on success.
func (e *Engine) Update(ctx context.Context, u statemachine.Update) (*statemachine.Result, error) {
	result, err := e.sm.Apply(ctx, u)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, model.TargetTask, u.TaskID, updateSummary(u))
	return result, nil
}

// CheckGates previews which exit gates for a task's current status/phase
// are unsatisfied, without attempting a transition.
func (e *Engine) CheckGates(ctx context.Context, taskID string) ([]string, error) {
	return e.sm.EvaluateGates(ctx, taskID)
}

// AddAttachment records the presence of attachmentType on taskID, the only
// hook gates check satisfaction against (spec §3, §8 scenario 5) — actual
// attachment storage is out of scope.
func (e *Engine) AddAttachment(ctx context.Context, taskID, attachmentType string) error {
	return e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		return e.store.AddAttachmentTx(ctx, tx, taskID, attachmentType, e.store.Now().UnixMilli())
	})
}

func updateSummary(u statemachine.Update) string {
	switch {
	case u.Status != "" && u.Phase != "":
		return fmt.Sprintf("status -> %s, phase -> %s", u.Status, u.Phase)
	case u.Status != "":
		return "status -> " + u.Status
	case u.Phase != "":
		return "phase -> " + u.Phase
	default:
		return "thought updated"
	}
}

// --- claim engine (claim, release, complete, thinking) ---

// Claim assigns taskID to workerID exclusively.
func (e *Engine) Claim(ctx context.Context, taskID, workerID string) (*model.Task, error) {
	t, err := e.claims.Claim(ctx, taskID, workerID)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, model.TargetTask, taskID, "claimed by "+workerID)
	return t, nil
}

// ForceClaim steals taskID from its current owner, recording a stolen
// event for audit.
func (e *Engine) ForceClaim(ctx context.Context, taskID, workerID string) (*model.Task, error) {
	t, err := e.claims.ForceClaim(ctx, taskID, workerID)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, model.TargetTask, taskID, "force-claimed by "+workerID)
	return t, nil
}

// Release returns taskID to newStatus, clearing ownership.
func (e *Engine) Release(ctx context.Context, taskID, workerID, newStatus string) (*model.Task, error) {
	t, err := e.claims.Release(ctx, taskID, workerID, newStatus)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, model.TargetTask, taskID, "released into "+newStatus)
	return t, nil
}

// Complete transitions taskID to the workflow's terminal success state.
func (e *Engine) Complete(ctx context.Context, taskID, workerID string) (*model.Task, error) {
	t, err := e.claims.Complete(ctx, taskID, workerID)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, model.TargetTask, taskID, "completed by "+workerID)
	return t, nil
}

// Thinking records a worker's current-thought note on a task it owns.
func (e *Engine) Thinking(ctx context.Context, workerID, taskID, thought string) error {
	return e.claims.Thinking(ctx, workerID, taskID, thought)
}

// --- dependency engine (add_dependency, remove_dependency) ---

// AddDependency inserts a typed edge after a cycle check.
func (e *Engine) AddDependency(ctx context.Context, from, to string, depType model.DepType) error {
	return e.dg.AddDependency(ctx, from, to, depType)
}

// RemoveDependency deletes a typed edge.
func (e *Engine) RemoveDependency(ctx context.Context, from, to string, depType model.DepType) error {
	return e.dg.RemoveDependency(ctx, from, to, depType)
}

// ReadyTasks returns every currently-claimable task, optionally filtered to
// a specific worker's affinity and remaining capacity.
func (e *Engine) ReadyTasks(ctx context.Context, filter depgraph.ReadyFilter) ([]*model.Task, error) {
	return e.dg.ReadyTasks(ctx, filter)
}

// --- file-mark registry (mark, unmark, poll_marks) ---

// Mark claims path for workerID, notifying any subscriber of the file
// target on a clean claim (not on a conflict, which mutates nothing).
func (e *Engine) Mark(ctx context.Context, path, workerID, reason, taskID string) (filemark.MarkResult, error) {
	result, err := e.marks.Mark(ctx, path, workerID, reason, taskID)
	if err != nil {
		return result, err
	}
	if result.ConflictWith == "" {
		e.notify(ctx, model.TargetFile, path, "marked by "+workerID)
	}
	return result, nil
}

// Unmark releases path iff workerID is the current owner.
func (e *Engine) Unmark(ctx context.Context, path, workerID string) (bool, error) {
	released, err := e.marks.Unmark(ctx, path, workerID)
	if err != nil {
		return false, err
	}
	if released {
		e.notify(ctx, model.TargetFile, path, "unmarked by "+workerID)
	}
	return released, nil
}

// ListMarks returns marks filtered by an optional path set and/or worker ID.
func (e *Engine) ListMarks(ctx context.Context, paths []string, workerID string) ([]*model.FileMark, error) {
	return e.marks.List(ctx, paths, workerID)
}

// PollMarks returns file events since workerID's watermark and advances it.
func (e *Engine) PollMarks(ctx context.Context, workerID string) ([]*model.FileEvent, error) {
	return e.marks.Poll(ctx, workerID)
}

// --- pub/sub (subscribe, unsubscribe, poll_inbox, clear_inbox) ---

// Subscribe records that workerID wants to be notified of events on
// (targetType, targetID).
func (e *Engine) Subscribe(ctx context.Context, workerID string, targetType model.TargetType, targetID string) (string, error) {
	return e.inbox.Subscribe(ctx, workerID, targetType, targetID)
}

// Unsubscribe removes a subscription owned by workerID.
func (e *Engine) Unsubscribe(ctx context.Context, id, workerID string) error {
	return e.inbox.Unsubscribe(ctx, id, workerID)
}

// PollInbox returns unread messages for workerID, oldest first.
func (e *Engine) PollInbox(ctx context.Context, workerID string, markRead bool) ([]*model.InboxMessage, error) {
	return e.inbox.PollInbox(ctx, workerID, markRead)
}

// ClearInbox deletes every message for workerID.
func (e *Engine) ClearInbox(ctx context.Context, workerID string) (int64, error) {
	return e.inbox.ClearInbox(ctx, workerID)
}

// --- stats ---

// Stats computes the aggregate view spec §6's stats operation surfaces.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.store.Stats(ctx)
}

// notify publishes a best-effort inbox message for a state change that has
// already committed. A publish failure is logged, not propagated — the
// triggering operation already succeeded and must not be undone because a
// notification couldn't be recorded.
func (e *Engine) notify(ctx context.Context, targetType model.TargetType, targetID, summary string) {
	if _, err := e.inbox.Publish(ctx, targetType, targetID, summary); err != nil {
		logging.GetLogger().Warn("engine: failed to publish notification",
			"target_type", targetType, "target_id", targetID, "error", err)
	}
}
