// Package statemachine applies proposed status/phase changes to a task
// atomically: validating the transition against the effective workflow,
// opening/closing event rows, accumulating timed duration, and evaluating
// exit gates (spec §4.C).
package statemachine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/store"
	"github.com/taskgraph/engine/pkg/taskerr"
	"github.com/taskgraph/engine/pkg/workflow"
)

// Machine ties a Store to the effective workflow.Config it validates
// transitions against.
type Machine struct {
	store *store.Store
	cfg   *workflow.Config
}

// New builds a Machine over store, validating transitions against cfg.
func New(s *store.Store, cfg *workflow.Config) *Machine {
	return &Machine{store: s, cfg: cfg}
}

// Update is the combined status/phase/thought/reason operation spec §4.C
// describes: every change lands in one write transaction, or none do.
type Update struct {
	TaskID   string
	WorkerID string // expected owner; empty means "no ownership check"
	Status   string // "" means unchanged
	Phase    string // "" means unchanged
	Thought  string
	Reason   string
	Force    bool
}

// Result reports what Update actually changed, for callers (the claim
// engine, the RPC surface) that need the resulting task and any warnings.
type Result struct {
	Task     *model.Task
	Warnings []string
}

// Apply validates and commits u in a single write transaction it owns.
func (m *Machine) Apply(ctx context.Context, u Update) (*Result, error) {
	var result Result
	err := m.store.WithWrite(ctx, func(tx *sql.Tx) error {
		var innerErr error
		result, innerErr = m.ApplyTx(ctx, tx, u)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ApplyTx runs the same validation and mutation as Apply, but inside a
// transaction the caller already owns — the claim engine needs this to
// combine a transition with ownership and file-mark changes atomically
// (spec §5's locking discipline).
func (m *Machine) ApplyTx(ctx context.Context, tx *sql.Tx, u Update) (Result, error) {
	var result Result

	task, err := m.store.GetTaskTx(ctx, tx, u.TaskID, false)
	if err != nil {
		return result, err
	}

	if u.WorkerID != "" && task.WorkerID != u.WorkerID {
		return result, taskerr.New(taskerr.CodeNotOwner, "worker %q does not own task %q", u.WorkerID, u.TaskID)
	}

	now := m.store.Now()
	warnings, err := m.applyPhase(ctx, tx, task, u, now)
	if err != nil {
		return result, err
	}
	result.Warnings = append(result.Warnings, warnings...)

	if u.Status != "" && u.Status != task.Status {
		warnings, err := m.applyStatus(ctx, tx, task, u, now)
		if err != nil {
			return result, err
		}
		result.Warnings = append(result.Warnings, warnings...)
	}

	if u.Thought != "" {
		task.CurrentThought = u.Thought
	}
	task.UpdatedAt = now

	if err := m.store.UpdateTaskTx(ctx, tx, task); err != nil {
		return result, err
	}
	result.Task = task
	return result, nil
}

// applyStatus runs the seven-step transition algorithm from spec §4.C
// for a status change, mutating task in place.
func (m *Machine) applyStatus(ctx context.Context, tx *sql.Tx, task *model.Task, u Update, now time.Time) ([]string, error) {
	oldStatus := task.Status
	newStatus := u.Status

	if !m.cfg.IsValidState(newStatus) {
		return nil, taskerr.New(taskerr.CodeInvalidState, "unknown state %q", newStatus)
	}

	if oldStatus == m.cfg.WorkingState && newStatus != oldStatus {
		blocked, err := m.hasUnfinishedCompletionBlocker(ctx, tx, task.ID)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, taskerr.New(taskerr.CodeBlocked,
				"task %q cannot leave %q: a blocks=completion dependency predecessor is not yet terminal", task.ID, oldStatus)
		}
	}

	warnings, err := m.checkGates(ctx, tx, task, m.cfg.GetStatusExitGates(oldStatus), u.Force)
	if err != nil {
		return nil, err
	}

	if !m.cfg.IsValidTransition(oldStatus, newStatus) {
		if !u.Force {
			return nil, taskerr.New(taskerr.CodeInvalidTransition, "cannot transition %q -> %q", oldStatus, newStatus)
		}
	}

	open, err := m.store.OpenTaskEventTx(ctx, tx, task.ID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		if err := m.store.CloseTaskEventTx(ctx, tx, open.ID, now.UnixMilli()); err != nil {
			return nil, err
		}
		if m.cfg.IsTimedState(oldStatus) {
			task.TimeActualMs += now.Sub(open.Timestamp).Milliseconds()
		}
	}

	if _, err := m.store.AppendTaskEventTx(ctx, tx, &model.TaskEvent{
		TaskID: task.ID, WorkerID: task.WorkerID, Status: newStatus, Phase: task.Phase,
		Reason: u.Reason, Timestamp: now,
	}); err != nil {
		return nil, err
	}

	task.Status = newStatus
	if m.cfg.IsTimedState(newStatus) && task.StartedAt == nil {
		t := now
		task.StartedAt = &t
	}
	if m.cfg.IsTerminalState(newStatus) {
		t := now
		task.CompletedAt = &t
		task.WorkerID = ""
		task.ClaimedAt = nil
	}

	return warnings, nil
}

// applyPhase mirrors applyStatus for a phase-only change: same gate
// evaluation, but no status fields are touched.
func (m *Machine) applyPhase(ctx context.Context, tx *sql.Tx, task *model.Task, u Update, now time.Time) ([]string, error) {
	if u.Phase == "" || u.Phase == task.Phase {
		return nil, nil
	}

	if !m.cfg.IsValidPhase(u.Phase) {
		return nil, taskerr.New(taskerr.CodeInvalidPhase, "unknown phase %q", u.Phase)
	}

	warnings, err := m.checkGates(ctx, tx, task, m.cfg.GetPhaseExitGates(task.Phase), u.Force)
	if err != nil {
		return nil, err
	}

	task.Phase = u.Phase
	return warnings, nil
}

// hasUnfinishedCompletionBlocker reports whether taskID has an incoming
// edge of a dep_type configured blocks=completion (spec §3: "prevents
// transition out of working until from is terminal") whose source task
// has not yet reached a terminal state.
func (m *Machine) hasUnfinishedCompletionBlocker(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	edges, err := m.store.IncomingEdgesTx(ctx, tx, taskID, nil)
	if err != nil {
		return false, err
	}
	for _, d := range edges {
		if m.cfg.BlockKindFor(string(d.Type)) != string(model.BlockCompletion) {
			continue
		}
		source, err := m.store.GetTaskTx(ctx, tx, d.From, true)
		if err != nil {
			if taskerr.Is(err, taskerr.CodeTaskNotFound) {
				continue
			}
			return false, err
		}
		if !m.cfg.IsTerminalState(source.Status) {
			return true, nil
		}
	}
	return false, nil
}

// checkGates evaluates gate satisfaction against the task's attachment
// types. Reject-enforcement gates fail unless force=true and every such
// gate is satisfied; warn-enforcement gates that are unsatisfied produce a
// warning (or fail, without force).
func (m *Machine) checkGates(ctx context.Context, tx *sql.Tx, task *model.Task, gates []workflow.GateDefinition, force bool) ([]string, error) {
	if len(gates) == 0 {
		return nil, nil
	}

	attached, err := m.store.AttachmentTypesTx(ctx, tx, task.ID)
	if err != nil {
		return nil, err
	}

	var unsatisfiedReject []string
	var unsatisfiedWarn []string
	for _, g := range gates {
		if attached[g.GateType] {
			continue
		}
		switch g.Enforcement {
		case workflow.EnforcementReject:
			unsatisfiedReject = append(unsatisfiedReject, g.GateType)
		case workflow.EnforcementWarn:
			unsatisfiedWarn = append(unsatisfiedWarn, g.GateType)
		}
	}

	if len(unsatisfiedReject) > 0 && !force {
		return nil, taskerr.New(taskerr.CodeGateUnsatisfied, "unsatisfied gates: %v", unsatisfiedReject).
			WithDetails(map[string]any{"gates": unsatisfiedReject})
	}

	var warnings []string
	if len(unsatisfiedWarn) > 0 {
		if !force {
			return nil, taskerr.New(taskerr.CodeGateUnsatisfied, "unsatisfied warning gates: %v", unsatisfiedWarn).
				WithDetails(map[string]any{"gates": unsatisfiedWarn}).AsWarning()
		}
		for _, g := range unsatisfiedWarn {
			warnings = append(warnings, fmt.Sprintf("gate %q unsatisfied (forced)", g))
		}
	}
	return warnings, nil
}

// EvaluateGates is a read-only query: which exit gates for the task's
// current status/phase are unsatisfied right now, without attempting a
// transition. Supplements the spec's check_gates RPC operation.
func (m *Machine) EvaluateGates(ctx context.Context, taskID string) (unsatisfied []string, err error) {
	err = m.store.WithRead(ctx, func(tx *sql.Tx) error {
		task, err := m.store.GetTaskTx(ctx, tx, taskID, false)
		if err != nil {
			return err
		}
		attached, err := m.store.AttachmentTypesTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		gates := append(append([]workflow.GateDefinition{}, m.cfg.GetStatusExitGates(task.Status)...), m.cfg.GetPhaseExitGates(task.Phase)...)
		for _, g := range gates {
			if !attached[g.GateType] {
				unsatisfied = append(unsatisfied, g.GateType)
			}
		}
		return nil
	})
	return unsatisfied, err
}
