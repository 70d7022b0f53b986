package statemachine

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/engine/pkg/clockutil"
	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/store"
	"github.com/taskgraph/engine/pkg/taskerr"
	"github.com/taskgraph/engine/pkg/workflow"
)

func newHarness(t *testing.T) (*store.Store, *workflow.Config, *clockutil.Mock) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "sm.db")
	clock := clockutil.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := store.Open("sqlite3", dsn, clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg, err := workflow.Load(workflow.LoaderOptions{})
	require.NoError(t, err)
	return s, cfg, clock
}

func insertTask(t *testing.T, s *store.Store, clock *clockutil.Mock, id, status, workerID string) *model.Task {
	t.Helper()
	now := clock.Now()
	task := &model.Task{ID: id, Title: "t", Status: status, WorkerID: workerID, CreatedAt: now, UpdatedAt: now}
	if workerID != "" {
		task.ClaimedAt = &now
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	err := s.WithWrite(context.Background(), func(tx *sql.Tx) error {
		_, innerErr := s.AppendTaskEventTx(context.Background(), tx, &model.TaskEvent{TaskID: id, WorkerID: workerID, Status: status, Timestamp: now})
		return innerErr
	})
	require.NoError(t, err)
	return task
}

func TestApplyValidTransitionAccumulatesTimedDuration(t *testing.T) {
	s, cfg, clock := newHarness(t)
	insertTask(t, s, clock, "T1", "working", "alice")

	clock.Advance(150 * time.Millisecond)
	m := New(s, cfg)
	result, err := m.Apply(context.Background(), Update{TaskID: "T1", WorkerID: "alice", Status: "completed"})
	require.NoError(t, err)

	assert.Equal(t, "completed", result.Task.Status)
	assert.Empty(t, result.Task.WorkerID, "terminal transition must drop ownership")
	assert.GreaterOrEqual(t, result.Task.TimeActualMs, int64(150))
	assert.NotNil(t, result.Task.CompletedAt)
}

func TestApplyRejectsInvalidTransition(t *testing.T) {
	s, cfg, clock := newHarness(t)
	insertTask(t, s, clock, "T1", "completed", "")

	m := New(s, cfg)
	_, err := m.Apply(context.Background(), Update{TaskID: "T1", Status: "working"})
	assert.True(t, taskerr.Is(err, taskerr.CodeInvalidTransition))
}

func TestApplyRejectsUnknownState(t *testing.T) {
	s, cfg, clock := newHarness(t)
	insertTask(t, s, clock, "T1", "pending", "")

	m := New(s, cfg)
	_, err := m.Apply(context.Background(), Update{TaskID: "T1", Status: "nonexistent"})
	assert.True(t, taskerr.Is(err, taskerr.CodeInvalidState))
}

func TestApplyRejectsWrongOwner(t *testing.T) {
	s, cfg, clock := newHarness(t)
	insertTask(t, s, clock, "T1", "working", "alice")

	m := New(s, cfg)
	_, err := m.Apply(context.Background(), Update{TaskID: "T1", WorkerID: "bob", Status: "completed"})
	assert.True(t, taskerr.Is(err, taskerr.CodeNotOwner))
}

func TestApplyGateUnsatisfiedBlocksReject(t *testing.T) {
	s, _, clock := newHarness(t)
	cfg, err := workflow.Load(workflow.LoaderOptions{})
	require.NoError(t, err)
	cfg.Gates = map[string][]workflow.GateDefinition{
		"status:working": {{GateType: "gate/tests", Enforcement: workflow.EnforcementReject}},
	}
	insertTask(t, s, clock, "T1", "working", "alice")

	m := New(s, cfg)
	_, err = m.Apply(context.Background(), Update{TaskID: "T1", WorkerID: "alice", Status: "completed"})
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.CodeGateUnsatisfied))

	errWithDetails, ok := taskerr.As(err)
	require.True(t, ok)
	assert.Contains(t, errWithDetails.Details["gates"], "gate/tests")

	errWrite := s.WithWrite(context.Background(), func(tx *sql.Tx) error {
		return s.AddAttachmentTx(context.Background(), tx, "T1", "gate/tests", clock.Now().UnixMilli())
	})
	require.NoError(t, errWrite)

	result, err := m.Apply(context.Background(), Update{TaskID: "T1", WorkerID: "alice", Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Task.Status)
}

func TestApplyRejectsLeavingWorkingWithUnfinishedCompletionBlocker(t *testing.T) {
	s, cfg, clock := newHarness(t)
	insertTask(t, s, clock, "T1", "pending", "")
	insertTask(t, s, clock, "T2", "working", "alice")

	err := s.WithWrite(context.Background(), func(tx *sql.Tx) error {
		return s.AddDependencyTx(context.Background(), tx, model.Dependency{From: "T1", To: "T2", Type: "requires"}, clock.Now().UnixMilli())
	})
	require.NoError(t, err)

	m := New(s, cfg)
	_, err = m.Apply(context.Background(), Update{TaskID: "T2", WorkerID: "alice", Status: "completed"})
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.CodeBlocked))

	require.NoError(t, s.WithWrite(context.Background(), func(tx *sql.Tx) error {
		task, innerErr := s.GetTaskTx(context.Background(), tx, "T1", false)
		if innerErr != nil {
			return innerErr
		}
		task.Status = "completed"
		return s.UpdateTaskTx(context.Background(), tx, task)
	}))

	result, err := m.Apply(context.Background(), Update{TaskID: "T2", WorkerID: "alice", Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Task.Status)
}

func TestApplyForceBypassesGateAndTransitionChecks(t *testing.T) {
	s, _, clock := newHarness(t)
	cfg, err := workflow.Load(workflow.LoaderOptions{})
	require.NoError(t, err)
	cfg.Gates = map[string][]workflow.GateDefinition{
		"status:working": {{GateType: "gate/tests", Enforcement: workflow.EnforcementReject}},
	}
	insertTask(t, s, clock, "T1", "working", "alice")

	m := New(s, cfg)
	result, err := m.Apply(context.Background(), Update{TaskID: "T1", WorkerID: "alice", Status: "completed", Force: true})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Task.Status)
}

func TestApplyThoughtOnlyDoesNotTouchStatus(t *testing.T) {
	s, cfg, clock := newHarness(t)
	insertTask(t, s, clock, "T1", "working", "alice")

	m := New(s, cfg)
	result, err := m.Apply(context.Background(), Update{TaskID: "T1", WorkerID: "alice", Thought: "almost done"})
	require.NoError(t, err)
	assert.Equal(t, "working", result.Task.Status)
	assert.Equal(t, "almost done", result.Task.CurrentThought)
}

func TestTwoTransitionsProduceTwoClosedIntervals(t *testing.T) {
	s, cfg, clock := newHarness(t)
	insertTask(t, s, clock, "T1", "pending", "")

	m := New(s, cfg)
	_, err := m.Apply(context.Background(), Update{TaskID: "T1", Status: "working"})
	require.NoError(t, err)
	clock.Advance(50 * time.Millisecond)
	_, err = m.Apply(context.Background(), Update{TaskID: "T1", Status: "completed"})
	require.NoError(t, err)

	var events []*model.TaskEvent
	err = s.WithWrite(context.Background(), func(tx *sql.Tx) error {
		var innerErr error
		events, innerErr = s.ListTaskEventsTx(context.Background(), tx, "T1")
		return innerErr
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, e := range events[:2] {
		assert.NotNil(t, e.EndTimestamp)
	}
	assert.Nil(t, events[2].EndTimestamp)
}

func TestEvaluateGatesReadOnly(t *testing.T) {
	s, _, clock := newHarness(t)
	cfg, err := workflow.Load(workflow.LoaderOptions{})
	require.NoError(t, err)
	cfg.Gates = map[string][]workflow.GateDefinition{
		"status:working": {{GateType: "gate/tests", Enforcement: workflow.EnforcementWarn}},
	}
	insertTask(t, s, clock, "T1", "working", "alice")

	m := New(s, cfg)
	unsatisfied, err := m.EvaluateGates(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, []string{"gate/tests"}, unsatisfied)
}
