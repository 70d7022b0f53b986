package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/engine/pkg/claim"
	"github.com/taskgraph/engine/pkg/clockutil"
	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/statemachine"
	"github.com/taskgraph/engine/pkg/store"
	"github.com/taskgraph/engine/pkg/taskerr"
	"github.com/taskgraph/engine/pkg/workflow"
)

func newHarness(t *testing.T) (*Engine, *clockutil.Mock) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "engine.db")
	clock := clockutil.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := store.Open("sqlite3", dsn, clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg, err := workflow.Load(workflow.LoaderOptions{})
	require.NoError(t, err)

	e, err := New(s, cfg, Config{StaleTimeout: time.Minute})
	require.NoError(t, err)
	return e, clock
}

func TestCreateTaskGeneratesIDInInitialState(t *testing.T) {
	e, _ := newHarness(t)
	task, err := e.CreateTask(context.Background(), CreateTaskParams{Title: "write docs"})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, e.Workflow().Settings.InitialState, task.Status)

	fetched, err := e.GetTask(context.Background(), task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, task.Title, fetched.Title)
}

func TestCreateTaskHonorsCallerSuppliedID(t *testing.T) {
	e, _ := newHarness(t)
	task, err := e.CreateTask(context.Background(), CreateTaskParams{ID: "T1", Title: "fix bug"})
	require.NoError(t, err)
	assert.Equal(t, "T1", task.ID)
}

func TestClaimNotifiesTaskSubscriber(t *testing.T) {
	e, _ := newHarness(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, CreateTaskParams{ID: "T1", Title: "fix bug"})
	require.NoError(t, err)
	_, err = e.Register(ctx, claim.RegisterWorkerParams{ID: "w1"})
	require.NoError(t, err)

	_, err = e.Subscribe(ctx, "watcher", model.TargetTask, task.ID)
	require.NoError(t, err)

	_, err = e.Claim(ctx, task.ID, "w1")
	require.NoError(t, err)

	messages, err := e.PollInbox(ctx, "watcher", true)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].EventSummary, "claimed by w1")
}

func TestMarkConflictDoesNotNotify(t *testing.T) {
	e, _ := newHarness(t)
	ctx := context.Background()

	_, err := e.Subscribe(ctx, "watcher", model.TargetFile, "a.go")
	require.NoError(t, err)

	_, err = e.Mark(ctx, "a.go", "w1", "editing", "")
	require.NoError(t, err)
	messagesAfterFirst, err := e.PollInbox(ctx, "watcher", true)
	require.NoError(t, err)
	require.Len(t, messagesAfterFirst, 1)

	result, err := e.Mark(ctx, "a.go", "w2", "editing", "")
	require.NoError(t, err)
	assert.Equal(t, "w1", result.ConflictWith)

	messagesAfterConflict, err := e.PollInbox(ctx, "watcher", true)
	require.NoError(t, err)
	assert.Empty(t, messagesAfterConflict, "a mark conflict mutates nothing and must not notify")
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	e, _ := newHarness(t)
	ctx := context.Background()
	_, err := e.CreateTask(ctx, CreateTaskParams{ID: "T1", Title: "fix bug"})
	require.NoError(t, err)

	_, err = e.Update(ctx, statemachine.Update{TaskID: "T1", Status: "not_a_real_status"})
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.CodeInvalidState))
}

func TestCleanupStaleWorkersNotifiesSubscriber(t *testing.T) {
	e, clock := newHarness(t)
	ctx := context.Background()

	w, err := e.Register(ctx, claim.RegisterWorkerParams{ID: "w1"})
	require.NoError(t, err)
	_, err = e.Subscribe(ctx, "watcher", model.TargetWorker, w.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	result, err := e.CleanupStaleWorkers(ctx, e.Workflow().Settings.DisconnectState)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, result.EvictedWorkerIDs)

	messages, err := e.PollInbox(ctx, "watcher", true)
	require.NoError(t, err)
	require.Len(t, messages, 1)
}

func TestStatsReflectsCreatedTasks(t *testing.T) {
	e, _ := newHarness(t)
	ctx := context.Background()
	_, err := e.CreateTask(ctx, CreateTaskParams{ID: "T1", Title: "a"})
	require.NoError(t, err)
	_, err = e.CreateTask(ctx, CreateTaskParams{ID: "T2", Title: "b"})
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTasks)
}

func TestCheckGatesReportsNoneWithEmptyDefaultGateSet(t *testing.T) {
	e, _ := newHarness(t)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, CreateTaskParams{ID: "T1", Title: "needs tests"})
	require.NoError(t, err)

	unsatisfied, err := e.CheckGates(ctx, "T1")
	require.NoError(t, err)
	assert.Empty(t, unsatisfied, "the embedded default workflow defines no gates")
}

func TestAddAttachmentRecordsPresence(t *testing.T) {
	e, _ := newHarness(t)
	ctx := context.Background()

	_, err := e.CreateTask(ctx, CreateTaskParams{ID: "T1", Title: "needs tests"})
	require.NoError(t, err)
	assert.NoError(t, e.AddAttachment(ctx, "T1", "gate/tests"))
}

func TestCloseClosesUnderlyingStore(t *testing.T) {
	e, _ := newHarness(t)
	require.NoError(t, e.Close())
}
