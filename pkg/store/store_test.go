package store

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
	"github.com/taskgraph/engine/pkg/taskerr"
)

func newTestStore(t *testing.T) (*Store, *clockutil.Mock) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	clock := clockutil.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := Open("sqlite3", dsn, clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func newTask(id string, clock *clockutil.Mock) *model.Task {
	now := clock.Now()
	return &model.Task{
		ID:        id,
		Title:     "fix bug",
		Priority:  1,
		Tags:      []string{"rust"},
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	task := newTask("T1", clock)
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, "T1", false)
	require.NoError(t, err)
	assert.Equal(t, "fix bug", got.Title)
	assert.Equal(t, []string{"rust"}, got.Tags)
	assert.Equal(t, "pending", got.Status)
}

func TestGetTaskNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing", false)
	assert.True(t, taskerr.Is(err, taskerr.CodeTaskNotFound))
}

func TestSoftDeletedTaskHiddenUnlessRequested(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	task := newTask("T1", clock)
	require.NoError(t, s.CreateTask(ctx, task))

	deletedAt := clock.Now()
	task.DeletedAt = &deletedAt
	task.DeletedBy = "alice"
	require.NoError(t, s.UpdateTask(ctx, task))

	_, err := s.GetTask(ctx, "T1", false)
	assert.True(t, taskerr.Is(err, taskerr.CodeTaskNotFound))

	got, err := s.GetTask(ctx, "T1", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.DeletedBy)
}

func TestListTasksOrdersByPriorityThenCreatedAt(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	low := newTask("low", clock)
	low.Priority = 1
	high := newTask("high", clock)
	high.Priority = 5
	clock.Advance(time.Second)
	higherLater := newTask("higher-later", clock)
	higherLater.Priority = 5

	require.NoError(t, s.CreateTask(ctx, low))
	require.NoError(t, s.CreateTask(ctx, high))
	require.NoError(t, s.CreateTask(ctx, higherLater))

	tasks, err := s.ListTasks(ctx, TaskListFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "high", tasks[0].ID)
	assert.Equal(t, "higher-later", tasks[1].ID)
	assert.Equal(t, "low", tasks[2].ID)
}

func TestDependencyAddAndRemove(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, newTask("A", clock)))
	require.NoError(t, s.CreateTask(ctx, newTask("B", clock)))

	err := s.WithWrite(ctx, func(tx *sql.Tx) error {
		return s.AddDependencyTx(ctx, tx, model.Dependency{From: "A", To: "B", Type: "blocks"}, clock.Now().UnixMilli())
	})
	require.NoError(t, err)

	edges, err := s.OutgoingEdges(ctx, "A", nil)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "B", edges[0].To)

	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		return s.RemoveDependencyTx(ctx, tx, model.Dependency{From: "A", To: "B", Type: "blocks"})
	})
	require.NoError(t, err)

	edges, err = s.OutgoingEdges(ctx, "A", nil)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestRemoveDependencyNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.WithWrite(context.Background(), func(tx *sql.Tx) error {
		return s.RemoveDependencyTx(context.Background(), tx, model.Dependency{From: "A", To: "B", Type: "blocks"})
	})
	assert.True(t, taskerr.Is(err, taskerr.CodeDependencyNotFound))
}

func TestWorkerRegisterAndFetch(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	w := &model.Worker{ID: "alice", Tags: []string{"rust"}, MaxClaims: 5, RegisteredAt: clock.Now(), LastHeartbeat: clock.Now()}
	err := s.WithWrite(ctx, func(tx *sql.Tx) error {
		return s.InsertWorkerTx(ctx, tx, w)
	})
	require.NoError(t, err)

	got, err := s.GetWorker(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"rust"}, got.Tags)
	assert.Equal(t, 5, got.MaxClaims)
}

func TestStaleWorkersTx(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	w := &model.Worker{ID: "carol", RegisteredAt: clock.Now(), LastHeartbeat: clock.Now()}
	require.NoError(t, s.WithWrite(ctx, func(tx *sql.Tx) error { return s.InsertWorkerTx(ctx, tx, w) }))

	clock.Advance(20 * time.Minute)
	cutoff := clock.Now().Add(-15 * time.Minute).UnixMilli()

	var stale []*model.Worker
	err := s.WithWrite(ctx, func(tx *sql.Tx) error {
		var innerErr error
		stale, innerErr = s.StaleWorkersTx(ctx, tx, cutoff)
		return innerErr
	})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "carol", stale[0].ID)
}

func TestFileMarkLifecycle(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mark := &model.FileMark{FilePath: "main.go", WorkerID: "alice", LockedAt: clock.Now()}
	err := s.WithWrite(ctx, func(tx *sql.Tx) error {
		return s.UpsertFileMarkTx(ctx, tx, mark)
	})
	require.NoError(t, err)

	var fetched *model.FileMark
	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		var innerErr error
		fetched, innerErr = s.GetFileMarkTx(ctx, tx, "main.go")
		return innerErr
	})
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "alice", fetched.WorkerID)

	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		return s.DeleteFileMarkTx(ctx, tx, "main.go")
	})
	require.NoError(t, err)

	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		var innerErr error
		fetched, innerErr = s.GetFileMarkTx(ctx, tx, "main.go")
		return innerErr
	})
	require.NoError(t, err)
	assert.Nil(t, fetched)
}

func TestFileMarksByWorkerBulkDelete(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	err := s.WithWrite(ctx, func(tx *sql.Tx) error {
		if err := s.UpsertFileMarkTx(ctx, tx, &model.FileMark{FilePath: "a.go", WorkerID: "alice", LockedAt: clock.Now()}); err != nil {
			return err
		}
		return s.UpsertFileMarkTx(ctx, tx, &model.FileMark{FilePath: "b.go", WorkerID: "alice", LockedAt: clock.Now()})
	})
	require.NoError(t, err)

	var deleted []*model.FileMark
	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		var innerErr error
		deleted, innerErr = s.DeleteFileMarksByWorkerTx(ctx, tx, "alice")
		return innerErr
	})
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		marks, innerErr := s.ListFileMarksTx(ctx, tx, nil, "alice")
		assert.Empty(t, marks)
		return innerErr
	})
	require.NoError(t, err)
}

func TestTaskEventOpenCloseCycle(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("T1", clock)))

	var eventID int64
	err := s.WithWrite(ctx, func(tx *sql.Tx) error {
		var innerErr error
		eventID, innerErr = s.AppendTaskEventTx(ctx, tx, &model.TaskEvent{TaskID: "T1", Status: "pending", Timestamp: clock.Now()})
		return innerErr
	})
	require.NoError(t, err)
	assert.NotZero(t, eventID)

	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		open, innerErr := s.OpenTaskEventTx(ctx, tx, "T1")
		require.NoError(t, innerErr)
		require.NotNil(t, open)
		assert.Equal(t, eventID, open.ID)
		return s.CloseTaskEventTx(ctx, tx, open.ID, clock.Now().UnixMilli())
	})
	require.NoError(t, err)

	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		open, innerErr := s.OpenTaskEventTx(ctx, tx, "T1")
		require.NoError(t, innerErr)
		assert.Nil(t, open)
		return nil
	})
	require.NoError(t, err)
}

func TestFileEventPollSinceWatermark(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	var firstID, secondID int64
	err := s.WithWrite(ctx, func(tx *sql.Tx) error {
		var innerErr error
		firstID, innerErr = s.AppendFileEventTx(ctx, tx, &model.FileEvent{FilePath: "a.go", WorkerID: "alice", Event: model.FileEventClaimed, Timestamp: clock.Now()})
		if innerErr != nil {
			return innerErr
		}
		secondID, innerErr = s.AppendFileEventTx(ctx, tx, &model.FileEvent{FilePath: "b.go", WorkerID: "alice", Event: model.FileEventClaimed, Timestamp: clock.Now()})
		return innerErr
	})
	require.NoError(t, err)

	var events []*model.FileEvent
	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		var innerErr error
		events, innerErr = s.FileEventsSinceTx(ctx, tx, secondID)
		return innerErr
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, secondID, events[0].ID)
	assert.NotEqual(t, firstID, events[0].ID)
}

func TestPubSubSubscribeAndPoll(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	sub := &model.Subscription{ID: "sub-1", WorkerID: "bob", TargetType: model.TargetTask, TargetID: "T1", CreatedAt: clock.Now()}
	err := s.WithWrite(ctx, func(tx *sql.Tx) error {
		return s.InsertSubscriptionTx(ctx, tx, sub)
	})
	require.NoError(t, err)

	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		subs, innerErr := s.SubscribersForTx(ctx, tx, model.TargetTask, "T1")
		require.NoError(t, innerErr)
		require.Len(t, subs, 1)
		_, innerErr = s.InsertInboxMessageTx(ctx, tx, &model.InboxMessage{
			SubscriptionID: subs[0].ID, WorkerID: subs[0].WorkerID,
			TargetType: model.TargetTask, TargetID: "T1", EventSummary: "claimed", CreatedAt: clock.Now(),
		})
		return innerErr
	})
	require.NoError(t, err)

	var msgs []*model.InboxMessage
	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		var innerErr error
		msgs, innerErr = s.PollInboxTx(ctx, tx, "bob", true)
		return innerErr
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "claimed", msgs[0].EventSummary)

	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		var innerErr error
		msgs, innerErr = s.PollInboxTx(ctx, tx, "bob", false)
		return innerErr
	})
	require.NoError(t, err)
	assert.Empty(t, msgs, "messages marked read must not resurface")
}

func TestAttachmentsPresenceForGates(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("T1", clock)))

	err := s.WithWrite(ctx, func(tx *sql.Tx) error {
		return s.AddAttachmentTx(ctx, tx, "T1", "gate/tests", clock.Now().UnixMilli())
	})
	require.NoError(t, err)

	err = s.WithWrite(ctx, func(tx *sql.Tx) error {
		types, innerErr := s.AttachmentTypesTx(ctx, tx, "T1")
		require.NoError(t, innerErr)
		assert.True(t, types["gate/tests"])
		assert.False(t, types["gate/review"])
		return nil
	})
	require.NoError(t, err)
}

func TestStatsAggregation(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	t1 := newTask("T1", clock)
	t1.WorkerID = "alice"
	t1.TimeActualMs = 1500
	t1.CostUSD = 0.25
	require.NoError(t, s.CreateTask(ctx, t1))
	require.NoError(t, s.CreateTask(ctx, newTask("T2", clock)))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 1, stats.ClaimedTasks)
	assert.Equal(t, int64(1500), stats.TotalTimeMs)
	assert.InDelta(t, 0.25, stats.TotalCostUSD, 0.0001)
}

func TestPoisonedWriteGuardRecovers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.withWrite(ctx, func(tx *sql.Tx) error {
		panic("simulated mid-operation panic")
	})
	assert.True(t, taskerr.Is(err, taskerr.CodePoisonedLock))
	assert.True(t, s.guard.poisoned, "guard must record the poison rather than leave it unflagged")

	err = s.WithWrite(ctx, func(tx *sql.Tx) error { return nil })
	require.NoError(t, err, "the next write must recover the poisoned guard, not propagate the panic")
	assert.False(t, s.guard.poisoned)
}

func TestMigrateRefusesNewerSchemaVersion(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "future.db")
	s, err := Open("sqlite3", dsn, nil)
	require.NoError(t, err)
	_, err = s.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (999, 0)")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open("sqlite3", dsn, nil)
	assert.True(t, taskerr.Is(err, taskerr.CodeMigrationError))
}
