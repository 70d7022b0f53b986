package pubsub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/engine/pkg/clockutil"
	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/store"
	"github.com/taskgraph/engine/pkg/taskerr"
)

func newHarness(t *testing.T) (*store.Store, *clockutil.Mock) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "pubsub.db")
	clock := clockutil.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := store.Open("sqlite3", dsn, clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestSubscribeThenPublishEnqueuesMessage(t *testing.T) {
	s, _ := newHarness(t)
	e := New(s)
	ctx := context.Background()

	subID, err := e.Subscribe(ctx, "w1", model.TargetTask, "T1")
	require.NoError(t, err)
	assert.NotEmpty(t, subID)

	notified, err := e.Publish(ctx, model.TargetTask, "T1", "status changed to in_progress")
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	messages, err := e.PollInbox(ctx, "w1", false)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, subID, messages[0].SubscriptionID)
	assert.Equal(t, "status changed to in_progress", messages[0].EventSummary)
	assert.Nil(t, messages[0].ReadAt)
}

func TestPublishOnlyNotifiesMatchingTarget(t *testing.T) {
	s, _ := newHarness(t)
	e := New(s)
	ctx := context.Background()

	_, err := e.Subscribe(ctx, "w1", model.TargetTask, "T1")
	require.NoError(t, err)

	notified, err := e.Publish(ctx, model.TargetTask, "T2", "irrelevant")
	require.NoError(t, err)
	assert.Equal(t, 0, notified)

	messages, err := e.PollInbox(ctx, "w1", false)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	s, _ := newHarness(t)
	e := New(s)
	ctx := context.Background()

	_, err := e.Subscribe(ctx, "w1", model.TargetFile, "a.go")
	require.NoError(t, err)
	_, err = e.Subscribe(ctx, "w2", model.TargetFile, "a.go")
	require.NoError(t, err)

	notified, err := e.Publish(ctx, model.TargetFile, "a.go", "released")
	require.NoError(t, err)
	assert.Equal(t, 2, notified)

	m1, err := e.PollInbox(ctx, "w1", false)
	require.NoError(t, err)
	assert.Len(t, m1, 1)
	m2, err := e.PollInbox(ctx, "w2", false)
	require.NoError(t, err)
	assert.Len(t, m2, 1)
}

func TestPollInboxMarkReadExcludesFromFuturePolls(t *testing.T) {
	s, _ := newHarness(t)
	e := New(s)
	ctx := context.Background()

	_, err := e.Subscribe(ctx, "w1", model.TargetWorker, "w2")
	require.NoError(t, err)
	_, err = e.Publish(ctx, model.TargetWorker, "w2", "disconnected")
	require.NoError(t, err)

	first, err := e.PollInbox(ctx, "w1", true)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := e.PollInbox(ctx, "w1", true)
	require.NoError(t, err)
	assert.Empty(t, second, "marking read must exclude the message from future polls")
}

func TestPollInboxWithoutMarkReadIsIdempotent(t *testing.T) {
	s, _ := newHarness(t)
	e := New(s)
	ctx := context.Background()

	_, err := e.Subscribe(ctx, "w1", model.TargetTask, "T1")
	require.NoError(t, err)
	_, err = e.Publish(ctx, model.TargetTask, "T1", "update")
	require.NoError(t, err)

	first, err := e.PollInbox(ctx, "w1", false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := e.PollInbox(ctx, "w1", false)
	require.NoError(t, err)
	assert.Len(t, second, 1, "unread messages stay visible until explicitly marked read")
}

func TestClearInboxDeletesReadAndUnread(t *testing.T) {
	s, _ := newHarness(t)
	e := New(s)
	ctx := context.Background()

	_, err := e.Subscribe(ctx, "w1", model.TargetTask, "T1")
	require.NoError(t, err)
	_, err = e.Publish(ctx, model.TargetTask, "T1", "a")
	require.NoError(t, err)
	_, err = e.Publish(ctx, model.TargetTask, "T1", "b")
	require.NoError(t, err)

	_, err = e.PollInbox(ctx, "w1", true)
	require.NoError(t, err)
	_, err = e.Publish(ctx, model.TargetTask, "T1", "c")
	require.NoError(t, err)

	n, err := e.ClearInbox(ctx, "w1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	remaining, err := e.PollInbox(ctx, "w1", false)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestUnsubscribeUnknownIDReturnsError(t *testing.T) {
	s, _ := newHarness(t)
	e := New(s)
	err := e.Unsubscribe(context.Background(), "ghost", "w1")
	assert.True(t, taskerr.Is(err, taskerr.CodeDependencyNotFound))
}

func TestUnsubscribeStopsFurtherNotifications(t *testing.T) {
	s, _ := newHarness(t)
	e := New(s)
	ctx := context.Background()

	subID, err := e.Subscribe(ctx, "w1", model.TargetTask, "T1")
	require.NoError(t, err)
	require.NoError(t, e.Unsubscribe(ctx, subID, "w1"))

	notified, err := e.Publish(ctx, model.TargetTask, "T1", "update")
	require.NoError(t, err)
	assert.Equal(t, 0, notified)
}
