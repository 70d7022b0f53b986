// Package pubsub implements the inbox layer spec §3 describes: agents
// subscribe to a (target_type, target_id) pair, and Publish fans a single
// event out to every matching subscriber's inbox for later polling — the
// notification path for agents that cannot be pushed to directly.
package pubsub

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/taskgraph/engine/pkg/metrics"
	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/store"
)

// Engine wraps the store's subscription and inbox tables.
type Engine struct {
	store *store.Store
	m     *metrics.Metrics
}

// New builds a pub/sub Engine over store. Metrics are off by default; call
// SetMetrics to attach a collector.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// SetMetrics attaches a metrics collector; a nil m disables recording.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.m = m
}

// Subscribe records that workerID wants to be notified of events on
// (targetType, targetID) and returns the new subscription's ID.
func (e *Engine) Subscribe(ctx context.Context, workerID string, targetType model.TargetType, targetID string) (string, error) {
	sub := &model.Subscription{
		ID: uuid.NewString(), WorkerID: workerID, TargetType: targetType,
		TargetID: targetID, CreatedAt: e.store.Now(),
	}
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		return e.store.InsertSubscriptionTx(ctx, tx, sub)
	})
	return sub.ID, err
}

// Unsubscribe removes a subscription owned by workerID.
func (e *Engine) Unsubscribe(ctx context.Context, id, workerID string) error {
	return e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		return e.store.DeleteSubscriptionTx(ctx, tx, id, workerID)
	})
}

// Publish enqueues summary as an inbox message for every subscriber of
// (targetType, targetID) and reports how many were notified.
func (e *Engine) Publish(ctx context.Context, targetType model.TargetType, targetID, summary string) (int, error) {
	var notified int
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		subs, err := e.store.SubscribersForTx(ctx, tx, targetType, targetID)
		if err != nil {
			return err
		}
		now := e.store.Now()
		for _, sub := range subs {
			if _, err := e.store.InsertInboxMessageTx(ctx, tx, &model.InboxMessage{
				SubscriptionID: sub.ID, WorkerID: sub.WorkerID, TargetType: targetType,
				TargetID: targetID, EventSummary: summary, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		notified = len(subs)
		return nil
	})
	if err == nil {
		e.m.RecordInboxPublished(string(targetType), notified)
	}
	return notified, err
}

// PollInbox returns unread messages for workerID, oldest first, marking
// them read when markRead is set.
func (e *Engine) PollInbox(ctx context.Context, workerID string, markRead bool) ([]*model.InboxMessage, error) {
	var messages []*model.InboxMessage
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		var err error
		messages, err = e.store.PollInboxTx(ctx, tx, workerID, markRead)
		return err
	})
	if err == nil {
		e.m.RecordInboxPolled(workerID, len(messages))
	}
	return messages, err
}

// ClearInbox deletes every message (read or not) for workerID.
func (e *Engine) ClearInbox(ctx context.Context, workerID string) (int64, error) {
	var n int64
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = e.store.ClearInboxTx(ctx, tx, workerID)
		return err
	})
	return n, err
}
