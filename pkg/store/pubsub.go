package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskgraph/engine/pkg/model"
	"github.com/taskgraph/engine/pkg/taskerr"
)

// InsertSubscriptionTx records a new subscription.
func (s *Store) InsertSubscriptionTx(ctx context.Context, tx *sql.Tx, sub *model.Subscription) error {
	query := s.rebind(`INSERT INTO subscriptions (id, worker_id, target_type, target_id, created_at) VALUES (?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query, sub.ID, sub.WorkerID, string(sub.TargetType), sub.TargetID, sub.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: failed to insert subscription %q: %w", sub.ID, err)
	}
	return nil
}

// DeleteSubscriptionTx removes a subscription belonging to workerID.
func (s *Store) DeleteSubscriptionTx(ctx context.Context, tx *sql.Tx, id, workerID string) error {
	query := s.rebind(`DELETE FROM subscriptions WHERE id = ? AND worker_id = ?`)
	res, err := tx.ExecContext(ctx, query, id, workerID)
	if err != nil {
		return fmt.Errorf("store: failed to delete subscription %q: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return taskerr.New(taskerr.CodeDependencyNotFound, "subscription %q not found for worker %q", id, workerID)
	}
	return nil
}

// SubscribersForTx returns every subscription watching (targetType, targetID).
func (s *Store) SubscribersForTx(ctx context.Context, tx *sql.Tx, targetType model.TargetType, targetID string) ([]*model.Subscription, error) {
	query := s.rebind(`SELECT id, worker_id, target_type, target_id, created_at
		FROM subscriptions WHERE target_type = ? AND target_id = ?`)
	rows, err := tx.QueryContext(ctx, query, string(targetType), targetID)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	defer rows.Close()
	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// InsertInboxMessageTx enqueues one message for a subscriber.
func (s *Store) InsertInboxMessageTx(ctx context.Context, tx *sql.Tx, msg *model.InboxMessage) (int64, error) {
	query := s.rebind(`INSERT INTO inbox_messages (subscription_id, worker_id, target_type, target_id, event_summary, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	id, err := s.execInsertReturningID(ctx, tx, query, msg.SubscriptionID, msg.WorkerID, string(msg.TargetType),
		msg.TargetID, msg.EventSummary, msg.CreatedAt.UnixMilli(), timeMillisPtr(msg.ReadAt))
	if err != nil {
		return 0, fmt.Errorf("store: failed to enqueue inbox message for %q: %w", msg.WorkerID, err)
	}
	return id, nil
}

// PollInboxTx returns unread messages for workerID, oldest first, marking
// them read if markRead is set.
func (s *Store) PollInboxTx(ctx context.Context, tx *sql.Tx, workerID string, markRead bool) ([]*model.InboxMessage, error) {
	query := s.rebind(`SELECT id, subscription_id, worker_id, target_type, target_id, event_summary, created_at, read_at
		FROM inbox_messages WHERE worker_id = ? AND read_at IS NULL ORDER BY id ASC`)
	rows, err := tx.QueryContext(ctx, query, workerID)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	var messages []*model.InboxMessage
	for rows.Next() {
		m, err := scanInboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if markRead && len(messages) > 0 {
		ids := make([]any, len(messages))
		for i, m := range messages {
			ids[i] = m.ID
		}
		update := s.rebind(`UPDATE inbox_messages SET read_at = ` + s.bind(1) + ` WHERE id IN (` + placeholders(len(ids)) + `)`)
		args := append([]any{s.nowMillis(ctx, tx)}, ids...)
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return nil, fmt.Errorf("store: failed to mark inbox messages read: %w", err)
		}
	}
	return messages, nil
}

// ClearInboxTx deletes every message for workerID (read or not) and returns
// how many rows were removed.
func (s *Store) ClearInboxTx(ctx context.Context, tx *sql.Tx, workerID string) (int64, error) {
	query := s.rebind(`DELETE FROM inbox_messages WHERE worker_id = ?`)
	res, err := tx.ExecContext(ctx, query, workerID)
	if err != nil {
		return 0, fmt.Errorf("store: failed to clear inbox for %q: %w", workerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: failed to count cleared inbox rows: %w", err)
	}
	return n, nil
}

// nowMillis returns the store clock's current time in milliseconds;
// PollInboxTx stamps read_at with it.
func (s *Store) nowMillis(ctx context.Context, tx *sql.Tx) int64 {
	return s.clock.Now().UnixMilli()
}

func scanSubscription(row scanner) (*model.Subscription, error) {
	var sub model.Subscription
	var targetType string
	var createdAtMs int64
	if err := row.Scan(&sub.ID, &sub.WorkerID, &targetType, &sub.TargetID, &createdAtMs); err != nil {
		return nil, err
	}
	sub.TargetType = model.TargetType(targetType)
	sub.CreatedAt = msToTime(createdAtMs)
	return &sub, nil
}

func scanInboxMessage(row scanner) (*model.InboxMessage, error) {
	var m model.InboxMessage
	var targetType string
	var createdAtMs int64
	var readAtMs sql.NullInt64
	if err := row.Scan(&m.ID, &m.SubscriptionID, &m.WorkerID, &targetType, &m.TargetID, &m.EventSummary, &createdAtMs, &readAtMs); err != nil {
		return nil, err
	}
	m.TargetType = model.TargetType(targetType)
	m.CreatedAt = msToTime(createdAtMs)
	m.ReadAt = nullMsToTimePtr(readAtMs)
	return &m, nil
}
