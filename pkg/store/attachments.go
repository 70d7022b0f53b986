package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskgraph/engine/pkg/taskerr"
)

// AddAttachmentTx records the presence of attachmentType on taskID. The
// engine only tracks type presence for gate evaluation (spec §3); the
// attachment's actual content/storage is out of scope.
func (s *Store) AddAttachmentTx(ctx context.Context, tx *sql.Tx, taskID, attachmentType string, now int64) error {
	var raw string
	switch s.dialect {
	case "postgres":
		raw = `INSERT INTO attachments (task_id, attachment_type, created_at) VALUES (?, ?, ?)
			ON CONFLICT (task_id, attachment_type) DO NOTHING`
	case "mysql":
		raw = `INSERT IGNORE INTO attachments (task_id, attachment_type, created_at) VALUES (?, ?, ?)`
	default:
		raw = `INSERT OR IGNORE INTO attachments (task_id, attachment_type, created_at) VALUES (?, ?, ?)`
	}
	_, err := tx.ExecContext(ctx, s.rebind(raw), taskID, attachmentType, now)
	if err != nil {
		return fmt.Errorf("store: failed to record attachment %q on %q: %w", attachmentType, taskID, err)
	}
	return nil
}

// AttachmentTypesTx returns every attachment_type present on taskID, the
// set the gate evaluator checks membership against.
func (s *Store) AttachmentTypesTx(ctx context.Context, tx *sql.Tx, taskID string) (map[string]bool, error) {
	query := s.rebind(`SELECT attachment_type FROM attachments WHERE task_id = ?`)
	rows, err := tx.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types[t] = true
	}
	return types, rows.Err()
}
