package store

// schemaVersion is the highest migration this binary understands. Opening a
// database stamped with a newer version is refused (spec §4.A).
const schemaVersion = 1

// autoIncrementPK returns the dialect-specific column fragment for an
// auto-incrementing primary key, the one place the three dialects'
// CREATE TABLE syntax genuinely diverges (mirrors the teacher's DBPool
// branching on driver name rather than pretending one DDL fits all three).
func autoIncrementPK(dialect string) string {
	switch dialect {
	case "postgres":
		return "BIGSERIAL PRIMARY KEY"
	case "mysql":
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	default: // sqlite
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

// migration1 returns the initial schema's statements for dialect.
func migration1(dialect string) []string {
	pk := autoIncrementPK(dialect)

	return []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			needed_tags TEXT NOT NULL DEFAULT '[]',
			wanted_tags TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			phase TEXT,
			worker_id TEXT,
			claimed_at BIGINT,
			points INTEGER,
			time_estimate_ms BIGINT,
			time_actual_ms BIGINT NOT NULL DEFAULT 0,
			started_at BIGINT,
			completed_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			current_thought TEXT,
			cost_usd REAL NOT NULL DEFAULT 0,
			metric_0 BIGINT NOT NULL DEFAULT 0,
			metric_1 BIGINT NOT NULL DEFAULT 0,
			metric_2 BIGINT NOT NULL DEFAULT 0,
			metric_3 BIGINT NOT NULL DEFAULT 0,
			metric_4 BIGINT NOT NULL DEFAULT 0,
			metric_5 BIGINT NOT NULL DEFAULT 0,
			metric_6 BIGINT NOT NULL DEFAULT 0,
			metric_7 BIGINT NOT NULL DEFAULT 0,
			deleted_at BIGINT,
			deleted_by TEXT,
			deleted_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker_id ON tasks(worker_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority_created ON tasks(priority, created_at)`,

		`CREATE TABLE IF NOT EXISTS dependencies (
			from_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			to_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			dep_type TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (from_task_id, to_task_id, dep_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dependencies_to ON dependencies(to_task_id)`,

		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			tags TEXT NOT NULL DEFAULT '[]',
			max_claims INTEGER NOT NULL DEFAULT 5,
			registered_at BIGINT NOT NULL,
			last_heartbeat BIGINT NOT NULL,
			last_claim_sequence BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS file_marks (
			file_path TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			reason TEXT,
			task_id TEXT,
			locked_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_marks_worker ON file_marks(worker_id)`,

		`CREATE TABLE IF NOT EXISTS task_events (
			id ` + pk + `,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			worker_id TEXT,
			status TEXT,
			phase TEXT,
			reason TEXT,
			timestamp BIGINT NOT NULL,
			end_timestamp BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_open ON task_events(task_id, end_timestamp)`,

		`CREATE TABLE IF NOT EXISTS file_events (
			id ` + pk + `,
			file_path TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			event TEXT NOT NULL,
			reason TEXT,
			timestamp BIGINT NOT NULL,
			end_timestamp BIGINT,
			claim_id BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_events_path ON file_events(file_path, id)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_target ON subscriptions(target_type, target_id)`,

		`CREATE TABLE IF NOT EXISTS inbox_messages (
			id ` + pk + `,
			subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
			worker_id TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			event_summary TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			read_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_worker_unread ON inbox_messages(worker_id, read_at)`,

		`CREATE TABLE IF NOT EXISTS attachments (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			attachment_type TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (task_id, attachment_type)
		)`,

		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`,
	}
}

func migrations(dialect string) map[int][]string {
	return map[int][]string{
		1: migration1(dialect),
	}
}
