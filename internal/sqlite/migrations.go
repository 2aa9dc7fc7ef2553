package sqlite

func (s *Storage) RunMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS calendar_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		platform VARCHAR NOT NULL,
		calendar_id VARCHAR NOT NULL,
		auth TEXT NOT NULL,
		direction VARCHAR NOT NULL DEFAULT "from_remote",
		cursor VARCHAR NOT NULL DEFAULT "",
		sub_id VARCHAR NOT NULL DEFAULT "",
		sub_resource_id VARCHAR NOT NULL DEFAULT "",
		sub_expires_at TIMESTAMP NULL DEFAULT NULL,
		sync_broken INTEGER NOT NULL DEFAULT 0,
		last_error VARCHAR NOT NULL DEFAULT "",
		UNIQUE (user_id, platform, calendar_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_links_sub_id ON calendar_links (sub_id)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		link_id INTEGER NOT NULL,
		event_id VARCHAR NOT NULL DEFAULT "",
		title VARCHAR NOT NULL DEFAULT "",
		starts_at TIMESTAMP NOT NULL,
		ends_at TIMESTAMP NOT NULL,
		cancelled INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (link_id) REFERENCES calendar_links (id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_window ON tasks (link_id, starts_at)`,
	`CREATE TABLE IF NOT EXISTS event_refs (
		link_id INTEGER NOT NULL,
		event_id VARCHAR NOT NULL,
		task_id INTEGER NOT NULL,
		version VARCHAR NOT NULL DEFAULT "",
		PRIMARY KEY (link_id, event_id),
		FOREIGN KEY (task_id) REFERENCES tasks (id)
	)`,
}
