package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Cameras table - the camera directory
		`CREATE TABLE IF NOT EXISTS cameras (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_kind TEXT NOT NULL CHECK(source_kind IN ('device', 'url', 'file')),
			source_value TEXT NOT NULL,
			fps INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			brightness INTEGER NOT NULL DEFAULT 50,
			contrast INTEGER NOT NULL DEFAULT 50,
			saturation INTEGER NOT NULL DEFAULT 50,
			exposure INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Gestures table - collected sample totals per gesture
		`CREATE TABLE IF NOT EXISTS gestures (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			samples INTEGER NOT NULL DEFAULT 0 CHECK(samples >= 0),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Training runs table - every finished training job
		`CREATE TABLE IF NOT EXISTS training_runs (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL CHECK(state IN ('complete', 'error')),
			progress REAL NOT NULL,
			cause TEXT NOT NULL DEFAULT '',
			accuracy REAL,
			precision_score REAL,
			recall REAL,
			f1 REAL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`,

		// Settings table - stores application settings as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_training_runs_finished_at ON training_runs(finished_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
