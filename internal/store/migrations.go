package store

import "fmt"

// migrations are applied in order. The schema version is the number of
// applied steps and lives in PRAGMA user_version.
var migrations = []string{
	`CREATE TABLE calibrations (
		id TEXT PRIMARY KEY,
		open_mean REAL NOT NULL,
		closed_mean REAL NOT NULL,
		threshold REAL NOT NULL CHECK(threshold > 0 AND threshold < 1),
		samples INTEGER NOT NULL,
		skipped INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX idx_calibrations_created_at ON calibrations(created_at);`,

	`CREATE TABLE events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK(kind IN ('closed', 'open', 'sleepiness')),
		ear REAL NOT NULL DEFAULT 0,
		threshold REAL NOT NULL,
		source TEXT NOT NULL DEFAULT 'local',
		calibration_id TEXT REFERENCES calibrations(id) ON DELETE SET NULL,
		clip_path TEXT NOT NULL DEFAULT '',
		uploaded_at DATETIME,
		detected_at DATETIME NOT NULL
	);
	CREATE INDEX idx_events_detected_at ON events(detected_at);
	CREATE INDEX idx_events_kind ON events(kind);`,

	`CREATE TABLE settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
}

// SchemaVersion is the version of a fully migrated database.
var SchemaVersion = len(migrations)

// Version returns the schema version of the open database.
func (s *Store) Version() (int, error) {
	var v int
	err := s.db.Get(&v, "PRAGMA user_version")
	return v, err
}

func (s *Store) migrate() error {
	current, err := s.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := s.db.Beginx()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
	}
	return nil
}
