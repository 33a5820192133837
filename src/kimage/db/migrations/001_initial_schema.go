package migrations

import "database/sql"

func migration001InitialSchema() Migration {
	return Migration{
		Version:     1,
		Description: "Settings and build runs",
		Up:          migration001Up,
	}
}

func migration001Up(tx *sql.Tx) error {
	for _, stmt := range []string{settingsTableSQL, buildRunsTableSQL, buildRunsIndexesSQL} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const settingsTableSQL = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

const buildRunsTableSQL = `
CREATE TABLE IF NOT EXISTS build_runs (
	id TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	arch TEXT NOT NULL,
	board TEXT NOT NULL,
	mode TEXT NOT NULL,
	features TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running',
	raw_binary_path TEXT NOT NULL DEFAULT '',
	raw_size INTEGER NOT NULL DEFAULT 0,
	image_path TEXT NOT NULL DEFAULT '',
	copied_count INTEGER NOT NULL DEFAULT 0,
	warning_count INTEGER NOT NULL DEFAULT 0,
	error_stage TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME
)`

const buildRunsIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_build_runs_started ON build_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_build_runs_board ON build_runs(board);
`
