package migrations

import "database/sql"

func migration002BuildStages() Migration {
	return Migration{
		Version:     2,
		Description: "Per-stage timings of build runs",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS build_stages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					stage TEXT NOT NULL,
					status TEXT NOT NULL,
					duration_ms INTEGER NOT NULL DEFAULT 0,
					error_message TEXT NOT NULL DEFAULT '',
					FOREIGN KEY (run_id) REFERENCES build_runs(id) ON DELETE CASCADE
				);
				CREATE INDEX IF NOT EXISTS idx_build_stages_run ON build_stages(run_id);
			`)
			return err
		},
	}
}
