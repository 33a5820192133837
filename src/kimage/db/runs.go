package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the outcome of a build run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// BuildRun is one invocation of the build pipeline
type BuildRun struct {
	ID            string
	Command       string
	Arch          string
	Board         string
	Mode          string
	Features      string
	Status        RunStatus
	RawBinaryPath string
	RawSize       int64
	ImagePath     string
	CopiedCount   int
	WarningCount  int
	ErrorStage    string
	ErrorMessage  string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// StageRecord is the outcome of one stage of a run
type StageRecord struct {
	Stage        string
	Status       string
	DurationMs   int64
	ErrorMessage string
}

// RunRepository handles build run database operations
type RunRepository struct {
	db *Database
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *Database) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new run in the running state
func (r *RunRepository) Create(ctx context.Context, run *BuildRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := r.db.DB().ExecContext(ctx, `
		INSERT INTO build_runs (id, command, arch, board, mode, features, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Command, run.Arch, run.Board, run.Mode, run.Features, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create build run: %w", err)
	}
	return nil
}

// MarkSucceeded records the artifacts of a finished run
func (r *RunRepository) MarkSucceeded(ctx context.Context, id, rawPath string, rawSize int64, imagePath string, copied, warnings int) error {
	_, err := r.db.DB().ExecContext(ctx, `
		UPDATE build_runs
		SET status = ?, raw_binary_path = ?, raw_size = ?, image_path = ?,
			copied_count = ?, warning_count = ?, finished_at = ?
		WHERE id = ?
	`, RunStatusSucceeded, rawPath, rawSize, imagePath, copied, warnings, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark build run succeeded: %w", err)
	}
	return nil
}

// MarkFailed records the failing stage and error of a run
func (r *RunRepository) MarkFailed(ctx context.Context, id, stage, message string) error {
	_, err := r.db.DB().ExecContext(ctx, `
		UPDATE build_runs SET status = ?, error_stage = ?, error_message = ?, finished_at = ?
		WHERE id = ?
	`, RunStatusFailed, stage, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark build run failed: %w", err)
	}
	return nil
}

// RecordStage appends a stage outcome to a run
func (r *RunRepository) RecordStage(ctx context.Context, runID string, rec StageRecord) error {
	_, err := r.db.DB().ExecContext(ctx, `
		INSERT INTO build_stages (run_id, stage, status, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?)
	`, runID, rec.Stage, rec.Status, rec.DurationMs, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to record stage %s: %w", rec.Stage, err)
	}
	return nil
}

// Stages returns the stage outcomes of a run in execution order
func (r *RunRepository) Stages(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := r.db.DB().QueryContext(ctx, `
		SELECT stage, status, duration_ms, error_message
		FROM build_stages WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var s StageRecord
		if err := rows.Scan(&s.Stage, &s.Status, &s.DurationMs, &s.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const selectRunsQuery = `
	SELECT id, command, arch, board, mode, features, status, raw_binary_path, raw_size,
		image_path, copied_count, warning_count, error_stage, error_message, started_at, finished_at
	FROM build_runs
`

// GetByID retrieves a run by ID
func (r *RunRepository) GetByID(ctx context.Context, id string) (*BuildRun, error) {
	rows, err := r.db.DB().QueryContext(ctx, selectRunsQuery+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query build run: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, sql.ErrNoRows
	}
	return &runs[0], nil
}

// List returns the most recent runs first. A limit of 0 returns all runs.
func (r *RunRepository) List(ctx context.Context, limit int) ([]BuildRun, error) {
	query := selectRunsQuery + " ORDER BY started_at DESC, rowid DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list build runs: %w", err)
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]BuildRun, error) {
	defer rows.Close()

	var runs []BuildRun
	for rows.Next() {
		var (
			run      BuildRun
			finished sql.NullTime
		)
		err := rows.Scan(&run.ID, &run.Command, &run.Arch, &run.Board, &run.Mode, &run.Features,
			&run.Status, &run.RawBinaryPath, &run.RawSize, &run.ImagePath, &run.CopiedCount,
			&run.WarningCount, &run.ErrorStage, &run.ErrorMessage, &run.StartedAt, &finished)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SettingsStore exposes the settings table as a key/value store
type SettingsStore struct {
	db *Database
}

// NewSettingsStore creates a settings store
func NewSettingsStore(db *Database) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns the value of key and whether it is set
func (s *SettingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.db.GetSetting(ctx, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores value under key
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	return s.db.SetSetting(ctx, key, value)
}

// Commit is a no-op; settings are written immediately
func (s *SettingsStore) Commit(ctx context.Context) error {
	return nil
}
