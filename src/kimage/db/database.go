// Package db keeps the run history and settings in an in-memory SQLite
// database that is loaded from and persisted to a file.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitswalk/kimage/src/common/logs"
	"github.com/bitswalk/kimage/src/common/paths"
	"github.com/bitswalk/kimage/src/kimage/db/migrations"
	_ "github.com/mattn/go-sqlite3"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the db package and its migrations
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
		migrations.SetLogger(l)
	}
}

// Database wraps the SQLite connection with persistence capabilities
type Database struct {
	db           *sql.DB
	persistPath  string
	mu           sync.RWMutex
	shutdownOnce sync.Once
}

// Config holds the database configuration
type Config struct {
	// PersistPath is the file the database is saved to on Shutdown; empty disables persistence
	PersistPath string
	// LoadOnStart loads existing data from PersistPath when the file exists
	LoadOnStart bool
}

// DefaultConfig returns a default database configuration
func DefaultConfig() Config {
	return Config{
		PersistPath: "~/.local/share/kimage/kimage.db",
		LoadOnStart: true,
	}
}

// New opens an in-memory database, applies migrations and loads the
// persisted copy when configured
func New(ctx context.Context, cfg Config) (*Database, error) {
	persistPath := paths.Expand(cfg.PersistPath)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := migrations.NewRunner(db).Run(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	database := &Database{db: db, persistPath: persistPath}

	if cfg.LoadOnStart && persistPath != "" && paths.IsFile(persistPath) {
		if err := database.LoadFromDisk(ctx); err != nil {
			log.Warn("Failed to load database from disk, starting fresh", "path", persistPath, "error", err)
		}
	}
	return database, nil
}

// DB returns the underlying sql.DB for direct queries
func (d *Database) DB() *sql.DB {
	return d.db
}

// Shutdown persists the database to disk and closes the connection
func (d *Database) Shutdown() error {
	var shutdownErr error
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.persistPath != "" {
			if err := d.persistToDisk(); err != nil {
				shutdownErr = fmt.Errorf("failed to persist database: %w", err)
			}
		}
		if err := d.db.Close(); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("failed to close database: %w", err)
		}
	})
	return shutdownErr
}

// persistToDisk writes the database to a temporary file with VACUUM INTO and
// renames it over the persisted copy
func (d *Database) persistToDisk() error {
	if err := os.MkdirAll(filepath.Dir(d.persistPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", d.persistPath, err)
	}

	tempPath := d.persistPath + ".tmp"
	os.Remove(tempPath)

	if _, err := d.db.Exec("VACUUM INTO ?", tempPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to vacuum database to disk: %w", err)
	}
	if err := os.Rename(tempPath, d.persistPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename database file: %w", err)
	}
	return nil
}

// persistedTables are copied back from disk in dependency order
var persistedTables = []string{"settings", "build_runs", "build_stages"}

// LoadFromDisk copies the persisted tables into memory
func (d *Database) LoadFromDisk(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.ExecContext(ctx, "ATTACH DATABASE ? AS disk_db", d.persistPath); err != nil {
		return fmt.Errorf("failed to attach disk database: %w", err)
	}
	defer d.db.Exec("DETACH DATABASE disk_db")

	for _, table := range persistedTables {
		var count int
		err := d.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM disk_db.sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&count)
		if err != nil || count == 0 {
			continue
		}
		if _, err := d.db.ExecContext(ctx, fmt.Sprintf("INSERT OR REPLACE INTO %s SELECT * FROM disk_db.%s", table, table)); err != nil {
			log.Warn("Skipping persisted table", "table", table, "error", err)
		}
	}
	return nil
}

// SaveToDisk persists the database without closing it
func (d *Database) SaveToDisk() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.persistPath == "" {
		return nil
	}
	return d.persistToDisk()
}

// GetSetting retrieves a setting value by key. A missing key returns
// sql.ErrNoRows.
func (d *Database) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting stores or updates a setting value
func (d *Database) SetSetting(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// GetAllSettings retrieves all settings as a map
func (d *Database) GetAllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}
