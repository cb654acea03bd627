// Package store is the Task Store: the single source of truth for task and
// agent state, backed by SQLite. The claim path it exposes is the sole
// cross-agent serialization point in the system (see Store.AtomicClaim).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Config holds database configuration.
type Config struct {
	Path          string
	RetentionDays int
}

// DB wraps a sql.DB with the write-serialization mutex the claim path needs.
// SQLite allows only one writer at a time even in WAL mode; the mutex avoids
// needless SQLITE_BUSY retries when many heartbeats race for the same row.
type DB struct {
	db            *sql.DB
	writeMu       sync.Mutex
	retentionDays int
	logDir        string
}

// RawDB returns the underlying *sql.DB for components that need direct access.
func (d *DB) RawDB() *sql.DB {
	return d.db
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Open creates the directory, opens the SQLite database, sets WAL mode and
// pragmas, and ensures all tables exist.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is empty")
	}

	dir := "data"
	if cfg.Path != ":memory:" {
		dir = filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// In WAL mode SQLite supports concurrent readers with a single writer.
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	retDays := cfg.RetentionDays
	if retDays <= 0 {
		retDays = 30
	}

	return &DB{db: sqlDB, retentionDays: retDays, logDir: logDir}, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			template_type TEXT NOT NULL DEFAULT '',
			script_content TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 3,
			status TEXT NOT NULL,
			cpu_cores INTEGER NOT NULL DEFAULT 0,
			gpu_count INTEGER NOT NULL DEFAULT 0,
			gpu_memory INTEGER NOT NULL DEFAULT 0,
			created_time TEXT NOT NULL,
			start_time TEXT,
			end_time TEXT,
			execution_time_seconds REAL,
			agent_id TEXT NOT NULL DEFAULT '',
			log_file TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority_created ON tasks(status, priority, created_time)`,

		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id INTEGER NOT NULL,
			depends_on_id INTEGER NOT NULL,
			PRIMARY KEY (task_id, depends_on_id),
			FOREIGN KEY (task_id) REFERENCES tasks(id),
			FOREIGN KEY (depends_on_id) REFERENCES tasks(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_deps_on ON task_dependencies(depends_on_id)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_time TEXT NOT NULL,
			last_heartbeat_time TEXT NOT NULL,
			cpu_cores INTEGER NOT NULL DEFAULT 0,
			cpu_usage_percent REAL NOT NULL DEFAULT 0,
			memory_used_bytes INTEGER NOT NULL DEFAULT 0,
			memory_total_bytes INTEGER NOT NULL DEFAULT 0,
			gpu_info TEXT NOT NULL DEFAULT '[]',
			available_cpu_cores INTEGER NOT NULL DEFAULT 0,
			available_gpu_ids TEXT NOT NULL DEFAULT '[]',
			reject_new_task INTEGER NOT NULL DEFAULT 0,
			main_agent_id TEXT NOT NULL DEFAULT '',
			task_id INTEGER NOT NULL DEFAULT 0,
			lease_cpu INTEGER NOT NULL DEFAULT 0,
			lease_gpu_ids TEXT NOT NULL DEFAULT '[]',
			pending_directive TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_type_status ON agents(type, status)`,

		`CREATE TABLE IF NOT EXISTS templates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			created_time TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL,
			user TEXT NOT NULL,
			details TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Cleanup deletes terminal tasks older than retentionDays, matching the
// reference stack's startup-and-periodic cleanup pattern.
func (d *DB) Cleanup() error {
	cutoff := time.Now().AddDate(0, 0, -d.retentionDays).Format(time.RFC3339)
	_, err := d.db.Exec(
		`DELETE FROM tasks WHERE end_time IS NOT NULL AND end_time < ? AND status IN ('completed','failed','canceled')`,
		cutoff,
	)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}
