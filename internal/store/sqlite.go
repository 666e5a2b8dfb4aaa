// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists task and transfer history with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			command      TEXT NOT NULL,
			status       TEXT NOT NULL,
			output       TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			submitted_at TEXT NOT NULL,
			sent_at      TEXT,
			completed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_agent_submitted
			ON tasks(agent_id, submitted_at DESC);
		CREATE INDEX IF NOT EXISTS idx_tasks_submitted
			ON tasks(submitted_at DESC);

		CREATE TABLE IF NOT EXISTS transfers (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			direction    TEXT NOT NULL,
			path         TEXT NOT NULL,
			size         INTEGER NOT NULL DEFAULT 0,
			digest       TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			error        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			completed_at TEXT,

			CHECK (direction IN ('download', 'upload', 'read', 'write', 'delete', 'mkdir', 'list'))
		);

		CREATE INDEX IF NOT EXISTS idx_transfers_agent_created
			ON transfers(agent_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS agents (
			agent_id   TEXT PRIMARY KEY,
			hostname   TEXT NOT NULL,
			username   TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			os         TEXT NOT NULL DEFAULT '',
			listener   TEXT NOT NULL DEFAULT '',
			first_seen TEXT NOT NULL,
			last_seen  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "transfers",
			column: "local_path",
			apply:  `ALTER TABLE transfers ADD COLUMN local_path TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseOptionalTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTask inserts or replaces a task record.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *TaskRecord) error {
	query := `
		INSERT INTO tasks (id, agent_id, command, status, output, error, submitted_at, sent_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			sent_at = excluded.sent_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.AgentID,
		task.Command,
		task.Status,
		task.Output,
		task.Error,
		formatTime(task.SubmittedAt),
		formatOptionalTime(task.SentAt),
		formatOptionalTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("saving task: %w", err)
	}

	s.logger.Debug("saved task", "task_id", task.ID, "status", task.Status)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	var t TaskRecord
	var submitted string
	var sent, completed sql.NullString

	if err := row.Scan(&t.ID, &t.AgentID, &t.Command, &t.Status, &t.Output, &t.Error, &submitted, &sent, &completed); err != nil {
		return nil, err
	}

	var err error
	if t.SubmittedAt, err = time.Parse(time.RFC3339Nano, submitted); err != nil {
		return nil, fmt.Errorf("parsing submitted_at: %w", err)
	}
	if t.SentAt, err = parseOptionalTime(sent); err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}
	if t.CompletedAt, err = parseOptionalTime(completed); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &t, nil
}

const taskColumns = `id, agent_id, command, status, output, error, submitted_at, sent_at, completed_at`

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks newest first. An empty agentID lists every agent.
func (s *SQLiteStore) ListTasks(ctx context.Context, agentID string, limit int) ([]*TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY submitted_at DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SaveTransfer inserts or replaces a transfer record.
func (s *SQLiteStore) SaveTransfer(ctx context.Context, tr *TransferRecord) error {
	query := `
		INSERT INTO transfers (id, agent_id, direction, path, local_path, size, digest, status, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			local_path = excluded.local_path,
			size = excluded.size,
			digest = excluded.digest,
			status = excluded.status,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		tr.ID,
		tr.AgentID,
		tr.Direction,
		tr.Path,
		tr.LocalPath,
		tr.Size,
		tr.Digest,
		tr.Status,
		tr.Error,
		formatTime(tr.CreatedAt),
		formatOptionalTime(tr.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("saving transfer: %w", err)
	}

	s.logger.Debug("saved transfer", "transfer_id", tr.ID, "status", tr.Status)
	return nil
}

// ListTransfers returns transfers newest first. An empty agentID lists every agent.
func (s *SQLiteStore) ListTransfers(ctx context.Context, agentID string, limit int) ([]*TransferRecord, error) {
	query := `
		SELECT id, agent_id, direction, path, local_path, size, digest, status, error, created_at, completed_at
		FROM transfers`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transfers: %w", err)
	}
	defer rows.Close()

	var out []*TransferRecord
	for rows.Next() {
		var tr TransferRecord
		var created string
		var completed sql.NullString
		if err := rows.Scan(&tr.ID, &tr.AgentID, &tr.Direction, &tr.Path, &tr.LocalPath,
			&tr.Size, &tr.Digest, &tr.Status, &tr.Error, &created, &completed); err != nil {
			return nil, fmt.Errorf("scanning transfer: %w", err)
		}
		if tr.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if tr.CompletedAt, err = parseOptionalTime(completed); err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}

// RecordAgentSeen upserts an agent sighting, keeping the original first_seen.
func (s *SQLiteStore) RecordAgentSeen(ctx context.Context, a *AgentSighting) error {
	query := `
		INSERT INTO agents (agent_id, hostname, username, ip_address, os, listener, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			hostname = excluded.hostname,
			username = excluded.username,
			ip_address = excluded.ip_address,
			os = excluded.os,
			listener = excluded.listener,
			last_seen = excluded.last_seen
	`

	_, err := s.db.ExecContext(ctx, query,
		a.AgentID, a.Hostname, a.Username, a.IPAddress, a.OS, a.Listener,
		formatTime(a.FirstSeen), formatTime(a.LastSeen))
	if err != nil {
		return fmt.Errorf("recording agent: %w", err)
	}
	return nil
}

// ListAgentSightings returns known agents, most recently seen first.
func (s *SQLiteStore) ListAgentSightings(ctx context.Context, limit int) ([]*AgentSighting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, hostname, username, ip_address, os, listener, first_seen, last_seen
		FROM agents
		ORDER BY last_seen DESC
		LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []*AgentSighting
	for rows.Next() {
		var a AgentSighting
		var first, last string
		if err := rows.Scan(&a.AgentID, &a.Hostname, &a.Username, &a.IPAddress, &a.OS, &a.Listener, &first, &last); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		if a.FirstSeen, err = time.Parse(time.RFC3339Nano, first); err != nil {
			return nil, fmt.Errorf("parsing first_seen: %w", err)
		}
		if a.LastSeen, err = time.Parse(time.RFC3339Nano, last); err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetSetting returns the stored value for key.
// Returns ErrNotFound if the key was never set.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting: %w", err)
	}
	return value, nil
}

// SetSetting stores value under key.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving setting: %w", err)
	}
	return nil
}
