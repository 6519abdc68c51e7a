// Package store is the relational store wrapper (C1): a thin typed layer
// over SQLite holding every persistent entity in the data model. Callers
// compose reads and writes inside Transaction for atomicity; outside a
// transaction, reads may be stale by at most one commit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conductor-sh/conductor/internal/migration"
)

// schemaVersion is the current migration target for the conductor database.
const schemaVersion = 1

// backupRetention bounds how long pre-upgrade backups are kept around next
// to the live database file before CleanOldBackups reclaims them.
const backupRetention = 30 * 24 * time.Hour

// Querier is satisfied by both *sql.DB and *sql.Tx, letting entity-level
// functions compose either as a standalone call or inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ErrNotReady is returned by operations issued after Close.
var ErrNotReady = fmt.Errorf("store: not ready")

// Store wraps a single SQLite connection pool. Store is an ordinary
// constructor so tests and worker processes can each hold their own
// instance. Each binary's main calls Open once and Close on exit; there is
// no process-wide guard against a second Open.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// Open creates a Store backed by dbPath, creating the schema if needed.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	// Single pooled connection: SQLite pragmas are connection-scoped and
	// the store serializes writers, so one connection keeps WAL/busy_timeout
	// behavior deterministic under concurrent worker goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := migration.CheckVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	// Only back up when there's an existing, versioned database about to be
	// upgraded — a brand-new file (version 0) has nothing worth protecting.
	existingVersion, err := migration.CurrentVersion(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: read schema version: %w", err)
	}
	needsUpgrade, err := migration.NeedsMigration(db, schemaVersion)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: check migration status: %w", err)
	}
	if existingVersion > 0 && needsUpgrade && dbPath != ":memory:" {
		if _, err := migration.BackupDatabase(dbPath); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: backup before upgrade: %w", err)
		}
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := migration.EnsureVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ensure schema version: %w", err)
	}

	// Best-effort: an old-backup sweep failing here shouldn't block startup,
	// matching the worktree janitor's best-effort contract for filesystem
	// reconciliation (internal/worktree.CleanupWorktree).
	if dbPath != ":memory:" {
		_ = migration.CleanOldBackups(dbPath, backupRetention)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB, usable anywhere a Querier is expected.
func (s *Store) DB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrNotReady
	}
	return s.db, nil
}

// Transaction runs fn inside a single SQL transaction. All reads and writes
// issued through the supplied Querier are atomic and isolated against other
// transactions. fn's returned error rolls the transaction back; otherwise
// it commits.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	s.mu.RLock()
	closed := s.closed
	db := s.db
	s.mu.RUnlock()
	if closed {
		return ErrNotReady
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Close shuts the store down. A second call is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id                     TEXT PRIMARY KEY,
			forge_user_id          TEXT NOT NULL,
			forge_login            TEXT NOT NULL,
			status                 TEXT NOT NULL DEFAULT 'active',
			encrypted_access_token TEXT NOT NULL DEFAULT '',
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_forge_user_id ON users(forge_user_id)`,

		`CREATE TABLE IF NOT EXISTS projects (
			id                     TEXT PRIMARY KEY,
			user_id                TEXT NOT NULL REFERENCES users(id),
			forge_org_id           TEXT NOT NULL DEFAULT '',
			forge_org_login        TEXT NOT NULL DEFAULT '',
			forge_installation_id  TEXT NOT NULL,
			default_branch         TEXT NOT NULL DEFAULT 'main',
			port_range_start       INTEGER NOT NULL,
			port_range_end         INTEGER NOT NULL,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_user_installation ON projects(user_id, forge_installation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_installation ON projects(forge_installation_id)`,

		`CREATE TABLE IF NOT EXISTS repos (
			id              TEXT PRIMARY KEY,
			project_id      TEXT NOT NULL REFERENCES projects(id),
			forge_repo_id   TEXT NOT NULL,
			forge_node_id   TEXT NOT NULL,
			owner           TEXT NOT NULL,
			name            TEXT NOT NULL,
			default_branch  TEXT NOT NULL DEFAULT 'main',
			profile_id      TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'active',
			last_fetched_at TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_repos_node_id ON repos(forge_node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_repos_project ON repos(project_id)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			project_id      TEXT NOT NULL REFERENCES projects(id),
			repo_id         TEXT NOT NULL REFERENCES repos(id),
			forge_issue_id  TEXT NOT NULL DEFAULT '',
			forge_node_id   TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			body            TEXT NOT NULL DEFAULT '',
			state           TEXT NOT NULL DEFAULT 'open',
			labels_json     TEXT NOT NULL DEFAULT '[]',
			active_run_id   TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_repo ON tasks(repo_id)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id                   TEXT PRIMARY KEY,
			task_id              TEXT NOT NULL REFERENCES tasks(id),
			project_id           TEXT NOT NULL REFERENCES projects(id),
			repo_id              TEXT NOT NULL REFERENCES repos(id),
			run_number           INTEGER NOT NULL,
			branch               TEXT NOT NULL DEFAULT '',
			head_commit          TEXT NOT NULL DEFAULT '',
			base_branch          TEXT NOT NULL DEFAULT '',
			phase                TEXT NOT NULL,
			step                 TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL DEFAULT 'active',
			result               TEXT NOT NULL DEFAULT '',
			result_reason        TEXT NOT NULL DEFAULT '',
			plan_revisions       INTEGER NOT NULL DEFAULT 0,
			blocked_reason       TEXT NOT NULL DEFAULT '',
			blocked_context_json TEXT NOT NULL DEFAULT '',
			started_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,
			completed_at         TEXT,
			last_event_sequence  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project_phase ON runs(project_id, phase)`,

		`CREATE TABLE IF NOT EXISTS gate_definitions (
			id               TEXT PRIMARY KEY,
			kind             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			default_config_json TEXT NOT NULL DEFAULT '{}',
			created_at       TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS gate_evaluations (
			id                  TEXT PRIMARY KEY,
			run_id              TEXT NOT NULL REFERENCES runs(id),
			gate_id             TEXT NOT NULL REFERENCES gate_definitions(id),
			kind                TEXT NOT NULL,
			status              TEXT NOT NULL,
			reason              TEXT NOT NULL DEFAULT '',
			details_json        TEXT NOT NULL DEFAULT '{}',
			causation_event_id  TEXT NOT NULL,
			causation_sequence  INTEGER NOT NULL,
			duration_ms         INTEGER NOT NULL DEFAULT 0,
			evaluated_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gate_evals_run_gate ON gate_evaluations(run_id, gate_id, causation_sequence DESC)`,

		`CREATE TABLE IF NOT EXISTS operator_actions (
			id          TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL REFERENCES runs(id),
			actor_id    TEXT NOT NULL,
			actor_type  TEXT NOT NULL DEFAULT 'user',
			action_kind TEXT NOT NULL,
			comment     TEXT NOT NULL DEFAULT '',
			from_phase  TEXT NOT NULL DEFAULT '',
			to_phase    TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operator_actions_run ON operator_actions(run_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS overrides (
			id               TEXT PRIMARY KEY,
			run_id           TEXT NOT NULL REFERENCES runs(id),
			kind             TEXT NOT NULL,
			scope            TEXT NOT NULL,
			constraint_kind  TEXT NOT NULL,
			constraint_value TEXT NOT NULL DEFAULT '',
			constraint_hash  TEXT NOT NULL DEFAULT '',
			policy_set_id    TEXT NOT NULL DEFAULT '',
			operator_id      TEXT NOT NULL,
			justification    TEXT NOT NULL,
			created_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_overrides_run ON overrides(run_id)`,

		`CREATE TABLE IF NOT EXISTS worktrees (
			id                  TEXT PRIMARY KEY,
			run_id              TEXT NOT NULL REFERENCES runs(id),
			project_id          TEXT NOT NULL REFERENCES projects(id),
			repo_id             TEXT NOT NULL REFERENCES repos(id),
			path                TEXT NOT NULL,
			branch_name         TEXT NOT NULL,
			base_commit         TEXT NOT NULL DEFAULT '',
			allocated_ports_json TEXT NOT NULL DEFAULT '[]',
			status              TEXT NOT NULL DEFAULT 'active',
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worktrees_run_status ON worktrees(run_id, status)`,

		`CREATE TABLE IF NOT EXISTS ports (
			project_id  TEXT NOT NULL REFERENCES projects(id),
			port        INTEGER NOT NULL,
			worktree_id TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			PRIMARY KEY (project_id, port)
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			sequence        INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			project_id      TEXT NOT NULL,
			run_id          TEXT,
			type            TEXT NOT NULL,
			class           TEXT NOT NULL,
			payload_json    TEXT NOT NULL DEFAULT '{}',
			idempotency_key TEXT NOT NULL UNIQUE,
			source          TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_sequence ON events(project_id, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id)`,

		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			delivery_id        TEXT PRIMARY KEY,
			event_type         TEXT NOT NULL,
			action             TEXT NOT NULL DEFAULT '',
			repository_node_id TEXT NOT NULL DEFAULT '',
			sender_node_id     TEXT NOT NULL DEFAULT '',
			payload_summary_json TEXT NOT NULL DEFAULT '{}',
			payload_hash       TEXT NOT NULL,
			signature_valid    INTEGER NOT NULL DEFAULT 0,
			status             TEXT NOT NULL DEFAULT 'received',
			job_id             TEXT NOT NULL DEFAULT '',
			received_at        TEXT NOT NULL,
			processed_at       TEXT,
			error              TEXT NOT NULL DEFAULT '',
			ignore_reason      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_status ON webhook_deliveries(status)`,

		`CREATE TABLE IF NOT EXISTS github_writes (
			id              TEXT PRIMARY KEY,
			run_id          TEXT NOT NULL REFERENCES runs(id),
			kind            TEXT NOT NULL,
			target_node_id  TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL UNIQUE,
			payload_json    TEXT NOT NULL DEFAULT '{}',
			status          TEXT NOT NULL DEFAULT 'pending',
			retry_count     INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			result_id       TEXT NOT NULL DEFAULT '',
			result_url      TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			completed_at    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_github_writes_status ON github_writes(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_github_writes_run ON github_writes(run_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS pending_github_installations (
			id                    TEXT PRIMARY KEY,
			user_id               TEXT NOT NULL REFERENCES users(id),
			forge_installation_id TEXT NOT NULL,
			forge_org_login       TEXT NOT NULL DEFAULT '',
			created_at            TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_installations_installation ON pending_github_installations(forge_installation_id)`,

		`CREATE TABLE IF NOT EXISTS agent_invocations (
			id          TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL REFERENCES runs(id),
			agent_kind  TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			turn_index  INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_invocations_run ON agent_invocations(run_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS agent_messages (
			invocation_id TEXT NOT NULL REFERENCES agent_invocations(id),
			turn_index    INTEGER NOT NULL,
			role          TEXT NOT NULL,
			content       TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			PRIMARY KEY (invocation_id, turn_index)
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			token_hash TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id),
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	return nil
}
