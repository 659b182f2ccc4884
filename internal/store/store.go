package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/soomehta/hive/internal/config"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a mutation targets a row that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionFinished is returned for any mutation aimed at a completed or failed session.
	ErrSessionFinished = errors.New("session already finished")
	// ErrRunFinished is returned when a bee run outcome is recorded twice.
	ErrRunFinished = errors.New("bee run already finished")
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + cfg.Path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bee_templates (
			id                    TEXT PRIMARY KEY,
			org_id                TEXT NOT NULL,
			name                  TEXT NOT NULL,
			type                  TEXT NOT NULL,
			subtype               TEXT NOT NULL DEFAULT 'none',
			system_prompt         TEXT NOT NULL DEFAULT '',
			tool_access           TEXT NOT NULL DEFAULT '[]',
			default_autonomy_tier TEXT NOT NULL DEFAULT 'suggest_only',
			trigger_conditions    TEXT NOT NULL DEFAULT '{}',
			handover_targets      TEXT NOT NULL DEFAULT '[]',
			is_system             BOOLEAN NOT NULL DEFAULT FALSE,
			is_active             BOOLEAN NOT NULL DEFAULT TRUE,
			created_at            DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at            DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (org_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS bee_instances (
			id                TEXT PRIMARY KEY,
			template_id       TEXT NOT NULL REFERENCES bee_templates(id) ON DELETE CASCADE,
			org_id            TEXT NOT NULL,
			project_id        TEXT,
			name              TEXT NOT NULL,
			context_overrides TEXT NOT NULL DEFAULT '{}',
			is_active         BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_org ON bee_instances(org_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS swarm_sessions (
			id              TEXT PRIMARY KEY,
			org_id          TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			conversation_id TEXT,
			trigger_message TEXT NOT NULL,
			dispatch_plan   TEXT NOT NULL,
			verbosity       TEXT NOT NULL DEFAULT '',
			formality       TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'planning',
			result          TEXT,
			error           TEXT,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at    DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON swarm_sessions(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS bee_runs (
			id               TEXT PRIMARY KEY,
			swarm_session_id TEXT NOT NULL REFERENCES swarm_sessions(id) ON DELETE CASCADE,
			bee_instance_id  TEXT NOT NULL,
			template_name    TEXT NOT NULL DEFAULT '',
			phase            INTEGER NOT NULL,
			input            TEXT,
			status           TEXT NOT NULL DEFAULT 'queued',
			output           TEXT,
			status_text      TEXT,
			tokens_used      INTEGER,
			duration_ms      INTEGER,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			started_at       DATETIME,
			completed_at     DATETIME,
			UNIQUE (swarm_session_id, bee_instance_id)
		)`,
		`CREATE TABLE IF NOT EXISTS hive_context (
			seq               INTEGER PRIMARY KEY AUTOINCREMENT,
			id                TEXT NOT NULL UNIQUE,
			swarm_session_id  TEXT NOT NULL REFERENCES swarm_sessions(id) ON DELETE CASCADE,
			source_bee_run_id TEXT,
			phase             INTEGER NOT NULL DEFAULT 0,
			type              TEXT NOT NULL,
			payload           TEXT NOT NULL,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_context_session ON hive_context(swarm_session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS handovers (
			seq                INTEGER PRIMARY KEY AUTOINCREMENT,
			id                 TEXT NOT NULL UNIQUE,
			swarm_session_id   TEXT NOT NULL REFERENCES swarm_sessions(id) ON DELETE CASCADE,
			from_bee_run_id    TEXT NOT NULL,
			to_bee_instance_id TEXT NOT NULL,
			consumed_by_run_id TEXT,
			type               TEXT NOT NULL,
			summary            TEXT NOT NULL DEFAULT '',
			data               TEXT NOT NULL DEFAULT 'null',
			request            TEXT NOT NULL DEFAULT '',
			constraints        TEXT NOT NULL DEFAULT '[]',
			created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
			consumed_at        DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_handovers_to ON handovers(swarm_session_id, to_bee_instance_id)`,
		`CREATE TABLE IF NOT EXISTS bee_signals (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			swarm_session_id TEXT NOT NULL REFERENCES swarm_sessions(id) ON DELETE CASCADE,
			bee_run_id       TEXT,
			type             TEXT NOT NULL,
			message          TEXT NOT NULL,
			resolved         BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			resolved_at      DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_session ON bee_signals(swarm_session_id, type, resolved)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			sealed      BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

// sqlTime formats t the way CURRENT_TIMESTAMP stores it, so text comparisons hold.
func sqlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}
