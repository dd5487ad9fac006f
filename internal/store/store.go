// Package store is the persistent store (§2, §3): durable SQLite-backed
// state for sessions, messages, tool calls, accounts, task events,
// checkpoints, worktrees, and activity.
//
// The teacher's managed-mode stack (jackc/pgx/v5 + golang-migrate/migrate/v4
// against Postgres) targets a multi-tenant server deployment; a single local
// daemon has no such deployment target, so clawd stores everything in one
// modernc.org/sqlite file under the data directory instead. See DESIGN.md
// for the full justification.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite connection pool and arbitrates writes, matching
// the ownership rule in spec.md §3 ("the persistent store exclusively owns
// durable rows").
type Store struct {
	db *sql.DB
	// taskLocks serializes the append-read-then-insert sequence for a given
	// task's event log, per spec.md §3's "serialized by a per-task lock".
	taskLocksMu sync.Mutex
	taskLocks   map[string]*sync.Mutex
}

// Open opens (creating if absent) the SQLite database at path and applies
// any pending embedded migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer connection avoids SQLITE_BUSY under WAL
	s := &Store{db: db, taskLocks: make(map[string]*sync.Mutex)}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, taskLocks: make(map[string]*sync.Mutex)}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying *sql.DB for callers (e.g. doctor checks, the DB
// maintenance job) that need raw access.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database, checkpointing the WAL first (spec.md §4.1:
// "WAL-backed stores are checkpointed before exit").
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// migrate applies every embedded migration not yet recorded in
// schema_version, in filename order. This is a small hand-rolled runner
// rather than golang-migrate: golang-migrate/v4's registered database
// drivers don't include modernc.org/sqlite (only the cgo-based sqlite3
// driver), and the task_engine/storage.rs original already embeds and
// splits migration SQL by ';' the same way — see DESIGN.md.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("bootstrap schema_version: %w", err)
	}

	var applied int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for i, name := range names {
		version := i + 1
		if version <= applied {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		for _, stmt := range splitStatements(string(data)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func splitStatements(sqlText string) []string {
	parts := strings.Split(sqlText, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// taskLock returns the per-task mutex, creating it if absent.
func (s *Store) taskLock(taskID string) *sync.Mutex {
	s.taskLocksMu.Lock()
	defer s.taskLocksMu.Unlock()
	m, ok := s.taskLocks[taskID]
	if !ok {
		m = &sync.Mutex{}
		s.taskLocks[taskID] = m
	}
	return m
}
