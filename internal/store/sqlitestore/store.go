// Package sqlitestore is the SQLite store backend. Several local processes
// (a server and standalone agents) can share one database file.
//
// Uniqueness is enforced by UNIQUE and partial UNIQUE indexes; transitions
// are conditional UPDATEs whose WHERE clause names the expected state, and a
// transition only happened when exactly one row was affected.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/internal/store/sqlitestore/migrations"
	"github.com/ChuLiYu/hackops/pkg/types"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var log = slog.Default()

// Store implements store.Store on SQLite.
type Store struct {
	sqlDB        *sql.DB
	pollInterval time.Duration
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often pending-job subscriptions rescan.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{sqlDB: sqlDB, pollInterval: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(v int64) time.Time { return time.Unix(0, v).UTC() }

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Stats implements store.Store.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	stats := store.NewStats()

	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM print_jobs GROUP BY status`, func(key string, n int) {
		stats.Jobs[types.JobStatus(key)] = n
	}); err != nil {
		return store.Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	if err := s.countBy(ctx, `SELECT action_type, COUNT(*) FROM action_records GROUP BY action_type`, func(key string, n int) {
		stats.Actions[types.ActionType(key)] = n
	}); err != nil {
		return store.Stats{}, fmt.Errorf("count actions: %w", err)
	}

	agents, err := s.ListHeartbeats(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	stats.Agents = agents
	return stats, nil
}

func (s *Store) countBy(ctx context.Context, query string, set func(key string, n int)) error {
	rows, err := s.sqlDB.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		set(key, n)
	}
	return rows.Err()
}
