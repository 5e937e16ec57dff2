// Package sqlite provides a SQLite-backed session store. Several nodes
// pointed at the same database file share one cluster-wide view.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ConorIT/jdiameter/internal/session"
	"github.com/ConorIT/jdiameter/internal/store"
	"github.com/ConorIT/jdiameter/internal/store/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists accounting sessions in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Timestamps are stored as unix nanoseconds so last-writer-wins comparisons
// keep the precision of the in-memory stamps.
func toNanos(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(0, value).UTC()
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// Create inserts a session that must not exist yet.
func (s *Store) Create(ctx context.Context, sess session.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO accounting_sessions (
    session_id, phase, origin_host, origin_realm, last_record_number,
    created_at, last_updated_at, closed_at, owner
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.Phase.String(),
		sess.OriginHost,
		sess.OriginRealm,
		int64(sess.LastRecordNumber),
		toNanos(sess.CreatedAt),
		toNanos(sess.LastUpdatedAt),
		toNanos(sess.ClosedAt),
		sess.Owner,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrExists
		}
		return classify("create session", err)
	}
	return nil
}

// Put upserts a session unless the stored copy has a later LastUpdatedAt.
func (s *Store) Put(ctx context.Context, sess session.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO accounting_sessions (
    session_id, phase, origin_host, origin_realm, last_record_number,
    created_at, last_updated_at, closed_at, owner
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    phase = excluded.phase,
    origin_host = excluded.origin_host,
    origin_realm = excluded.origin_realm,
    last_record_number = excluded.last_record_number,
    created_at = excluded.created_at,
    last_updated_at = excluded.last_updated_at,
    closed_at = excluded.closed_at,
    owner = excluded.owner
WHERE excluded.last_updated_at >= accounting_sessions.last_updated_at`,
		sess.ID,
		sess.Phase.String(),
		sess.OriginHost,
		sess.OriginRealm,
		int64(sess.LastRecordNumber),
		toNanos(sess.CreatedAt),
		toNanos(sess.LastUpdatedAt),
		toNanos(sess.ClosedAt),
		sess.Owner,
	)
	if err != nil {
		return classify("put session", err)
	}
	return nil
}

// Get returns one session by id.
func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	if err := s.ready(ctx); err != nil {
		return session.Session{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT session_id, phase, origin_host, origin_realm, last_record_number,
       created_at, last_updated_at, closed_at, owner
FROM accounting_sessions
WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, store.ErrNotFound
		}
		return session.Session{}, classify("get session", err)
	}
	return sess, nil
}

// Remove deletes a session. Removing an absent id is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM accounting_sessions WHERE session_id = ?`, id); err != nil {
		return classify("remove session", err)
	}
	return nil
}

// List returns every stored session ordered by id.
func (s *Store) List(ctx context.Context) ([]session.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_id, phase, origin_host, origin_realm, last_record_number,
       created_at, last_updated_at, closed_at, owner
FROM accounting_sessions
ORDER BY session_id`)
	if err != nil {
		return nil, classify("list sessions", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, classify("list sessions", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list sessions", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		sess          session.Session
		phase         string
		recordNumber  int64
		createdAt     int64
		lastUpdatedAt int64
		closedAt      int64
	)
	if err := row.Scan(
		&sess.ID,
		&phase,
		&sess.OriginHost,
		&sess.OriginRealm,
		&recordNumber,
		&createdAt,
		&lastUpdatedAt,
		&closedAt,
		&sess.Owner,
	); err != nil {
		return session.Session{}, err
	}
	p, err := session.ParsePhase(phase)
	if err != nil {
		return session.Session{}, err
	}
	sess.Phase = p
	sess.LastRecordNumber = uint64(recordNumber)
	sess.CreatedAt = fromNanos(createdAt)
	sess.LastUpdatedAt = fromNanos(lastUpdatedAt)
	sess.ClosedAt = fromNanos(closedAt)
	return sess, nil
}

// classify maps timeouts and lock contention to store.ErrUnavailable.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "accounting_sessions.session_id")
}

var _ store.SessionStore = (*Store)(nil)
