// Package sessionstore keeps a history of MCP sessions in SQLite so
// connection churn can be inspected after the fact. The client records
// a snapshot when a session opens and again when it closes; the store
// only ever upserts by session id.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/wamcp/internal/mcp"
)

// Store persists [mcp.Session] snapshots. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens the session store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database, creating the schema on first use. The
// caller keeps ownership of db unless it came from [Open].
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mcp_sessions (
		session_id    TEXT PRIMARY KEY,
		server        TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		last_activity TEXT NOT NULL,
		active        INTEGER NOT NULL,
		metadata      TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_mcp_sessions_server
		ON mcp_sessions (server, last_activity);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordSession upserts a snapshot. It satisfies [mcp.SessionRecorder].
func (s *Store) RecordSession(ctx context.Context, sess mcp.Session) error {
	if sess.ID == "" {
		return errors.New("record session: empty session id")
	}
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("record session %s: %w", sess.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_sessions (session_id, server, created_at, last_activity, active, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE
		 SET last_activity = excluded.last_activity,
		     active = excluded.active,
		     metadata = excluded.metadata`,
		sess.ID, sess.Server, formatTime(sess.CreatedAt), formatTime(sess.LastActivity),
		sess.Active, string(meta),
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", sess.ID, err)
	}
	return nil
}

// Get returns the session with the given id. The boolean is false if
// no such session was recorded.
func (s *Store) Get(ctx context.Context, sessionID string) (mcp.Session, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, server, created_at, last_activity, active, metadata
		 FROM mcp_sessions WHERE session_id = ?`,
		sessionID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mcp.Session{}, false, nil
	}
	if err != nil {
		return mcp.Session{}, false, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return sess, true, nil
}

// List returns recorded sessions, most recently active first. An empty
// server lists every server's sessions; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, server string, limit int) ([]mcp.Session, error) {
	query := `SELECT session_id, server, created_at, last_activity, active, metadata
		FROM mcp_sessions`
	var args []any
	if server != "" {
		query += ` WHERE server = ?`
		args = append(args, server)
	}
	query += ` ORDER BY last_activity DESC, session_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []mcp.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Purge deletes inactive sessions whose last activity is before cutoff
// and returns how many were removed. Active sessions are never purged.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mcp_sessions WHERE active = 0 AND last_activity < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (mcp.Session, error) {
	var (
		sess                mcp.Session
		created, lastActive string
		meta                string
	)
	if err := sc.Scan(&sess.ID, &sess.Server, &created, &lastActive, &sess.Active, &meta); err != nil {
		return mcp.Session{}, err
	}

	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return mcp.Session{}, fmt.Errorf("created_at: %w", err)
	}
	if sess.LastActivity, err = time.Parse(time.RFC3339Nano, lastActive); err != nil {
		return mcp.Session{}, fmt.Errorf("last_activity: %w", err)
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
			return mcp.Session{}, fmt.Errorf("metadata: %w", err)
		}
	}
	return sess, nil
}

// formatTime renders t in a form that sorts lexically in time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
