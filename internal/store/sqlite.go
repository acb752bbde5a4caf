// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/audit/lineage persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS ws_sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	thread_id        TEXT NOT NULL,
	isolation_key    TEXT NOT NULL,
	state            TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL,
	closed_at        TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_ws_sessions_user ON ws_sessions(user_id);

CREATE TABLE IF NOT EXISTS audit_events (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	thread_id         TEXT NOT NULL,
	run_id            TEXT NOT NULL,
	request_id        TEXT NOT NULL,
	parent_request_id TEXT,
	operation_depth   INTEGER NOT NULL DEFAULT 0,
	action            TEXT NOT NULL,
	detail            TEXT,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_thread ON audit_events(thread_id, created_at);

CREATE TABLE IF NOT EXISTS lineage_edges (
	request_id        TEXT PRIMARY KEY,
	parent_request_id TEXT NOT NULL,
	operation         TEXT NOT NULL,
	depth             INTEGER NOT NULL,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lineage_edges_parent ON lineage_edges(parent_request_id);
`

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("sqlite store opened", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// CreateSession inserts a new session record. The ID is generated if unset.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ws_sessions (id, user_id, thread_id, isolation_key, state, created_at, last_activity_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.ThreadID, sess.IsolationKey, sess.State,
		sess.CreatedAt, sess.LastActivityAt, sess.ClosedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, isolation_key, state, created_at, last_activity_at, closed_at
		FROM ws_sessions WHERE id = ?`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.ThreadID, &sess.IsolationKey,
		&sess.State, &sess.CreatedAt, &sess.LastActivityAt, &sess.ClosedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

// TouchSession updates a session's last-activity timestamp.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ws_sessions SET last_activity_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return requireRow(res)
}

// CloseSession marks a session closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, at time.Time) error {
	closedAt := at.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE ws_sessions SET state = 'closed', closed_at = ? WHERE id = ?`, closedAt, id)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return requireRow(res)
}

// AppendAudit inserts an audit event. ID and timestamp are generated if unset.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var detail *string
	if len(e.Detail) > 0 {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(raw)
		detail = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, user_id, thread_id, run_id, request_id, parent_request_id, operation_depth, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ThreadID, e.RunID, e.RequestID, nullable(e.ParentRequestID),
		e.OperationDepth, e.Action, detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// ListAuditByThread returns audit events for a thread, oldest first.
func (s *SQLiteStore) ListAuditByThread(ctx context.Context, threadID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thread_id, run_id, request_id, parent_request_id, operation_depth, action, detail, created_at
		FROM audit_events WHERE thread_id = ?
		ORDER BY created_at ASC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var parent, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.ThreadID, &e.RunID, &e.RequestID,
			&parent, &e.OperationDepth, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		e.ParentRequestID = parent.String
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				s.logger.Warn("unparseable audit detail", "event_id", e.ID, "error", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// SaveLineageEdge inserts one derivation edge. Re-saving the same request ID
// is a no-op so edge recording stays idempotent.
func (s *SQLiteStore) SaveLineageEdge(ctx context.Context, e *LineageEdge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO lineage_edges (request_id, parent_request_id, operation, depth, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.RequestID, e.ParentRequestID, e.Operation, e.Depth, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting lineage edge: %w", err)
	}
	return nil
}

// ListLineageByParent returns the direct children of a request.
func (s *SQLiteStore) ListLineageByParent(ctx context.Context, parentRequestID string) ([]*LineageEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, parent_request_id, operation, depth, created_at
		FROM lineage_edges WHERE parent_request_id = ?
		ORDER BY created_at ASC`, parentRequestID)
	if err != nil {
		return nil, fmt.Errorf("querying lineage edges: %w", err)
	}
	defer rows.Close()

	var edges []*LineageEdge
	for rows.Next() {
		var e LineageEdge
		if err := rows.Scan(&e.RequestID, &e.ParentRequestID, &e.Operation, &e.Depth, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning lineage edge: %w", err)
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullable maps an empty string to NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
