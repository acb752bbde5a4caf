// ABOUTME: Store interface and data types for strand-gateway persistence
// ABOUTME: Defines Session, AuditEvent, LineageEdge and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// Session is the persistent record of one WebSocket conversation session.
// A *Session is what gets attached to an execution context as its opaque
// persistence handle; the connection factory never looks inside it.
type Session struct {
	ID             string
	UserID         string
	ThreadID       string
	IsolationKey   string
	State          string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ClosedAt       *time.Time
}

// AuditEvent records one auditable action with its full correlation context,
// so operations can be reconstructed across service boundaries.
type AuditEvent struct {
	ID              string
	UserID          string
	ThreadID        string
	RunID           string
	RequestID       string
	ParentRequestID string
	OperationDepth  int
	Action          string
	Detail          map[string]any
	CreatedAt       time.Time
}

// LineageEdge is one persisted parent/child derivation edge. Stored flat
// (request -> parent) so the derivation tree serializes without cycles.
type LineageEdge struct {
	RequestID       string
	ParentRequestID string
	Operation       string
	Depth           int
	CreatedAt       time.Time
}

// Store is the persistence interface consumed by the gateway.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	CloseSession(ctx context.Context, id string, at time.Time) error

	// Audit trail
	AppendAudit(ctx context.Context, e *AuditEvent) error
	ListAuditByThread(ctx context.Context, threadID string, limit int) ([]*AuditEvent, error)

	// Lineage edges
	SaveLineageEdge(ctx context.Context, e *LineageEdge) error
	ListLineageByParent(ctx context.Context, parentRequestID string) ([]*LineageEdge, error)

	Close() error
}
