// ABOUTME: In-memory Store implementation for tests and ephemeral deployments
// ABOUTME: Mirrors the SQLite store's semantics without touching disk

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with in-process maps. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	audits   []*AuditEvent
	edges    map[string]*LineageEdge
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		edges:    make(map[string]*LineageEdge),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	if _, exists := s.sessions[sess.ID]; exists {
		return ErrDuplicateSession
	}

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastActivityAt = at.UTC()
	return nil
}

func (s *MemoryStore) CloseSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	closedAt := at.UTC()
	sess.State = "closed"
	sess.ClosedAt = &closedAt
	return nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	s.audits = append(s.audits, &cp)
	return nil
}

func (s *MemoryStore) ListAuditByThread(_ context.Context, threadID string, limit int) ([]*AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*AuditEvent
	for _, e := range s.audits {
		if e.ThreadID != threadID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveLineageEdge(_ context.Context, e *LineageEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.edges[e.RequestID]; exists {
		return nil
	}
	cp := *e
	s.edges[e.RequestID] = &cp
	return nil
}

func (s *MemoryStore) ListLineageByParent(_ context.Context, parentRequestID string) ([]*LineageEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*LineageEdge
	for _, e := range s.edges {
		if e.ParentRequestID == parentRequestID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
