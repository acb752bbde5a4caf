// ABOUTME: Session registry mapping (user, logical thread name) to a stable Context.
// ABOUTME: GetOrCreate reuses a conversation's context; CreateNew always mints fresh.

package execctx

import (
	"log/slog"
	"sync"

	"github.com/2389/strand-gateway/internal/ident"
)

// LineageEdge records one parent/child derivation as a flat edge. Edges are
// kept as a list rather than in-object back-pointers so they serialize
// trivially and can be persisted without cycles.
type LineageEdge struct {
	RequestID       string
	ParentRequestID string
	Operation       string
	Depth           int
}

// Registry keeps one live Context per (user, logical thread name) so that
// repeated requests within a conversation reuse the same thread/run
// identifiers. Get-or-create and always-create are two distinct operations
// on purpose: collapsing them behind a default flag is how conversations
// get fragmented across fresh thread IDs.
type Registry struct {
	mu       sync.Mutex
	gen      *ident.Generator
	logger   *slog.Logger
	sessions map[sessionKey]*Context
	byThread map[string]string // threadID -> owning userID
	edges    []LineageEdge
}

type sessionKey struct {
	userID     string
	threadName string
}

// NewRegistry creates a session registry. Pass nil logger for default.
func NewRegistry(gen *ident.Generator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		gen:      gen,
		logger:   logger.With("component", "execctx"),
		sessions: make(map[sessionKey]*Context),
		byThread: make(map[string]string),
	}
}

// GetOrCreate returns the conversation's existing Context, or creates one on
// first use. Repeated calls with the same (userID, logicalThreadName) return
// the same Context, preserving thread and run identifiers for the life of
// the conversation.
func (r *Registry) GetOrCreate(userID, logicalThreadName string, opts ...Option) *Context {
	key := sessionKey{userID: userID, threadName: logicalThreadName}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[key]; ok {
		return existing
	}
	return r.createLocked(key, opts)
}

// CreateNew always mints a fresh Context for the conversation, replacing any
// registry entry for (userID, logicalThreadName). Use this for explicit
// "start over" semantics; everything else goes through GetOrCreate.
func (r *Registry) CreateNew(userID, logicalThreadName string, opts ...Option) *Context {
	key := sessionKey{userID: userID, threadName: logicalThreadName}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[key]; ok {
		delete(r.byThread, old.ThreadID)
		r.logger.Debug("session replaced",
			"user_id", userID,
			"thread_name", logicalThreadName,
			"old_thread_id", old.ThreadID)
	}
	return r.createLocked(key, opts)
}

// Release drops the registry entry for a conversation. The Context itself
// needs no teardown; dropping the entry just lets the next GetOrCreate mint
// a fresh one.
func (r *Registry) Release(userID, logicalThreadName string) {
	key := sessionKey{userID: userID, threadName: logicalThreadName}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[key]; ok {
		delete(r.byThread, old.ThreadID)
		delete(r.sessions, key)
	}
}

// Lineage returns a snapshot of the recorded derivation edges.
func (r *Registry) Lineage() []LineageEdge {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LineageEdge, len(r.edges))
	copy(out, r.edges)
	return out
}

// createLocked mints and registers a new Context. Must be called with mu held.
func (r *Registry) createLocked(key sessionKey, opts []Option) *Context {
	c := FromRequest(r.gen, key.userID, key.threadName, opts...)
	c.reg = r
	r.sessions[key] = c
	r.byThread[c.ThreadID] = key.userID

	r.logger.Debug("session created",
		"user_id", key.userID,
		"thread_name", key.threadName,
		"thread_id", c.ThreadID,
		"run_id", c.RunID)
	return c
}

// threadOwner reports which user a thread identifier is registered to.
func (r *Registry) threadOwner(threadID string) (userID string, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, known = r.byThread[threadID]
	return userID, known
}

// recordEdge appends a derivation edge to the lineage list.
func (r *Registry) recordEdge(e LineageEdge) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.edges = append(r.edges, e)
}
