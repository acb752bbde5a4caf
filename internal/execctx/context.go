// ABOUTME: Immutable per-request execution context carrying identity and correlation IDs.
// ABOUTME: Child derivation preserves ancestry, increments depth, and mints a fresh request ID.

package execctx

import (
	"fmt"
	"time"

	"github.com/2389/strand-gateway/internal/ident"
)

// IsolationError indicates a context failed its isolation check and must not
// be used to touch user-scoped resources. It is fatal to the request and is
// never silently downgraded.
type IsolationError struct {
	UserID   string
	ThreadID string
	Reason   string
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("isolation violation for user %q thread %q: %s", e.UserID, e.ThreadID, e.Reason)
}

// Context bundles the identity and correlation identifiers for one unit of
// work. A Context is immutable after construction: derivation always produces
// a new value, and the maps are copied on the way in and on the way out, so
// instances are safe to share across goroutines without locking.
type Context struct {
	UserID            string
	ThreadID          string
	RunID             string
	RequestID         string
	WebsocketClientID string
	ParentRequestID   string
	OperationDepth    int
	CreatedAt         time.Time

	// DBSession is an opaque persistence handle. Nothing in this package or
	// in the connection factory ever inspects it.
	DBSession any

	gen           *ident.Generator
	reg           *Registry
	agentContext  map[string]any
	auditMetadata map[string]any
}

// Option configures optional Context fields at construction time.
type Option func(*Context)

// WithThreadID supplies an externally minted thread identifier.
func WithThreadID(id string) Option {
	return func(c *Context) { c.ThreadID = id }
}

// WithRunID supplies an externally minted run identifier.
func WithRunID(id string) Option {
	return func(c *Context) { c.RunID = id }
}

// WithWebsocketClientID attaches the WebSocket client identifier.
func WithWebsocketClientID(id string) Option {
	return func(c *Context) { c.WebsocketClientID = id }
}

// WithDBSession attaches an opaque persistence session handle.
func WithDBSession(session any) Option {
	return func(c *Context) { c.DBSession = session }
}

// WithAgentContext seeds the agent context map. The map is copied.
func WithAgentContext(m map[string]any) Option {
	return func(c *Context) { c.agentContext = copyMap(m) }
}

// WithAuditMetadata seeds the audit metadata map. The map is copied.
func WithAuditMetadata(m map[string]any) Option {
	return func(c *Context) { c.auditMetadata = copyMap(m) }
}

// FromRequest builds a fresh Context for an inbound request. When the thread
// or run identifier is not supplied via options, both come from a single
// GenerateCorrelatedSet draw so they stay correlated across service calls;
// thread and run identifiers are never minted from separate draws.
func FromRequest(gen *ident.Generator, userID, operation string, opts ...Option) *Context {
	c := &Context{
		UserID:    userID,
		CreatedAt: time.Now(),
		gen:       gen,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.ThreadID == "" || c.RunID == "" {
		set := gen.GenerateCorrelatedSet(userID, operation)
		if c.ThreadID == "" {
			c.ThreadID = set.ThreadID
		}
		if c.RunID == "" {
			c.RunID = set.RunID
		}
		c.RequestID = set.RequestID
	} else {
		c.RequestID = gen.Generate(requestPrefix(operation))
	}

	if c.agentContext == nil {
		c.agentContext = make(map[string]any)
	}
	if c.auditMetadata == nil {
		c.auditMetadata = make(map[string]any)
	}
	return c
}

// CreateChild derives a sub-operation context. The child keeps the parent's
// user/thread/run identifiers, mints a new request identifier only (a child
// is not a sibling thread or run, so no correlated set is drawn), links back
// via ParentRequestID, and sits one level deeper. Child map values win on
// key collision.
func (c *Context) CreateChild(operationName string, extraAgentContext, extraAuditMetadata map[string]any) *Context {
	child := &Context{
		UserID:            c.UserID,
		ThreadID:          c.ThreadID,
		RunID:             c.RunID,
		RequestID:         c.gen.Generate(requestPrefix(operationName)),
		WebsocketClientID: c.WebsocketClientID,
		ParentRequestID:   c.RequestID,
		OperationDepth:    c.OperationDepth + 1,
		CreatedAt:         time.Now(),
		DBSession:         c.DBSession,
		gen:               c.gen,
		reg:               c.reg,
		agentContext:      mergeMaps(c.agentContext, extraAgentContext),
		auditMetadata:     mergeMaps(c.auditMetadata, extraAuditMetadata),
	}

	if c.reg != nil {
		c.reg.recordEdge(LineageEdge{
			RequestID:       child.RequestID,
			ParentRequestID: child.ParentRequestID,
			Operation:       operationName,
			Depth:           child.OperationDepth,
		})
	}
	return child
}

// VerifyIsolation checks that this context may touch user-scoped resources.
// It fails when the user identifier is empty, or when the session registry
// has the context's thread registered to a different user. A thread the
// registry has never seen is fine: foreign threads are reconciled by their
// own subsystem.
func (c *Context) VerifyIsolation(reg *Registry) error {
	if c.UserID == "" {
		return &IsolationError{ThreadID: c.ThreadID, Reason: "empty user id"}
	}
	if reg != nil {
		if owner, known := reg.threadOwner(c.ThreadID); known && owner != c.UserID {
			return &IsolationError{
				UserID:   c.UserID,
				ThreadID: c.ThreadID,
				Reason:   "thread is registered to a different user",
			}
		}
	}
	return nil
}

// AgentContext returns a copy of the agent context map.
func (c *Context) AgentContext() map[string]any {
	return copyMap(c.agentContext)
}

// AuditMetadata returns a copy of the audit metadata map.
func (c *Context) AuditMetadata() map[string]any {
	return copyMap(c.auditMetadata)
}

// ToMap projects the context into a plain map for serialization across
// service boundaries. ParentRequestID and OperationDepth are always present
// so downstream consumers can rebuild the derivation chain.
func (c *Context) ToMap() map[string]any {
	return map[string]any{
		"user_id":             c.UserID,
		"thread_id":           c.ThreadID,
		"run_id":              c.RunID,
		"request_id":          c.RequestID,
		"websocket_client_id": c.WebsocketClientID,
		"parent_request_id":   c.ParentRequestID,
		"operation_depth":     c.OperationDepth,
		"created_at":          c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"agent_context":       copyMap(c.agentContext),
	}
}

// AuditTrail projects the fields an audit record needs. Pure and
// side-effect free, like ToMap.
func (c *Context) AuditTrail() map[string]any {
	return map[string]any{
		"user_id":           c.UserID,
		"thread_id":         c.ThreadID,
		"run_id":            c.RunID,
		"request_id":        c.RequestID,
		"parent_request_id": c.ParentRequestID,
		"operation_depth":   c.OperationDepth,
		"created_at":        c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"audit_metadata":    copyMap(c.auditMetadata),
	}
}

// requestPrefix builds the request-identifier prefix for an operation.
func requestPrefix(operation string) string {
	if operation == "" {
		return ident.PrefixRequest
	}
	return ident.PrefixRequest + "_" + operation
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeMaps copies base and overlays extra, extra values winning.
func mergeMaps(base, extra map[string]any) map[string]any {
	out := copyMap(base)
	for k, v := range extra {
		out[k] = v
	}
	return out
}
