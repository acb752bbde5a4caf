// ABOUTME: HTTP surface of strand-gateway: WebSocket upgrade, health, and stats.
// ABOUTME: Wires auth, the session registry, the manager factory, and persistence.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/strand-gateway/internal/auth"
	"github.com/2389/strand-gateway/internal/execctx"
	"github.com/2389/strand-gateway/internal/ident"
	"github.com/2389/strand-gateway/internal/store"
	"github.com/2389/strand-gateway/internal/wsconn"
)

// defaultThreadName is the logical conversation used when a client does not
// name one on the upgrade request.
const defaultThreadName = "default"

// persistTimeout bounds store writes so bookkeeping failures never stall a
// connection.
const persistTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Gateway serves the WebSocket endpoint for agent-execution clients.
type Gateway struct {
	verifier auth.TokenVerifier
	gen      *ident.Generator
	registry *execctx.Registry
	factory  *wsconn.Factory
	store    store.Store
	logger   *slog.Logger
}

// New assembles a Gateway from its collaborators. Pass nil logger for default.
func New(verifier auth.TokenVerifier, gen *ident.Generator, registry *execctx.Registry, factory *wsconn.Factory, st store.Store, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		verifier: verifier,
		gen:      gen,
		registry: registry,
		factory:  factory,
		store:    st,
		logger:   logger.With("component", "gateway"),
	}
}

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /api/stats", g.handleStats)
	mux.HandleFunc("GET /ws", g.handleWebSocket)
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.factory.Stats())
}

// inboundEnvelope is the minimal client frame: an operation name plus an
// opaque payload forwarded to the execution layer.
type inboundEnvelope struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ack is sent back for every inbound frame so clients can correlate
// responses to the request that produced them.
type ack struct {
	RequestID       string `json:"request_id"`
	ParentRequestID string `json:"parent_request_id"`
	OperationDepth  int    `json:"operation_depth"`
	ThreadID        string `json:"thread_id"`
}

// handleWebSocket authenticates the caller, resolves the conversation
// context, registers a connection manager, and runs the message loop.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, errMsg := auth.Authenticate(r, g.verifier)
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusUnauthorized)
		return
	}

	threadName := r.URL.Query().Get("thread")
	if threadName == "" {
		threadName = defaultThreadName
	}

	// Reuse the conversation's context so reconnects land on the same
	// thread/run identifiers and therefore the same isolation key.
	xc := g.registry.GetOrCreate(id.UserID, threadName)
	if err := xc.VerifyIsolation(g.registry); err != nil {
		g.logger.Error("isolation check failed",
			"user_id", id.UserID,
			"thread", threadName,
			"error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own response
		g.logger.Warn("upgrade failed", "user_id", id.UserID, "error", err)
		return
	}

	mgr, err := g.factory.CreateManager(xc, conn)
	if errors.Is(err, wsconn.ErrAlreadyRegistered) {
		// Reconnect storm: the previous connection for this conversation is
		// still registered. Evict it and take its place.
		g.factory.CleanupManager(wsconn.DeriveKey(xc.UserID, xc.ThreadID))
		mgr, err = g.factory.CreateManager(xc, conn)
	}
	if err != nil {
		g.rejectConnection(conn, id.UserID, err)
		return
	}

	sess := g.openSession(xc, mgr)
	g.logger.Info("websocket connected",
		"user_id", id.UserID,
		"thread", threadName,
		"isolation_key", mgr.IsolationKey,
	)

	g.serve(auth.WithIdentity(r.Context(), id), xc, mgr, sess)
}

// rejectConnection sends the appropriate close frame for a create failure.
// Quota exhaustion is surfaced as an explicit policy close, distinct from a
// generic internal error, so clients can back off instead of hammering.
func (g *Gateway) rejectConnection(conn *websocket.Conn, userID string, err error) {
	var exhausted *wsconn.ResourceExhaustedError
	if errors.As(err, &exhausted) {
		g.logger.Warn("connection rejected: quota exhausted",
			"user_id", userID,
			"limit", exhausted.Limit)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection quota exceeded")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	} else {
		g.logger.Error("connection rejected", "user_id", userID, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "connection setup failed")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	conn.Close()
}

// serve runs the connection's read loop until the client goes away, then
// performs teardown. Cleanup is advisory: a miss is logged and teardown
// continues regardless.
func (g *Gateway) serve(ctx context.Context, xc *execctx.Context, mgr *wsconn.Manager, sess *store.Session) {
	defer func() {
		// ReleaseManager, not CleanupManager: if a reconnect has already
		// replaced this registration, the successor must survive this teardown.
		removed := g.factory.ReleaseManager(mgr)
		if !removed {
			g.logger.Debug("registration already superseded, proceeding with teardown",
				"isolation_key", mgr.IsolationKey)
		}
		mgr.Close()
		g.closeSession(xc, sess)
	}()

	for {
		data, err := mgr.Read()
		if err != nil {
			g.logger.Debug("read loop ended",
				"user_id", xc.UserID,
				"isolation_key", mgr.IsolationKey,
				"error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.sendError(mgr, "malformed frame")
			continue
		}
		if env.Operation == "" {
			g.sendError(mgr, "operation is required")
			continue
		}

		g.handleFrame(xc, mgr, sess, &env)
	}
}

// handleFrame derives a child context for one inbound operation, records its
// lineage and audit trail, and acknowledges the frame.
func (g *Gateway) handleFrame(xc *execctx.Context, mgr *wsconn.Manager, sess *store.Session, env *inboundEnvelope) {
	child := xc.CreateChild(env.Operation, nil, map[string]any{
		"websocket_client_id": mgr.ID,
	})

	g.persistLineage(child, env.Operation)
	g.audit(child, "operation_received", map[string]any{
		"operation": env.Operation,
	})
	g.touchSession(sess)

	resp, err := json.Marshal(ack{
		RequestID:       child.RequestID,
		ParentRequestID: child.ParentRequestID,
		OperationDepth:  child.OperationDepth,
		ThreadID:        child.ThreadID,
	})
	if err != nil {
		g.logger.Error("marshaling ack", "error", err)
		return
	}
	if err := mgr.Send(resp); err != nil {
		g.logger.Warn("ack send failed",
			"isolation_key", mgr.IsolationKey,
			"error", err)
	}
}

func (g *Gateway) sendError(mgr *wsconn.Manager, msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	if err := mgr.Send(payload); err != nil {
		g.logger.Debug("error send failed", "isolation_key", mgr.IsolationKey, "error", err)
	}
}

// openSession persists the session record and attaches it to the execution
// context's opaque handle slot via a derived context.
func (g *Gateway) openSession(xc *execctx.Context, mgr *wsconn.Manager) *store.Session {
	sess := &store.Session{
		ID:           mgr.ID,
		UserID:       xc.UserID,
		ThreadID:     xc.ThreadID,
		IsolationKey: mgr.IsolationKey,
		State:        mgr.State().String(),
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.store.CreateSession(saveCtx, sess); err != nil && !errors.Is(err, store.ErrDuplicateSession) {
		g.logger.Error("failed to persist session",
			"session_id", sess.ID,
			"error", err)
	}

	g.audit(xc, "session_started", map[string]any{
		"isolation_key": mgr.IsolationKey,
		"session_id":    sess.ID,
	})
	return sess
}

func (g *Gateway) closeSession(xc *execctx.Context, sess *store.Session) {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := g.store.CloseSession(saveCtx, sess.ID, time.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Error("failed to close session record",
			"session_id", sess.ID,
			"error", err)
	}
	g.audit(xc, "session_closed", map[string]any{
		"session_id": sess.ID,
	})
}

func (g *Gateway) touchSession(sess *store.Session) {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := g.store.TouchSession(saveCtx, sess.ID, time.Now()); err != nil {
		g.logger.Debug("failed to touch session record",
			"session_id", sess.ID,
			"error", err)
	}
}

// persistLineage saves one derivation edge with its own timeout context so
// persistence continues even if the request context is cancelled.
func (g *Gateway) persistLineage(child *execctx.Context, operation string) {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := g.store.SaveLineageEdge(saveCtx, &store.LineageEdge{
		RequestID:       child.RequestID,
		ParentRequestID: child.ParentRequestID,
		Operation:       operation,
		Depth:           child.OperationDepth,
	})
	if err != nil {
		g.logger.Error("failed to persist lineage edge",
			"request_id", child.RequestID,
			"error", err)
	}
}

// audit appends an audit event built from the context's projection.
func (g *Gateway) audit(xc *execctx.Context, action string, detail map[string]any) {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := g.store.AppendAudit(saveCtx, &store.AuditEvent{
		UserID:          xc.UserID,
		ThreadID:        xc.ThreadID,
		RunID:           xc.RunID,
		RequestID:       xc.RequestID,
		ParentRequestID: xc.ParentRequestID,
		OperationDepth:  xc.OperationDepth,
		Action:          action,
		Detail:          detail,
	})
	if err != nil {
		g.logger.Error("failed to append audit event",
			"action", action,
			"request_id", xc.RequestID,
			"error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already gone if encoding fails; nothing useful to do
	_ = json.NewEncoder(w).Encode(v)
}
