// ABOUTME: End-to-end tests for the gateway's WebSocket and HTTP endpoints.
// ABOUTME: Exercises auth, connection lifecycle, frame acks, and persistence.

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/strand-gateway/internal/auth"
	"github.com/2389/strand-gateway/internal/execctx"
	"github.com/2389/strand-gateway/internal/ident"
	"github.com/2389/strand-gateway/internal/store"
	"github.com/2389/strand-gateway/internal/wsconn"
)

type testEnv struct {
	server   *httptest.Server
	verifier *auth.JWTVerifier
	store    *store.MemoryStore
	factory  *wsconn.Factory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	gen := ident.NewGenerator(logger)
	registry := execctx.NewRegistry(gen, logger)
	factory := wsconn.NewFactory(wsconn.Config{ReapInterval: time.Hour}, logger)
	st := store.NewMemoryStore()

	g := New(verifier, gen, registry, factory, st, logger)
	server := httptest.NewServer(g.Handler())

	t.Cleanup(func() {
		server.Close()
		factory.Shutdown()
	})
	return &testEnv{server: server, verifier: verifier, store: st, factory: factory}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) dial(t *testing.T, userID, threadName string) *websocket.Conn {
	t.Helper()
	url := e.wsURL("/ws?token=" + e.token(t, userID))
	if threadName != "" {
		url += "&thread=" + threadName
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForManagers blocks until the factory registers the expected number of
// managers. The upgrade handshake completes before registration, so a dial
// returning does not yet guarantee the manager exists.
func (e *testEnv) waitForManagers(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.factory.Stats().ManagersActive == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGateway_Health(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestGateway_Stats(t *testing.T) {
	env := newTestEnv(t)
	env.dial(t, "alice", "support")
	env.waitForManagers(t, 1)

	resp, err := http.Get(env.server.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats wsconn.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.ManagersActive)
	assert.Equal(t, int64(1), stats.ManagersCreated)
}

func TestGateway_WebSocket_Unauthorized(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_WebSocket_BadToken(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws?token=bogus"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_WebSocket_FrameAck(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "alice", "support")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"operation": "send",
		"payload":   map[string]string{"text": "hello"},
	}))

	var got ack
	require.NoError(t, conn.ReadJSON(&got))

	// Each frame gets a child request correlated to the conversation
	assert.True(t, strings.HasPrefix(got.RequestID, "req_send_"), "request id %q", got.RequestID)
	assert.NotEmpty(t, got.ParentRequestID)
	assert.Equal(t, 1, got.OperationDepth)
	require.NotNil(t, ident.Parse(got.ThreadID))
}

func TestGateway_WebSocket_FrameAck_DepthGrows(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "alice", "support")

	var first, second ack
	require.NoError(t, conn.WriteJSON(map[string]any{"operation": "send"}))
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.WriteJSON(map[string]any{"operation": "send"}))
	require.NoError(t, conn.ReadJSON(&second))

	// Every frame derives from the same root context
	assert.Equal(t, first.ParentRequestID, second.ParentRequestID)
	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, second.OperationDepth)
}

func TestGateway_WebSocket_MalformedFrame(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "alice", "support")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var errResp map[string]string
	require.NoError(t, conn.ReadJSON(&errResp))
	assert.Equal(t, "malformed frame", errResp["error"])

	// Connection survives bad frames
	require.NoError(t, conn.WriteJSON(map[string]any{"operation": "send"}))
	var got ack
	require.NoError(t, conn.ReadJSON(&got))
}

func TestGateway_WebSocket_MissingOperation(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "alice", "support")

	require.NoError(t, conn.WriteJSON(map[string]any{"payload": map[string]string{}}))

	var errResp map[string]string
	require.NoError(t, conn.ReadJSON(&errResp))
	assert.Equal(t, "operation is required", errResp["error"])
}

func TestGateway_WebSocket_ReconnectReplacesConnection(t *testing.T) {
	env := newTestEnv(t)

	first := env.dial(t, "alice", "support")
	env.waitForManagers(t, 1)
	second := env.dial(t, "alice", "support")

	// The second connection for the same conversation evicts the first
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "replaced connection should be closed")

	// The replacement works
	require.NoError(t, second.WriteJSON(map[string]any{"operation": "send"}))
	var got ack
	require.NoError(t, second.ReadJSON(&got))

	env.waitForManagers(t, 1)
}

func TestGateway_WebSocket_SeparateThreadsSeparateManagers(t *testing.T) {
	env := newTestEnv(t)

	env.dial(t, "alice", "support")
	env.dial(t, "alice", "billing")

	env.waitForManagers(t, 2)
}

func TestGateway_WebSocket_DisconnectCleansUp(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "alice", "support")
	require.NoError(t, conn.WriteJSON(map[string]any{"operation": "send"}))
	var got ack
	require.NoError(t, conn.ReadJSON(&got))
	conn.Close()

	require.Eventually(t, func() bool {
		return env.factory.Stats().ManagersActive == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_WebSocket_PersistsAuditAndLineage(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dial(t, "alice", "support")
	require.NoError(t, conn.WriteJSON(map[string]any{"operation": "send"}))
	var got ack
	require.NoError(t, conn.ReadJSON(&got))
	conn.Close()

	ctx := context.Background()

	// Session record exists and eventually closes
	require.Eventually(t, func() bool {
		sess, err := env.store.GetSession(ctx, sessionIDFor(t, env, got.ThreadID))
		return err == nil && sess.State == "closed"
	}, 2*time.Second, 10*time.Millisecond)

	// Audit trail for the thread includes start, operation, and close
	events, err := env.store.ListAuditByThread(ctx, got.ThreadID, 10)
	require.NoError(t, err)
	actions := make([]string, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "session_started")
	assert.Contains(t, actions, "operation_received")
	assert.Contains(t, actions, "session_closed")

	// The frame's lineage edge links it to the conversation root
	edges, err := env.store.ListLineageByParent(ctx, got.ParentRequestID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, got.RequestID, edges[0].RequestID)
}

// sessionIDFor finds the session persisted for a thread by scanning the
// audit trail for the session_started detail.
func sessionIDFor(t *testing.T, env *testEnv, threadID string) string {
	t.Helper()
	events, err := env.store.ListAuditByThread(context.Background(), threadID, 10)
	require.NoError(t, err)
	for _, e := range events {
		if e.Action == "session_started" {
			if id, ok := e.Detail["session_id"].(string); ok {
				return id
			}
		}
	}
	return ""
}
