// ABOUTME: Per-connection WebSocket manager with an activity-tracked lifecycle.
// ABOUTME: States run CREATED -> ACTIVE <-> IDLE -> CLOSING -> CLOSED; Close is idempotent.

package wsconn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Manager. CLOSED is terminal.
type State int

const (
	StateCreated State = iota
	StateActive
	StateIdle
	StateClosing
	StateClosed
)

// String returns the lowercase state name for logs and stats.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the narrow surface the manager needs from an underlying WebSocket
// connection. *websocket.Conn satisfies it; tests substitute a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Manager wraps one client WebSocket connection. The factory owns
// registration and eviction; the manager owns the connection handle, its
// lifecycle state, and the last-activity clock the reaper reads.
type Manager struct {
	ID           string
	IsolationKey string
	OwnerUserID  string
	CreatedAt    time.Time

	conn   Conn
	logger *slog.Logger

	// writeMu serializes writes; gorilla connections allow one writer at a time.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastActivity time.Time

	// closeOnce gates the teardown; closeErr is written exactly once inside it.
	closeOnce sync.Once
	closeErr  error
}

// newManager is called by the factory under its registration path.
func newManager(id, isolationKey, ownerUserID string, conn Conn, logger *slog.Logger) *Manager {
	now := time.Now()
	return &Manager{
		ID:           id,
		IsolationKey: isolationKey,
		OwnerUserID:  ownerUserID,
		CreatedAt:    now,
		conn:         conn,
		logger:       logger,
		state:        StateCreated,
		lastActivity: now,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastActivity returns when the connection last saw traffic.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// IsActive reports whether the manager is usable: ACTIVE or IDLE.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive || m.state == StateIdle
}

// Touch records activity. It moves CREATED and IDLE managers to ACTIVE and
// never resurrects a closing or closed one.
func (m *Manager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosing || m.state == StateClosed {
		return
	}
	m.state = StateActive
	m.lastActivity = time.Now()
}

// markIdle moves an ACTIVE manager to IDLE. Called by the factory reaper for
// connections past the idle threshold but not yet past the eviction timeout.
func (m *Manager) markIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateActive {
		m.state = StateIdle
	}
}

// Send writes a text message to the client and records the activity. The
// write happens outside the state mutex so a slow client never blocks
// lifecycle bookkeeping.
func (m *Manager) Send(data []byte) error {
	m.writeMu.Lock()
	err := m.conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()

	if err == nil {
		m.Touch()
	}
	return err
}

// Read blocks on the next client message and records the activity.
func (m *Manager) Read() ([]byte, error) {
	_, data, err := m.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	m.Touch()
	return data, nil
}

// Close tears down the connection. It is idempotent: the first call performs
// the close and records its outcome, and every later call returns that prior
// outcome without touching the connection again. Concurrent callers block on
// the first call's teardown, so the outcome they see is always the recorded
// one. Close never panics.
func (m *Manager) Close() error {
	m.closeOnce.Do(m.doClose)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

func (m *Manager) doClose() {
	m.mu.Lock()
	m.state = StateClosing
	conn := m.conn
	m.mu.Unlock()

	// Connection I/O happens outside the state mutex.
	err := conn.Close()

	m.mu.Lock()
	m.state = StateClosed
	m.closeErr = err
	m.mu.Unlock()

	m.logger.Debug("manager closed",
		"manager_id", m.ID,
		"isolation_key", m.IsolationKey,
		"user_id", m.OwnerUserID,
	)
}
