// ABOUTME: Factory owning the pool of WebSocket managers keyed by isolation key.
// ABOUTME: Enforces per-user quotas with emergency reclaim, fallback cleanup, and a reaper.

package wsconn

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/strand-gateway/internal/execctx"
)

// ErrFactoryClosed indicates the factory has been shut down; it is
// permanently unusable afterwards.
var ErrFactoryClosed = errors.New("websocket factory is shut down")

// ErrAlreadyRegistered indicates a live manager already holds the isolation
// key. The caller lost a create/create race and must reuse or retry, the
// factory never silently overwrites a registration.
var ErrAlreadyRegistered = errors.New("manager already registered for isolation key")

// ResourceExhaustedError indicates a user is at their connection quota even
// after emergency reclaim. Recoverable: the client should back off and retry.
type ResourceExhaustedError struct {
	UserID string
	Limit  int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("user %q exhausted websocket quota (%d)", e.UserID, e.Limit)
}

// Config holds factory tunables.
type Config struct {
	// MaxManagersPerUser bounds concurrent connections per user. Default 20.
	MaxManagersPerUser int
	// ConnectionTimeout is how long an entry may sit without activity before
	// the reaper evicts it. Default 5m.
	ConnectionTimeout time.Duration
	// ReapInterval is how often the reaper sweeps. Default 30s.
	ReapInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxManagersPerUser <= 0 {
		c.MaxManagersPerUser = 20
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	return c
}

// Stats is a snapshot of factory observability counters. ManagersActive is a
// gauge; the rest only ever increase.
type Stats struct {
	ManagersActive    int   `json:"managers_active"`
	ManagersCreated   int64 `json:"managers_created"`
	ResourceLimitHits int64 `json:"resource_limit_hits"`
	EmergencyReclaims int64 `json:"emergency_reclaims"`
	ReaperEvictions   int64 `json:"reaper_evictions"`
	FallbackCleanups  int64 `json:"fallback_cleanups"`
	CleanupMisses     int64 `json:"cleanup_misses"`
}

// genericTokens are excluded from fallback cleanup matching. Sharing one of
// these with a foreign identifier proves nothing about ownership, so they
// must never drive an eviction. Kept in one place so the security bound
// stays auditable.
var genericTokens = map[string]bool{
	"user":      true,
	"thread":    true,
	"websocket": true,
	"conn":      true,
	"ws":        true,
	"http":      true,
	"session":   true,
	"client":    true,
	"run":       true,
	"req":       true,
}

// minTokenLen is the shortest token fallback cleanup will treat as
// significant. Inherited from production identifier corpora; see the
// design notes before tightening or loosening it.
const minTokenLen = 4

// Factory owns every live Manager, keyed by isolation key, with a secondary
// index per user. All bookkeeping sits under one coarse mutex; connection
// I/O (closing evicted sockets) always happens after the mutex is released.
type Factory struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	entries map[string]*Manager
	byUser  map[string]map[string]struct{}

	managersCreated   int64
	resourceLimitHits int64
	emergencyReclaims int64
	reaperEvictions   int64
	fallbackCleanups  int64
	cleanupMisses     int64

	done chan struct{}
}

// NewFactory creates a factory and starts its background reaper immediately.
// Starting the reaper here rather than on first traffic matters: a factory
// instantiated during a cold-start connection burst must already be reaping,
// or every entry from the burst can leak.
func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "wsconn"),
		entries: make(map[string]*Manager),
		byUser:  make(map[string]map[string]struct{}),
		done:    make(chan struct{}),
	}
	go f.reap()
	return f
}

// DeriveKey maps a context to its isolation key. The key is a function of
// (userID, threadID) only: run and request identifiers change every turn,
// and folding them in would give every reconnect a new key and defeat
// conversation-scoped reuse. The user segment is length-prefixed so a user
// ID containing underscores can never collide with another user's key.
func DeriveKey(userID, threadID string) string {
	return fmt.Sprintf("ws_%d_%s_%s", len(userID), userID, threadID)
}

// isNativeKey reports whether a lookup key has the shape DeriveKey produces.
// A native key names exactly one registration, so cleanup treats a miss as a
// miss: running it through the token fallback would let a stale key match the
// same user's other live conversations.
func isNativeKey(key string) bool {
	return strings.HasPrefix(key, "ws_")
}

// CreateManager registers a manager for the context's conversation.
//
// If the user is at quota, the factory first reclaims that user's
// least-recently-active entries; only if the user is still at quota does
// creation fail with *ResourceExhaustedError. A live manager already holding
// the isolation key fails with ErrAlreadyRegistered rather than being
// overwritten.
func (f *Factory) CreateManager(xc *execctx.Context, conn Conn) (*Manager, error) {
	key := DeriveKey(xc.UserID, xc.ThreadID)

	managerID := xc.WebsocketClientID
	if managerID == "" {
		managerID = uuid.New().String()
	}

	var evicted []*Manager
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFactoryClosed
	}

	if existing, ok := f.entries[key]; ok {
		if existing.IsActive() {
			f.mu.Unlock()
			return nil, ErrAlreadyRegistered
		}
		// Stale registration (closed manager still in the map, e.g. a racing
		// cleanup has not landed yet): evict and continue.
		f.removeLocked(key)
		evicted = append(evicted, existing)
	}

	if len(f.byUser[xc.UserID]) >= f.cfg.MaxManagersPerUser {
		f.resourceLimitHits++
		reclaimed := f.emergencyReclaimLocked(xc.UserID)
		evicted = append(evicted, reclaimed...)

		if len(f.byUser[xc.UserID]) >= f.cfg.MaxManagersPerUser {
			f.mu.Unlock()
			f.closeAll(evicted)
			return nil, &ResourceExhaustedError{UserID: xc.UserID, Limit: f.cfg.MaxManagersPerUser}
		}
	}

	m := newManager(managerID, key, xc.UserID, conn, f.logger)
	m.Touch()
	f.entries[key] = m
	if f.byUser[xc.UserID] == nil {
		f.byUser[xc.UserID] = make(map[string]struct{})
	}
	f.byUser[xc.UserID][key] = struct{}{}
	f.managersCreated++
	active := len(f.entries)
	f.mu.Unlock()

	f.closeAll(evicted)

	f.logger.Info("manager created",
		"manager_id", m.ID,
		"isolation_key", key,
		"user_id", xc.UserID,
		"managers_active", active,
	)
	return m, nil
}

// CleanupManager removes the entry for an isolation key. Exact removal is
// tried first; only a foreign key (minted by another subsystem or an older
// version) gets the bounded token match against registered keys. A native
// key that misses has already been removed and must not match siblings.
// Returns whether anything was removed. Cleanup is advisory: it
// never returns an error, and callers proceed with connection teardown
// regardless of the outcome.
func (f *Factory) CleanupManager(isolationKey string) bool {
	var evicted []*Manager

	f.mu.Lock()
	if m, ok := f.entries[isolationKey]; ok {
		f.removeLocked(isolationKey)
		evicted = append(evicted, m)
		f.mu.Unlock()
		f.closeAll(evicted)

		f.logger.Debug("manager cleaned up",
			"isolation_key", isolationKey,
			"user_id", evicted[0].OwnerUserID,
		)
		return true
	}

	// The fallback exists for foreign identifiers only. A native key either
	// hits exactly or is gone.
	if isNativeKey(isolationKey) {
		f.cleanupMisses++
		f.mu.Unlock()

		f.logger.Debug("cleanup miss", "isolation_key", isolationKey)
		return false
	}

	matches := f.fallbackMatchesLocked(isolationKey)
	if len(matches) == 0 {
		f.cleanupMisses++
		f.mu.Unlock()

		f.logger.Debug("cleanup miss", "isolation_key", isolationKey)
		return false
	}

	for _, m := range matches {
		f.removeLocked(m.IsolationKey)
	}
	f.fallbackCleanups++
	evicted = matches
	f.mu.Unlock()

	f.closeAll(evicted)
	f.logger.Info("fallback cleanup matched",
		"isolation_key", isolationKey,
		"removed", len(evicted),
		"user_id", evicted[0].OwnerUserID,
	)
	return true
}

// ReleaseManager removes m's registration only if m still holds it. A
// replacement registered under the same isolation key is left untouched, so a
// superseded connection's teardown can never evict its successor. Returns
// whether the registration was removed.
func (f *Factory) ReleaseManager(m *Manager) bool {
	f.mu.Lock()
	current, ok := f.entries[m.IsolationKey]
	if !ok || current != m {
		f.mu.Unlock()
		return false
	}
	f.removeLocked(m.IsolationKey)
	f.mu.Unlock()

	m.Close()
	f.logger.Debug("manager released",
		"isolation_key", m.IsolationKey,
		"user_id", m.OwnerUserID,
	)
	return true
}

// ForceCleanupUser unconditionally evicts every entry owned by the user and
// returns how many were removed. Used by emergency reclaim escalation and
// explicit session termination.
func (f *Factory) ForceCleanupUser(userID string) int {
	f.mu.Lock()
	var evicted []*Manager
	for key := range f.byUser[userID] {
		if m, ok := f.entries[key]; ok {
			evicted = append(evicted, m)
		}
		f.removeLocked(key)
	}
	f.mu.Unlock()

	f.closeAll(evicted)
	if len(evicted) > 0 {
		f.logger.Info("force-cleaned user managers",
			"user_id", userID,
			"removed", len(evicted),
		)
	}
	return len(evicted)
}

// Stats returns a snapshot of the factory counters.
func (f *Factory) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return Stats{
		ManagersActive:    len(f.entries),
		ManagersCreated:   f.managersCreated,
		ResourceLimitHits: f.resourceLimitHits,
		EmergencyReclaims: f.emergencyReclaims,
		ReaperEvictions:   f.reaperEvictions,
		FallbackCleanups:  f.fallbackCleanups,
		CleanupMisses:     f.cleanupMisses,
	}
}

// Shutdown stops the reaper, force-cleans every entry, and leaves the
// factory permanently unusable. Safe to call multiple times.
func (f *Factory) Shutdown() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.done)

	var evicted []*Manager
	for key, m := range f.entries {
		evicted = append(evicted, m)
		f.removeLocked(key)
	}
	f.mu.Unlock()

	f.closeAll(evicted)
	f.logger.Info("factory shut down", "evicted", len(evicted))
}

// emergencyReclaimLocked evicts the user's entries in ascending last-activity
// order until the user is strictly below quota. Must be called with mu held;
// returns the managers to close once the mutex is released.
func (f *Factory) emergencyReclaimLocked(userID string) []*Manager {
	f.emergencyReclaims++

	keys := f.byUser[userID]
	candidates := make([]*Manager, 0, len(keys))
	for key := range keys {
		// An index key without a backing entry cannot be reclaimed; leave it
		// for the over-quota check below rather than dereferencing nil.
		if m, ok := f.entries[key]; ok {
			candidates = append(candidates, m)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActivity().Before(candidates[j].LastActivity())
	})

	var evicted []*Manager
	for _, m := range candidates {
		if len(f.byUser[userID]) < f.cfg.MaxManagersPerUser {
			break
		}
		f.removeLocked(m.IsolationKey)
		evicted = append(evicted, m)
	}

	f.logger.Warn("emergency reclaim",
		"user_id", userID,
		"evicted", len(evicted),
		"limit", f.cfg.MaxManagersPerUser,
	)
	return evicted
}

// fallbackMatchesLocked finds entries whose keys share a significant token
// with a foreign lookup key. A token is significant when it is alphanumeric,
// at least minTokenLen long, and not a generic word. If the candidates span
// more than one user the match is ambiguous and nothing is returned:
// resilience against foreign identifiers must never become a cross-user
// eviction (or correlation) vector. Must be called with mu held.
func (f *Factory) fallbackMatchesLocked(lookupKey string) []*Manager {
	lookup := significantTokens(lookupKey)
	if len(lookup) == 0 {
		return nil
	}

	var matches []*Manager
	owner := ""
	for _, m := range f.entries {
		// A match must come from the thread portion of the key. The owner's
		// user ID appears in every one of their keys, so matching on it would
		// turn one foreign identifier into an eviction of all that user's
		// conversations.
		entryTokens := significantTokens(m.IsolationKey)
		for tok := range significantTokens(m.OwnerUserID) {
			delete(entryTokens, tok)
		}
		if !sharesToken(lookup, entryTokens) {
			continue
		}
		if owner == "" {
			owner = m.OwnerUserID
		} else if m.OwnerUserID != owner {
			f.logger.Warn("fallback cleanup refused: candidates span users",
				"isolation_key", lookupKey)
			return nil
		}
		matches = append(matches, m)
	}
	return matches
}

// removeLocked drops an entry from both indexes. Must be called with mu held.
func (f *Factory) removeLocked(key string) {
	m, ok := f.entries[key]
	if !ok {
		return
	}
	delete(f.entries, key)

	userKeys := f.byUser[m.OwnerUserID]
	delete(userKeys, key)
	if len(userKeys) == 0 {
		delete(f.byUser, m.OwnerUserID)
	}
}

// closeAll closes managers outside the factory mutex.
func (f *Factory) closeAll(managers []*Manager) {
	for _, m := range managers {
		m.Close()
	}
}

// reap runs until Shutdown, evicting entries idle past the connection
// timeout and demoting half-idle ones to IDLE.
func (f *Factory) reap() {
	ticker := time.NewTicker(f.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.sweep()
		case <-f.done:
			return
		}
	}
}

// sweep performs one reaper pass.
func (f *Factory) sweep() {
	now := time.Now()
	idleThreshold := f.cfg.ConnectionTimeout / 2

	f.mu.Lock()
	var evicted []*Manager
	var toIdle []*Manager
	for key, m := range f.entries {
		idle := now.Sub(m.LastActivity())
		switch {
		case idle > f.cfg.ConnectionTimeout:
			f.removeLocked(key)
			evicted = append(evicted, m)
		case idle > idleThreshold:
			toIdle = append(toIdle, m)
		}
	}
	f.reaperEvictions += int64(len(evicted))
	f.mu.Unlock()

	for _, m := range toIdle {
		m.markIdle()
	}
	f.closeAll(evicted)

	if len(evicted) > 0 {
		f.logger.Info("reaper evicted idle managers",
			"evicted", len(evicted),
			"timeout", f.cfg.ConnectionTimeout,
		)
	}
}

// significantTokens extracts the alphanumeric tokens of a key that are long
// enough and specific enough to indicate ownership.
func significantTokens(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return !isAlphanumeric(r)
	}) {
		tok = strings.ToLower(tok)
		if len(tok) < minTokenLen || genericTokens[tok] {
			continue
		}
		tokens[tok] = true
	}
	return tokens
}

// sharesToken reports whether the two token sets intersect.
func sharesToken(a map[string]bool, b map[string]bool) bool {
	for tok := range b {
		if a[tok] {
			return true
		}
	}
	return false
}

func isAlphanumeric(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
	case r >= 'A' && r <= 'Z':
	case r >= '0' && r <= '9':
	default:
		return false
	}
	return true
}
