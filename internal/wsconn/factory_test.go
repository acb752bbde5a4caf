// ABOUTME: Tests for the manager factory: quotas, reclaim, cleanup, reaper, shutdown.
// ABOUTME: Covers fallback token matching bounds and create/cleanup race handling.

package wsconn

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/strand-gateway/internal/execctx"
	"github.com/2389/strand-gateway/internal/ident"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestFactory returns a factory with a slow reaper so sweeps never
// interfere with a test unless the test wants them.
func newTestFactory(t *testing.T, cfg Config) *Factory {
	t.Helper()
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Hour
	}
	f := NewFactory(cfg, testLogger())
	t.Cleanup(f.Shutdown)
	return f
}

func newTestContext(t *testing.T, userID, threadName string) *execctx.Context {
	t.Helper()
	gen := ident.NewGenerator(testLogger())
	return execctx.FromRequest(gen, userID, threadName)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, 20, cfg.MaxManagersPerUser)
	assert.Equal(t, 5*time.Minute, cfg.ConnectionTimeout)
	assert.Equal(t, 30*time.Second, cfg.ReapInterval)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	assert.Equal(t, DeriveKey("alice", "t1"), DeriveKey("alice", "t1"))
	assert.NotEqual(t, DeriveKey("alice", "t1"), DeriveKey("alice", "t2"))

	// Different users never share a key, even for an identical thread string
	assert.NotEqual(t, DeriveKey("alice", "t1"), DeriveKey("bob", "t1"))
}

func TestDeriveKey_UnderscoreUserIDsDoNotCollide(t *testing.T) {
	// Without the length prefix these would both concatenate to the same key
	assert.NotEqual(t, DeriveKey("a_b", "c"), DeriveKey("a", "b_c"))
	assert.NotEqual(t, DeriveKey("alice_t1", "t2"), DeriveKey("alice", "t1_t2"))
}

func TestFactory_CreateManager(t *testing.T) {
	f := newTestFactory(t, Config{})
	xc := newTestContext(t, "alice", "support")

	m, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)

	assert.Equal(t, DeriveKey("alice", xc.ThreadID), m.IsolationKey)
	assert.Equal(t, "alice", m.OwnerUserID)
	assert.True(t, m.IsActive())

	stats := f.Stats()
	assert.Equal(t, 1, stats.ManagersActive)
	assert.Equal(t, int64(1), stats.ManagersCreated)
}

func TestFactory_CreateManager_UsesWebsocketClientID(t *testing.T) {
	f := newTestFactory(t, Config{})
	gen := ident.NewGenerator(testLogger())
	xc := execctx.FromRequest(gen, "alice", "support",
		execctx.WithWebsocketClientID("client-77"))

	m, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)
	assert.Equal(t, "client-77", m.ID)
}

func TestFactory_CreateManager_DuplicateKeyRejected(t *testing.T) {
	f := newTestFactory(t, Config{})
	xc := newTestContext(t, "alice", "support")

	first, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)

	// Same conversation while the first manager is live: never overwrite
	_, err = f.CreateManager(xc, newFakeConn())
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.True(t, first.IsActive())
	assert.Equal(t, 1, f.Stats().ManagersActive)
}

func TestFactory_CreateManager_ReplacesStaleEntry(t *testing.T) {
	f := newTestFactory(t, Config{})
	xc := newTestContext(t, "alice", "support")

	first, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)

	// Close the manager directly, simulating a cleanup that has not landed
	// in the factory maps yet
	require.NoError(t, first.Close())

	second, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, f.Stats().ManagersActive)
}

func TestFactory_Quota_EmergencyReclaim(t *testing.T) {
	f := newTestFactory(t, Config{MaxManagersPerUser: 2})

	first, err := f.CreateManager(newTestContext(t, "alice", "one"), newFakeConn())
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := f.CreateManager(newTestContext(t, "alice", "two"), newFakeConn())
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	// Third conversation without intervening activity: the least-recently-
	// active of the first two is reclaimed
	third, err := f.CreateManager(newTestContext(t, "alice", "three"), newFakeConn())
	require.NoError(t, err)

	assert.False(t, first.IsActive(), "oldest manager reclaimed")
	assert.True(t, second.IsActive())
	assert.True(t, third.IsActive())

	stats := f.Stats()
	assert.Equal(t, 2, stats.ManagersActive, "exactly the quota remains")
	assert.Equal(t, int64(1), stats.ResourceLimitHits)
	assert.Equal(t, int64(1), stats.EmergencyReclaims, "exactly one reclaim attempt")
}

func TestFactory_Quota_ReclaimSparesRecentlyActive(t *testing.T) {
	f := newTestFactory(t, Config{MaxManagersPerUser: 2})

	first, err := f.CreateManager(newTestContext(t, "alice", "one"), newFakeConn())
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := f.CreateManager(newTestContext(t, "alice", "two"), newFakeConn())
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	// Activity on the first makes the second the reclaim victim
	first.Touch()

	_, err = f.CreateManager(newTestContext(t, "alice", "three"), newFakeConn())
	require.NoError(t, err)

	assert.True(t, first.IsActive())
	assert.False(t, second.IsActive())
}

func TestFactory_Quota_OtherUsersUnaffected(t *testing.T) {
	f := newTestFactory(t, Config{MaxManagersPerUser: 1})

	bob, err := f.CreateManager(newTestContext(t, "bob", "one"), newFakeConn())
	require.NoError(t, err)

	_, err = f.CreateManager(newTestContext(t, "alice", "one"), newFakeConn())
	require.NoError(t, err)
	_, err = f.CreateManager(newTestContext(t, "alice", "two"), newFakeConn())
	require.NoError(t, err)

	// Alice's reclaim never touches Bob's connection
	assert.True(t, bob.IsActive())
}

func TestFactory_Quota_ResourceExhausted(t *testing.T) {
	f := newTestFactory(t, Config{MaxManagersPerUser: 2})

	// Corrupt the per-user index with keys that have no backing entry.
	// Reclaim cannot shrink these, which exercises the still-over-quota
	// failure path.
	f.mu.Lock()
	f.byUser["alice"] = map[string]struct{}{
		"ws_alice_ghost1": {},
		"ws_alice_ghost2": {},
	}
	f.mu.Unlock()

	_, err := f.CreateManager(newTestContext(t, "alice", "one"), newFakeConn())
	require.Error(t, err)

	var exhausted *ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "alice", exhausted.UserID)
	assert.Equal(t, 2, exhausted.Limit)
	assert.Contains(t, exhausted.Error(), "exhausted websocket quota")
}

func TestFactory_CleanupManager_ExactThenMiss(t *testing.T) {
	f := newTestFactory(t, Config{})
	xc := newTestContext(t, "alice", "support")

	m, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)

	// First cleanup removes, second finds nothing; neither errors
	assert.True(t, f.CleanupManager(m.IsolationKey))
	assert.False(t, f.CleanupManager(m.IsolationKey))

	assert.False(t, m.IsActive())
	stats := f.Stats()
	assert.Equal(t, 0, stats.ManagersActive)
	assert.Equal(t, int64(1), stats.CleanupMisses)
}

func TestFactory_CleanupManager_RepeatedNativeKeySparesSiblings(t *testing.T) {
	f := newTestFactory(t, Config{})

	// Two live conversations for the same user. Their keys share the user-ID
	// token, so a fallback match on it would evict both.
	gone, err := f.CreateManager(newTestContext(t, "alice123", "alpha"), newFakeConn())
	require.NoError(t, err)
	kept, err := f.CreateManager(newTestContext(t, "alice123", "beta"), newFakeConn())
	require.NoError(t, err)

	require.True(t, f.CleanupManager(gone.IsolationKey))

	// The second cleanup with the same key is a plain miss; the sibling
	// conversation must survive it
	assert.False(t, f.CleanupManager(gone.IsolationKey))
	assert.True(t, kept.IsActive())
	assert.Equal(t, 1, f.Stats().ManagersActive)
	assert.Equal(t, int64(1), f.Stats().CleanupMisses)
}

func TestFactory_CleanupManager_ForeignUserTokenDoesNotMatch(t *testing.T) {
	f := newTestFactory(t, Config{})

	m, err := f.CreateManager(newTestContext(t, "alice123", "alpha"), newFakeConn())
	require.NoError(t, err)

	// A foreign identifier that only shares the user's own ID must not evict:
	// the user token appears in every one of their keys, so it identifies the
	// tenant, not a conversation
	assert.False(t, f.CleanupManager("orphan-handle-alice123"))
	assert.True(t, m.IsActive())
}

func TestFactory_CleanupManager_FallbackTokenMatch(t *testing.T) {
	f := newTestFactory(t, Config{})
	xc := newTestContext(t, "alice", "support")

	m, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)

	// A foreign identifier from another subsystem that still carries the
	// random suffix of the registered thread identifier
	random := ident.Parse(xc.ThreadID).Random
	foreignKey := "conn-handle-" + random

	assert.True(t, f.CleanupManager(foreignKey))
	assert.False(t, m.IsActive())

	stats := f.Stats()
	assert.Equal(t, int64(1), stats.FallbackCleanups)
	assert.Equal(t, 0, stats.ManagersActive)
}

func TestFactory_CleanupManager_GenericTokensNeverMatch(t *testing.T) {
	f := newTestFactory(t, Config{})
	xc := newTestContext(t, "alice", "support")

	m, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)

	// "websocket", "session", and short tokens are not evidence of ownership
	assert.False(t, f.CleanupManager("websocket_session_ws_ab"))
	assert.True(t, m.IsActive())
}

func TestFactory_CleanupManager_RefusesCrossUserAmbiguity(t *testing.T) {
	f := newTestFactory(t, Config{})

	// Both users share the logical operation name in their thread prefixes
	a, err := f.CreateManager(newTestContext(t, "alice", "standup"), newFakeConn())
	require.NoError(t, err)
	b, err := f.CreateManager(newTestContext(t, "bob", "standup"), newFakeConn())
	require.NoError(t, err)

	// "standup" matches entries of two different users: the fallback must
	// refuse rather than evict across an isolation boundary
	assert.False(t, f.CleanupManager("orphan_standup_handle"))
	assert.True(t, a.IsActive())
	assert.True(t, b.IsActive())
	assert.Equal(t, int64(1), f.Stats().CleanupMisses)
}

func TestFactory_ReleaseManager(t *testing.T) {
	f := newTestFactory(t, Config{})
	xc := newTestContext(t, "alice", "support")

	m, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)

	assert.True(t, f.ReleaseManager(m))
	assert.False(t, m.IsActive())
	assert.Equal(t, 0, f.Stats().ManagersActive)

	// A second release is a no-op
	assert.False(t, f.ReleaseManager(m))
}

func TestFactory_ReleaseManager_SparesSuccessor(t *testing.T) {
	f := newTestFactory(t, Config{})
	xc := newTestContext(t, "alice", "support")

	first, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)

	// Reconnect path: evict the first registration and replace it
	require.True(t, f.CleanupManager(first.IsolationKey))
	second, err := f.CreateManager(xc, newFakeConn())
	require.NoError(t, err)

	// The superseded connection's teardown must not take out its successor
	assert.False(t, f.ReleaseManager(first))
	assert.True(t, second.IsActive())
	assert.Equal(t, 1, f.Stats().ManagersActive)
}

func TestFactory_ForceCleanupUser(t *testing.T) {
	f := newTestFactory(t, Config{})

	for i := 0; i < 3; i++ {
		_, err := f.CreateManager(newTestContext(t, "alice", fmt.Sprintf("conv%d", i)), newFakeConn())
		require.NoError(t, err)
	}
	bob, err := f.CreateManager(newTestContext(t, "bob", "conv"), newFakeConn())
	require.NoError(t, err)

	assert.Equal(t, 3, f.ForceCleanupUser("alice"))
	assert.Equal(t, 0, f.ForceCleanupUser("alice"))
	assert.True(t, bob.IsActive())
	assert.Equal(t, 1, f.Stats().ManagersActive)
}

func TestFactory_Reaper_EvictsIdleEntries(t *testing.T) {
	f := NewFactory(Config{
		ConnectionTimeout: 100 * time.Millisecond,
		ReapInterval:      20 * time.Millisecond,
	}, testLogger())
	defer f.Shutdown()

	m, err := f.CreateManager(newTestContext(t, "alice", "support"), newFakeConn())
	require.NoError(t, err)

	// No activity for well past the timeout: the next sweep evicts it
	require.Eventually(t, func() bool {
		return f.Stats().ManagersActive == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, m.IsActive())
	assert.GreaterOrEqual(t, f.Stats().ReaperEvictions, int64(1))
}

func TestFactory_Reaper_SparesActiveEntries(t *testing.T) {
	f := NewFactory(Config{
		ConnectionTimeout: 150 * time.Millisecond,
		ReapInterval:      20 * time.Millisecond,
	}, testLogger())
	defer f.Shutdown()

	m, err := f.CreateManager(newTestContext(t, "alice", "support"), newFakeConn())
	require.NoError(t, err)

	// Keep touching for several sweep cycles
	for i := 0; i < 10; i++ {
		m.Touch()
		time.Sleep(20 * time.Millisecond)
	}

	assert.True(t, m.IsActive())
	assert.Equal(t, 1, f.Stats().ManagersActive)
}

func TestFactory_Shutdown(t *testing.T) {
	f := NewFactory(Config{ReapInterval: time.Hour}, testLogger())

	m, err := f.CreateManager(newTestContext(t, "alice", "support"), newFakeConn())
	require.NoError(t, err)

	f.Shutdown()
	assert.False(t, m.IsActive())
	assert.Equal(t, 0, f.Stats().ManagersActive)

	// Permanently unusable afterwards
	_, err = f.CreateManager(newTestContext(t, "alice", "support"), newFakeConn())
	assert.ErrorIs(t, err, ErrFactoryClosed)

	// Repeated shutdown is a no-op
	f.Shutdown()
}

func TestFactory_CreateCleanupRace(t *testing.T) {
	f := newTestFactory(t, Config{MaxManagersPerUser: 100})

	const rounds = 50
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		xc := newTestContext(t, "alice", fmt.Sprintf("conv%d", i))
		key := DeriveKey("alice", xc.ThreadID)

		wg.Add(2)
		go func() {
			defer wg.Done()
			f.CreateManager(xc, newFakeConn())
		}()
		go func() {
			defer wg.Done()
			f.CleanupManager(key)
		}()
	}
	wg.Wait()

	// Whatever interleaving happened, the maps stay consistent: every
	// registered entry is live and indexed exactly once
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, m := range f.entries {
		assert.Equal(t, key, m.IsolationKey)
		_, indexed := f.byUser[m.OwnerUserID][key]
		assert.True(t, indexed)
	}
	total := 0
	for _, keys := range f.byUser {
		total += len(keys)
	}
	assert.Equal(t, len(f.entries), total)
}
