// ABOUTME: Mints unique, parseable identifiers and correlated identifier sets.
// ABOUTME: One timestamp/sequence/random draw is shared across a correlated set.

package ident

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Identifier prefixes for the correlated set. The operation name is appended
// to each prefix, so a "login" operation yields thread_login_..., run_login_...
// and req_login_... identifiers.
const (
	PrefixThread  = "thread"
	PrefixRun     = "run"
	PrefixRequest = "req"
)

// CorrelatedSet holds the three identifiers minted for one logical operation.
// All three share identical timestamp, sequence, and random fields; only the
// prefix differs. Two identifiers belong to the same logical operation iff
// their non-prefix fields match exactly.
type CorrelatedSet struct {
	ThreadID  string
	RunID     string
	RequestID string
}

// Generator mints identifiers of the form
//
//	<prefix>_<timestampMs>_<sequence>_<random8hex>
//
// The sequence comes from a single process-wide atomic counter. Downstream
// audit and correlation logic depends on global monotonicity, so the counter
// is never sharded per worker or per goroutine.
type Generator struct {
	seq    atomic.Uint64
	logger *slog.Logger
}

// NewGenerator creates a Generator. Pass nil logger for default.
func NewGenerator(logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		logger: logger.With("component", "ident"),
	}
}

// Generate mints a single identifier with the given prefix. It is total:
// there is no error path, and it is safe to call from any number of
// goroutines concurrently.
func (g *Generator) Generate(prefix string) string {
	ts, seq, random := g.draw()
	return assemble(prefix, ts, seq, random)
}

// GenerateCorrelatedSet mints the thread/run/request identifiers for one
// logical operation using a single draw. Calling Generate three times
// independently would produce three different sequence/random values and
// break cross-service correlation, so the draw happens exactly once here
// and only the prefix varies across the three outputs.
func (g *Generator) GenerateCorrelatedSet(userID, operation string) CorrelatedSet {
	ts, seq, random := g.draw()

	set := CorrelatedSet{
		ThreadID:  assemble(joinPrefix(PrefixThread, operation), ts, seq, random),
		RunID:     assemble(joinPrefix(PrefixRun, operation), ts, seq, random),
		RequestID: assemble(joinPrefix(PrefixRequest, operation), ts, seq, random),
	}

	g.logger.Debug("correlated set minted",
		"user_id", userID,
		"operation", operation,
		"sequence", seq,
		"thread_id", set.ThreadID,
	)
	return set
}

// ResetSequenceForTesting sets the sequence counter to a fixed value so tests
// can assert on deterministic identifiers. Production code must never call
// this: resetting the counter breaks the global monotonicity that audit
// correlation depends on.
func (g *Generator) ResetSequenceForTesting(n uint64) {
	g.seq.Store(n)
}

// draw produces one timestamp/sequence/random triple.
func (g *Generator) draw() (ts int64, seq uint64, random string) {
	ts = time.Now().UnixMilli()
	seq = g.seq.Add(1)
	random = randomHex8()
	return ts, seq, random
}

// assemble formats the four identifier fields into the wire format.
func assemble(prefix string, ts int64, seq uint64, random string) string {
	return fmt.Sprintf("%s_%d_%d_%s", prefix, ts, seq, random)
}

// joinPrefix appends the operation name to a base prefix when present.
func joinPrefix(base, operation string) string {
	if operation == "" {
		return base
	}
	return base + "_" + operation
}

// randomHex8 returns 8 hex characters from a cryptographically strong source.
// Generation must be total, so if the system RNG is unreadable the bits fall
// back to the wall clock rather than propagating an error.
func randomHex8() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		binary.BigEndian.PutUint32(b[:], uint32(time.Now().UnixNano()))
	}
	return hex.EncodeToString(b[:])
}
