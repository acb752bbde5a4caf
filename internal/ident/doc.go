// Package ident mints and parses the correlated identifiers used to tie
// execution state together across service boundaries.
//
// # Wire format
//
// Every identifier has the shape:
//
//	<prefix>_<timestampMs>_<sequence>_<random8hex>
//
// The prefix names what the identifier refers to (thread_login, run_login,
// req_login); the remaining three fields are the draw. A correlated set is
// produced from a single draw, so its thread/run/request identifiers share
// identical timestamp, sequence, and random fields.
//
// # Foreign identifiers
//
// Identifiers arrive from other subsystems and other versions of this
// system. Parse and IsValid are therefore total: a string that does not
// match the wire format parses to nil and validates to false, and the
// caller decides what to do with the foreign identifier.
//
// # Concurrency
//
// The sequence counter is a single process-wide atomic value. Global
// monotonicity is load-bearing: audit correlation downstream orders events
// by sequence, so the counter must never be sharded per worker.
package ident
