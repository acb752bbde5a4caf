// Package wsconn manages the lifecycle of per-user WebSocket connections.
//
// # Manager
//
// A Manager wraps one client connection and tracks its lifecycle:
//
//	CREATED -> ACTIVE <-> IDLE -> CLOSING -> CLOSED
//
// Every inbound or outbound message updates the last-activity clock. Close
// is idempotent and never fails twice differently: repeated calls return
// the first call's outcome.
//
// # Factory
//
// The Factory owns the pool of managers, keyed by an isolation key derived
// from (userID, threadID) so one conversation always resolves to the same
// key and unrelated conversations never collide. It enforces a per-user
// quota, reclaiming a user's least-recently-active connections when they hit
// it, and runs a background reaper from the moment it is constructed.
//
// Cleanup is deliberately forgiving: identifiers minted by other subsystems
// may not match a registered key exactly, so a bounded token match is
// attempted before giving up. The match only ever evicts entries belonging
// to a single user; anything ambiguous is refused and recorded as a miss.
package wsconn
