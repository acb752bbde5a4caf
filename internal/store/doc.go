// Package store persists WebSocket sessions, the audit trail, and context
// lineage edges. Two implementations exist: SQLiteStore for durable
// deployments and MemoryStore for tests and ephemeral runs.
package store
