// Package execctx carries identity and correlation identifiers through an
// agent execution.
//
// A Context is created once per inbound request (FromRequest) or fetched
// from the session Registry for conversation continuity (GetOrCreate), and
// derived into child contexts for sub-operations (CreateChild). Contexts are
// immutable after construction and safe to share across goroutines.
//
// The Registry deliberately exposes GetOrCreate and CreateNew as two
// separately named operations. A single function whose "always create"
// behavior hides behind a default argument is the classic source of
// conversation-fragmentation bugs, where every turn silently lands on a new
// thread identifier.
package execctx
