// Package gateway is the HTTP surface of strand-gateway.
//
// # Routes
//
//   - GET /ws        authenticated WebSocket upgrade for execution clients
//   - GET /healthz   liveness probe
//   - GET /api/stats connection factory counters
//
// # Connection flow
//
// An upgrade request carries a JWT (Authorization header or token query
// parameter) and an optional "thread" query parameter naming the logical
// conversation. The gateway resolves the conversation's execution context
// through the session registry, verifies isolation, registers a connection
// manager with the factory, and runs the read loop. Each inbound frame
// derives a child context whose request identifier is returned in the ack,
// giving clients an end-to-end correlation handle.
//
// Quota exhaustion closes the socket with a policy-violation close frame so
// clients can distinguish "back off" from an internal failure.
package gateway
