// Package auth verifies caller identity for WebSocket upgrade requests.
//
// Tokens are HS256-signed JWTs carrying the user ID in the "sub" claim.
// Verified identity travels through request contexts via WithIdentity and
// FromContext. The connection factory and identifier generator never see
// tokens; they receive only the authenticated user ID.
package auth
