// ABOUTME: Token extraction for WebSocket upgrade requests
// ABOUTME: Accepts Authorization bearer headers and a token query parameter fallback

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenFromRequest pulls the auth token from an upgrade request. Browser
// WebSocket clients cannot set headers, so a "token" query parameter is
// accepted when no Authorization header is present.
func TokenFromRequest(r *http.Request) (string, string) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		return extractBearerToken(authHeader)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing credentials"
}

// Authenticate verifies the request's token and returns the caller's
// Identity. The errMsg return is user-safe and suitable for an HTTP 401 body.
func Authenticate(r *http.Request, verifier TokenVerifier) (*Identity, string) {
	token, errMsg := TokenFromRequest(r)
	if errMsg != "" {
		return nil, errMsg
	}

	id, err := verifier.Verify(token)
	if err != nil {
		return nil, "invalid or expired token"
	}

	return id, ""
}
