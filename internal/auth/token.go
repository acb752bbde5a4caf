// ABOUTME: HS256 session token verification and minting for upgrade requests
// ABOUTME: Tokens carry the user ID as the subject; Verify yields an Identity

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// sessionClaims is the claim set minted and accepted by this gateway. The
// subject carries the user ID; everything else is standard registered claims.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// TokenVerifier turns a presented credential into an authenticated Identity.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier verifies and mints HS256 session tokens with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify checks the signature and validity window, then builds an Identity
// from the subject claim. A token with no subject authenticates nobody and is
// rejected as invalid.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return &Identity{UserID: claims.Subject}, nil
}

// Generate mints a session token for the user, valid from now for expiresIn.
func (v *JWTVerifier) Generate(userID string, expiresIn time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
