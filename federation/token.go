package federation

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenClaims are the id token claims the exchange relies on. The signature
// is not verified here; the identity pool verifies it on exchange.
type TokenClaims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}

type idTokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ParseIDToken decodes an id token without verifying its signature.
func ParseIDToken(idToken string) (TokenClaims, error) {
	if idToken == "" {
		return TokenClaims{}, errors.New("empty id token")
	}
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("decode id token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return TokenClaims{}, errors.New("id token has no exp claim")
	}
	return TokenClaims{
		Subject:   claims.Subject,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// TokenExpired reports whether idToken is missing, undecodable or expired at
// now.
func TokenExpired(idToken string, now time.Time) bool {
	claims, err := ParseIDToken(idToken)
	if err != nil {
		return true
	}
	return !now.Before(claims.ExpiresAt)
}
