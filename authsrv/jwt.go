package authsrv

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the payload of every token this server issues: the wrapped
// inner token plus the client it was issued to.
type TokenClaims struct {
	Token     string   `json:"token"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt int64    `json:"expires_at"`
	jwt.RegisteredClaims
}

// signClaims signs claims with HS256.
func signClaims(secretKey string, claims *TokenClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.ExpiresAt = now.Add(ttl).Unix()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secretKey))
}

// decodeClaims verifies a signed token. Any decode or validation error
// returns nil; callers treat that as "no credentials", not a fault.
func decodeClaims(secretKey, signed string) *TokenClaims {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return []byte(secretKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil
	}
	return claims
}
