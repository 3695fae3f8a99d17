// Package api serves the admin and health HTTP endpoints: read-only views
// of sessions, streams and approvals, plus an operator override for pending
// approvals. Everything under /api requires a bearer credential.
package api

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// apiKeyPrefix marks relaycode admin keys so they cannot be confused with
// Slack tokens in config files or logs.
const apiKeyPrefix = "rlc-"

// Claims are the admin token claims. Name is the operator-chosen label
// passed to `relaycode token generate`.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates admin API keys: an HS256 JWT, base64
// wrapped, behind the rlc- prefix.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager builds a manager. ttl bounds the lifetime of issued keys;
// zero means one hour.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl}
}

// Issue creates a new API key labeled name.
func (m *TokenManager) Issue(name string) (string, error) {
	if len(m.secret) == 0 {
		return "", fmt.Errorf("jwt secret is not configured")
	}
	now := time.Now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	encoded := strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(signed)), "=")
	return apiKeyPrefix + encoded, nil
}

// Validate checks an API key and returns its claims. A leading "Bearer "
// is tolerated.
func (m *TokenManager) Validate(key string) (*Claims, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "Bearer ")
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return nil, fmt.Errorf("api key must start with %q", apiKeyPrefix)
	}
	encoded := key[len(apiKeyPrefix):]
	if pad := len(encoded) % 4; pad != 0 {
		encoded += strings.Repeat("=", 4-pad)
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode api key: %w", err)
	}

	token, err := jwt.ParseWithClaims(string(raw), &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
