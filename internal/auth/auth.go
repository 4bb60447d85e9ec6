// Package auth provides bearer-token authentication for the kansoku dashboard.
//
// Tokens are HS256 JWTs signed with a shared secret. The dashboard is
// read-only, so claims carry a viewer name and nothing else.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer   = "kansoku"
	audience = "kansoku-dashboard"

	// minSecretLen is the shortest accepted HMAC secret.
	minSecretLen = 16
)

// ErrSecretTooShort is returned by NewJWTManager for weak secrets.
var ErrSecretTooShort = errors.New("auth: secret must be at least 16 bytes")

// Claims extends jwt.RegisteredClaims with the dashboard viewer.
type Claims struct {
	jwt.RegisteredClaims
	Viewer string `json:"viewer"`
}

// JWTManager issues and validates dashboard tokens.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager creates a JWTManager for the given shared secret.
func NewJWTManager(secret string, expiration time.Duration) (*JWTManager, error) {
	if len(secret) < minSecretLen {
		return nil, ErrSecretTooShort
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &JWTManager{secret: []byte(secret), expiration: expiration, now: time.Now}, nil
}

// IssueToken creates a signed token for viewer.
func (m *JWTManager) IssueToken(viewer string) (string, time.Time, error) {
	if viewer == "" {
		return "", time.Time{}, fmt.Errorf("auth: viewer is required")
	}
	now := m.now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   viewer,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Viewer: viewer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a token, returning its claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Viewer == "" || claims.Viewer != claims.Subject {
		return nil, fmt.Errorf("auth: viewer does not match subject")
	}
	return claims, nil
}
