// Package auth guards the operator API with bearer tokens. Mutating rollout
// operations require the operator role; read-only endpoints accept any valid
// token. With no secret configured the middleware is a pass-through, so local
// development and tests need no token plumbing.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator is required for rollout mutations (create, expand, rollback).
const RoleOperator = "operator"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("missing required role")
)

// Claims carried by operator tokens.
type Claims struct {
	Subject string   `json:"sub_name,omitempty"`
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries the role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// FromContext returns the authenticated claims, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

// Middleware validates HS256 bearer tokens.
type Middleware struct {
	secret []byte
	issuer string
}

// NewMiddleware builds the middleware. An empty secret disables auth.
func NewMiddleware(secret []byte, issuer string) *Middleware {
	return &Middleware{secret: secret, issuer: issuer}
}

// Enabled reports whether a secret is configured.
func (m *Middleware) Enabled() bool { return len(m.secret) > 0 }

// Require wraps a handler, rejecting requests without a valid token carrying
// every listed role.
func (m *Middleware) Require(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := m.authenticate(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "valid bearer token required")
				return
			}
			for _, role := range roles {
				if !claims.HasRole(role) {
					writeAuthError(w, http.StatusForbidden, "role "+role+" required")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
		})
	}
}

func (m *Middleware) authenticate(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, ErrInvalidToken
	}
	return m.Validate(strings.TrimPrefix(header, "Bearer "))
}

// Validate parses and verifies a raw token string.
func (m *Middleware) Validate(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issue mints a token, used by tests and the bootstrap CLI path.
func (m *Middleware) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		Roles:   roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
