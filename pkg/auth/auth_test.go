package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	m := NewMiddleware(nil, "ramp")
	assert.False(t, m.Enabled())

	h := m.Require(RoleOperator)(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rollouts", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIssueAndValidate(t *testing.T) {
	m := NewMiddleware([]byte("test-secret"), "ramp")
	token, err := m.Issue("alice", []string{RoleOperator}, time.Minute)
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.RegisteredClaims.Subject)
	assert.True(t, claims.HasRole(RoleOperator))
}

func TestRequireRejectsMissingToken(t *testing.T) {
	m := NewMiddleware([]byte("test-secret"), "ramp")
	h := m.Require(RoleOperator)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rollouts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRejectsWrongSecret(t *testing.T) {
	issuer := NewMiddleware([]byte("other-secret"), "ramp")
	token, err := issuer.Issue("alice", []string{RoleOperator}, time.Minute)
	require.NoError(t, err)

	m := NewMiddleware([]byte("test-secret"), "ramp")
	h := m.Require(RoleOperator)(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/rollouts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireEnforcesRole(t *testing.T) {
	m := NewMiddleware([]byte("test-secret"), "ramp")
	token, err := m.Issue("bob", []string{"viewer"}, time.Minute)
	require.NoError(t, err)

	h := m.Require(RoleOperator)(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/rollouts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Read-only endpoints accept any valid token.
	readOnly := m.Require()(okHandler())
	req = httptest.NewRequest(http.MethodGet, "/rollouts/NightMode/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	readOnly.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExpiredTokenRejected(t *testing.T) {
	m := NewMiddleware([]byte("test-secret"), "ramp")
	token, err := m.Issue("alice", []string{RoleOperator}, -time.Minute)
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.Error(t, err)
}

func TestIssuerMismatchRejected(t *testing.T) {
	other := NewMiddleware([]byte("test-secret"), "someone-else")
	token, err := other.Issue("alice", []string{RoleOperator}, time.Minute)
	require.NoError(t, err)

	m := NewMiddleware([]byte("test-secret"), "ramp")
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaimsInContext(t *testing.T) {
	m := NewMiddleware([]byte("test-secret"), "ramp")
	token, err := m.Issue("alice", []string{RoleOperator}, time.Minute)
	require.NoError(t, err)

	var got *Claims
	h := m.Require(RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/rollouts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, "alice", got.RegisteredClaims.Subject)
}
