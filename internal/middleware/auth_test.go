package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator([]byte("test-signing-secret"), zap.NewNop())
}

// echoCaller responds with the caller the middleware attached to the context.
func echoCaller(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		require.True(t, ok)
		_ = json.NewEncoder(w).Encode(caller)
	})
}

func TestAuthenticate_ValidToken(t *testing.T) {
	auth := newTestAuthenticator()
	caller := model.CallerContext{TenantID: "t1", CallerID: "u1", Role: model.RoleOwner}

	token, err := auth.GenerateToken(caller, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	auth.Authenticate(echoCaller(t)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.CallerContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, caller, got)
}

func TestAuthenticate_MissingToken(t *testing.T) {
	auth := newTestAuthenticator()

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t1", nil)
	rec := httptest.NewRecorder()

	auth.Authenticate(echoCaller(t)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.ErrorCodeUnauthorized, resp.ErrorCode)
}

func TestAuthenticate_GarbageToken(t *testing.T) {
	auth := newTestAuthenticator()

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t1", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()

	auth.Authenticate(echoCaller(t)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	auth := newTestAuthenticator()
	caller := model.CallerContext{TenantID: "t1", CallerID: "u1", Role: model.RoleMember}

	token, err := auth.GenerateToken(caller, -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	auth.Authenticate(echoCaller(t)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	other := NewAuthenticator([]byte("different-secret"), zap.NewNop())
	token, err := other.GenerateToken(model.CallerContext{TenantID: "t1", CallerID: "u1", Role: model.RoleMember}, time.Hour)
	require.NoError(t, err)

	auth := newTestAuthenticator()
	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	auth.Authenticate(echoCaller(t)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_UnknownRole(t *testing.T) {
	auth := newTestAuthenticator()
	token, err := auth.GenerateToken(model.CallerContext{TenantID: "t1", CallerID: "u1", Role: "superadmin"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	auth.Authenticate(echoCaller(t)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
