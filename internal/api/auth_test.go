package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestAuthenticateSkippedWhenNoSecretConfigured(t *testing.T) {
	v := newJWTVerifier("")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/markets", nil)
	v.Authenticate(okHandler()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	v := newJWTVerifier("secret")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/markets", nil)
	v.Authenticate(okHandler()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func signHS256(t *testing.T, secret, subject string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticateAcceptsValidBearerToken(t *testing.T) {
	v := newJWTVerifier("secret")
	token := signHS256(t, "secret", "user-1", time.Now().Add(time.Hour))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/markets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	v.Authenticate(okHandler()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	v := newJWTVerifier("secret")
	token := signHS256(t, "secret", "user-1", time.Now().Add(-time.Hour))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/markets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	v.Authenticate(okHandler()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateRejectsWrongSigningSecret(t *testing.T) {
	v := newJWTVerifier("secret")
	token := signHS256(t, "other-secret", "user-1", time.Now().Add(time.Hour))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/markets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	v.Authenticate(okHandler()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateRejectsMalformedBearerPrefix(t *testing.T) {
	v := newJWTVerifier("secret")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/markets", nil)
	req.Header.Set("Authorization", "Basic deadbeef")
	v.Authenticate(okHandler()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
