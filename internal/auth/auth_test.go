package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-123",
		"email": "user@example.com",
		"iss":   "https://project.supabase.co/auth/v1",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
}

func TestAuthenticateValidToken(t *testing.T) {
	v, err := NewVerifier(testSecret, "https://project.supabase.co/auth/v1")
	require.NoError(t, err)

	user, err := v.Authenticate(sign(t, testSecret, validClaims()))
	require.NoError(t, err)
	require.Equal(t, User{ID: "user-123", Email: "user@example.com"}, user)
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	v, err := NewVerifier(testSecret, "https://project.supabase.co/auth/v1")
	require.NoError(t, err)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	noExp := validClaims()
	delete(noExp, "exp")

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "someone-else"

	noSubject := validClaims()
	delete(noSubject, "sub")

	cases := map[string]string{
		"wrong secret": sign(t, "another-secret-another-secret-another", validClaims()),
		"expired":      sign(t, testSecret, expired),
		"no exp":       sign(t, testSecret, noExp),
		"wrong issuer": sign(t, testSecret, wrongIssuer),
		"no subject":   sign(t, testSecret, noSubject),
		"garbage":      "not-a-jwt",
	}
	for name, token := range cases {
		_, err := v.Authenticate(token)
		require.Error(t, err, name)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("", "")
	require.Error(t, err)
}

func TestAuthenticatorMiddleware(t *testing.T) {
	v, err := NewVerifier(testSecret, "")
	require.NoError(t, err)

	var seen User
	h := v.Authenticator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		require.True(t, ok)
		seen = u
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, testSecret, validClaims()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "user-123", seen.ID)
}
