package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestParseUserID(t *testing.T) {
	good := signToken(t, jwt.SigningMethodHS256, []byte(secret), validClaims("7"))
	uid, err := ParseUserID(good, []byte(secret))
	require.NoError(t, err)
	assert.Equal(t, int64(7), uid)

	tests := map[string]string{
		"wrong secret":    signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims("7")),
		"non numeric sub": signToken(t, jwt.SigningMethodHS256, []byte(secret), validClaims("alice")),
		"zero sub":        signToken(t, jwt.SigningMethodHS256, []byte(secret), validClaims("0")),
		"wrong algorithm": signToken(t, jwt.SigningMethodHS512, []byte(secret), validClaims("7")),
		"expired": signToken(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{
			Subject: "7", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}),
		"no expiry": signToken(t, jwt.SigningMethodHS256, []byte(secret), jwt.RegisteredClaims{Subject: "7"}),
		"garbage":   "not.a.token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseUserID(token, []byte(secret))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestMiddleware(t *testing.T) {
	var seen int64 = -1
	h := Middleware(secret, func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(header string) int {
		seen = -1
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, serve(""))
	assert.Equal(t, int64(0), seen, "anonymous")

	token := signToken(t, jwt.SigningMethodHS256, []byte(secret), validClaims(strconv.Itoa(99)))
	assert.Equal(t, http.StatusNoContent, serve("Bearer "+token))
	assert.Equal(t, int64(99), seen)

	assert.Equal(t, http.StatusUnauthorized, serve("Bearer nope"))
	assert.Equal(t, http.StatusUnauthorized, serve("Basic abc"))
	assert.Equal(t, int64(-1), seen)
}

func TestMiddleware_RejectsTokensWithoutSecret(t *testing.T) {
	h := Middleware("", func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, []byte(secret), validClaims("1")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func signRole(t *testing.T, sub, role string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: role, RegisteredClaims: validClaims(sub)}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestParseToken_Role(t *testing.T) {
	id, err := ParseToken(signRole(t, "3", RoleAdmin), []byte(secret))
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 3, Role: RoleAdmin}, id)
	assert.True(t, id.IsAdmin())

	id, err = ParseToken(signToken(t, jwt.SigningMethodHS256, []byte(secret), validClaims("4")), []byte(secret))
	require.NoError(t, err)
	assert.False(t, id.IsAdmin())
}

func TestRequireAdmin(t *testing.T) {
	reject := func(w http.ResponseWriter, _ *http.Request, err error) {
		if errors.Is(err, ErrForbidden) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}
	h := Middleware(secret, reject)(RequireAdmin(reject)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	serve := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(""))
	assert.Equal(t, http.StatusForbidden, serve(signRole(t, "5", "")))
	assert.Equal(t, http.StatusForbidden, serve(signRole(t, "5", "agent")))
	assert.Equal(t, http.StatusNoContent, serve(signRole(t, "5", RoleAdmin)))
}
