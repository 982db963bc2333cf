package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamparty/watchparty-server/internal/model"
)

const testSecret = "test-secret-with-at-least-32-characters!!"

func identityEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := GetIdentity(r.Context())
		if identity == nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		writeJSON(w, http.StatusOK, identity)
	})
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)
	handler := auth.Handler(identityEcho())

	t.Run("returns 401 without token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "NOT_AUTHENTICATED")
	})

	t.Run("accepts bearer token", func(t *testing.T) {
		token, err := SignToken(testSecret, model.Identity{UserID: "user-1", DisplayName: "Ada"}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"userId":"user-1"`)
		assert.Contains(t, rec.Body.String(), `"displayName":"Ada"`)
	})

	t.Run("accepts query token", func(t *testing.T) {
		token, err := SignToken(testSecret, model.Identity{UserID: "user-2"}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"displayName":"Guest"`)
	})

	t.Run("rejects token signed with another secret", func(t *testing.T) {
		token, err := SignToken("another-secret-with-at-least-32-characters", model.Identity{UserID: "user-1"}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "INVALID_TOKEN")
	})

	t.Run("rejects expired token", func(t *testing.T) {
		token, err := SignToken(testSecret, model.Identity{UserID: "user-1"}, -time.Hour)
		require.NoError(t, err)

		_, err = auth.Verify(token)
		assert.Error(t, err)
	})
}

func TestAuthMiddleware_Verify(t *testing.T) {
	auth := NewAuthMiddleware(testSecret)

	t.Run("prefers full name then email", func(t *testing.T) {
		claims := &Claims{
			Email:        "grace@example.com",
			UserMetadata: UserMetadata{FullName: "Grace Hopper"},
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-3",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		identity, err := auth.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "Grace Hopper", identity.DisplayName)

		claims.UserMetadata = UserMetadata{}
		token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		identity, err = auth.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "grace", identity.DisplayName)
	})

	t.Run("rejects token without subject", func(t *testing.T) {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = auth.Verify(token)
		assert.Error(t, err)
	})

	t.Run("rejects none algorithm", func(t *testing.T) {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = auth.Verify(token)
		assert.Error(t, err)
	})
}
