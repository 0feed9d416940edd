package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authRouter(t *testing.T, mw gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/me", func(c *gin.Context) {
		userID, err := services.UserFromContext(c.Request.Context())
		if err != nil {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, string(userID))
	})
	return router
}

func get(router http.Handler, authz string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Minute, "rillcall")
	token, err := auth.GenerateToken(domain.UserID("alice"))
	require.NoError(t, err)

	router := authRouter(t, AuthMiddleware(auth))

	w := get(router, "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = get(router, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	w = get(router, "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other := services.NewAuthService("other-secret", time.Minute, "rillcall")
	forged, err := other.GenerateToken(domain.UserID("mallory"))
	require.NoError(t, err)
	w = get(router, "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOptionalAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Minute, "rillcall")
	token, err := auth.GenerateToken(domain.UserID("bob"))
	require.NoError(t, err)

	router := authRouter(t, OptionalAuthMiddleware(auth))

	assert.Equal(t, "bob", get(router, "Bearer "+token).Body.String())
	assert.Equal(t, "anonymous", get(router, "").Body.String())
	assert.Equal(t, "anonymous", get(router, "Bearer junk").Body.String())
}
