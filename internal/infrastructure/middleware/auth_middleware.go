package middleware

import (
	"net/http"
	"strings"

	"rillcall/internal/core/services"
	"rillcall/pkg/errors"
	"rillcall/pkg/logger"

	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a valid bearer token and stores its user in the gin and request contexts.
func AuthMiddleware(validator services.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithAppError(c, errors.NewUnauthorizedError("bearer token required"))
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			abortWithAppError(c, errors.WrapError(err, errors.ErrCodeUnauthorized, "invalid token", http.StatusUnauthorized))
			return
		}

		c.Set(userIDKey, claims.UserID)
		ctx := services.ContextWithUser(c.Request.Context(), claims.UserID)
		ctx = logger.WithUserID(ctx, string(claims.UserID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// OptionalAuthMiddleware attaches the user when a valid token is present and never rejects.
func OptionalAuthMiddleware(validator services.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := validator.ValidateToken(token); err == nil {
				c.Set(userIDKey, claims.UserID)
				c.Request = c.Request.WithContext(services.ContextWithUser(c.Request.Context(), claims.UserID))
			}
		}
		c.Next()
	}
}

func abortWithAppError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
