package http

import (
	"net/http"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/relaycred"
	"rillcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RelayCredentialsHandler issues short-lived TURN credentials.
type RelayCredentialsHandler struct {
	issuer *relaycred.Issuer
	// requireAuth rejects requests without an authenticated user instead of reading ?userId=.
	requireAuth bool
}

func NewRelayCredentialsHandler(issuer *relaycred.Issuer, requireAuth bool) *RelayCredentialsHandler {
	return &RelayCredentialsHandler{issuer: issuer, requireAuth: requireAuth}
}

func (h *RelayCredentialsHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/relay-credentials", h.Issue)
}

func (h *RelayCredentialsHandler) Issue(c *gin.Context) {
	userID, err := services.UserFromContext(c.Request.Context())
	if err != nil {
		if h.requireAuth {
			_ = c.Error(apperrors.NewUnauthorizedError("authentication required"))
			return
		}
		id := c.Query("userId")
		if err := validation.ValidateUserID(id); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
		userID = domain.UserID(id)
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, h.issuer.Issue(string(userID)))
}
