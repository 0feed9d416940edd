package middleware

import (
	"net/http"

	"rillcall/pkg/errors"
	"rillcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware propagates or assigns a request id and exposes it to context loggers.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// errorBody is the JSON shape of every failed API response.
type errorBody struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// ErrorHandlerMiddleware renders the last handler error. Client errors log at warn, the rest at error.
func ErrorHandlerMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		ctx := c.Request.Context()
		reqLog := log.For(ctx).With("method", c.Request.Method, "path", c.FullPath())

		appErr := errors.GetAppError(c.Errors.Last().Err)
		if appErr == nil {
			appErr = errors.WrapError(c.Errors.Last().Err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
		}

		logFn := reqLog.Errorw
		if appErr.HTTPStatus < http.StatusInternalServerError {
			logFn = reqLog.Warnw
		}
		logFn("request failed",
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"error", appErr.Error(),
		)

		c.JSON(appErr.HTTPStatus, errorBody{
			Error:     string(appErr.Code),
			Message:   appErr.Message,
			Details:   appErr.Context,
			RequestID: logger.RequestID(ctx),
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 and logs it with the request id.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			requestID := logger.RequestID(c.Request.Context())
			log.Errorw("panic recovered",
				"panic", rec,
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"request_id", requestID,
				zap.StackSkip("stack", 2),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
				Error:     string(errors.ErrCodeInternal),
				Message:   "Internal server error",
				RequestID: requestID,
			})
		}()

		c.Next()
	}
}
