package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an AppError.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Signaling taxonomy. None of these terminate a connection.
	ErrCodeProtocol     ErrorCode = "PROTOCOL_ERROR"
	ErrCodeSessionState ErrorCode = "SESSION_STATE_ERROR"
	ErrCodeTransport    ErrorCode = "TRANSPORT_ERROR"
	ErrCodePersistence  ErrorCode = "PERSISTENCE_ERROR"
)

// AppError carries a code, an HTTP status for the API surface and optional context.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by code so callers can write errors.Is(err, errors.Protocol).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// WithContext adds a key/value to the error and returns it for chaining.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Code-only targets for errors.Is.
var (
	Protocol     = &AppError{Code: ErrCodeProtocol}
	SessionState = &AppError{Code: ErrCodeSessionState}
	Transport    = &AppError{Code: ErrCodeTransport}
	Persistence  = &AppError{Code: ErrCodePersistence}
)

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	appErr := NewAppError(code, message, httpStatus)
	appErr.Cause = err
	return appErr
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// NewProtocolError reports malformed JSON, an unknown type or a missing required field.
func NewProtocolError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeProtocol, message, http.StatusBadRequest)
}

// NewSessionStateError reports a message that does not fit the current call state.
func NewSessionStateError(message string) *AppError {
	return NewAppError(ErrCodeSessionState, message, http.StatusConflict)
}

// NewTransportError reports loss or failure of the signaling connection.
func NewTransportError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeTransport, message, http.StatusBadGateway)
}

// NewPersistenceError reports a failed storage write.
func NewPersistenceError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodePersistence, message, http.StatusInternalServerError)
}

func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError returns the first AppError in the chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
