package auth

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrNotConfigured = errors.New("auth: signing key not configured")
)

// Error is a client-facing failure with a stable code and HTTP status.
// Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Code: e.Code, Status: e.Status, Message: e.Message, Err: cause}
}

func newError(status int, code, msg string) *Error {
	return &Error{Code: code, Status: status, Message: msg}
}

// Authentication failures.
var (
	ErrMissingToken       = newError(http.StatusUnauthorized, "MISSING_TOKEN", "authorization token is required")
	ErrInvalidTokenFormat = newError(http.StatusUnauthorized, "INVALID_TOKEN_FORMAT", "authorization header must be 'Bearer <token>'")
	ErrInvalidToken       = newError(http.StatusUnauthorized, "INVALID_TOKEN", "token is invalid")
	ErrTokenExpired       = newError(http.StatusUnauthorized, "TOKEN_EXPIRED", "token has expired")
	ErrTokenRevoked       = newError(http.StatusUnauthorized, "TOKEN_REVOKED", "token has been revoked")
	ErrUnauthenticated    = newError(http.StatusUnauthorized, "AUTH_UNAUTHENTICATED", "authentication required")
	ErrInvalidCredentials = newError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
	ErrUserNotFound       = newError(http.StatusUnauthorized, "USER_NOT_FOUND", "user no longer exists")
)

// Authorization failures.
var (
	ErrInsufficientRole        = newError(http.StatusForbidden, "AUTH_INSUFFICIENT_ROLE", "role is not allowed to access this resource")
	ErrInsufficientPermissions = newError(http.StatusForbidden, "AUTH_INSUFFICIENT_PERMISSIONS", "missing required permission")
	ErrZoneAccessDenied        = newError(http.StatusForbidden, "AUTH_ZONE_ACCESS_DENIED", "access to this zone is not allowed")
	ErrAccountDisabled         = newError(http.StatusForbidden, "ACCOUNT_DISABLED", "account is disabled")
)

var (
	ErrRateLimited        = newError(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many requests")
	ErrValidation         = newError(http.StatusBadRequest, "VALIDATION_ERROR", "request is invalid")
	ErrEmailTaken         = newError(http.StatusConflict, "EMAIL_TAKEN", "email is already registered")
	ErrBackendUnavailable = newError(http.StatusServiceUnavailable, "AUTH_BACKEND_UNAVAILABLE", "authentication backend unavailable")
)

// Backend marks an infrastructure failure. Callers reject the request.
func Backend(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return ErrBackendUnavailable.Wrap(err)
}

// Validation returns a VALIDATION_ERROR with a specific message.
func Validation(msg string) *Error {
	return &Error{Code: ErrValidation.Code, Status: ErrValidation.Status, Message: msg}
}

// AsError extracts the client-facing error, if any.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
