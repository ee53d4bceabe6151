// Package errors defines the service error taxonomy shared by the data layer,
// the coordination services and the HTTP boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Code identifies the class of a ServiceError.
type Code string

const (
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeForbidden   Code = "FORBIDDEN"
	CodeRateLimited Code = "RATE_LIMIT_EXCEEDED"
	CodeConflict    Code = "CONFLICT"
	CodeAmbiguous   Code = "AMBIGUOUS_RESULT"
	CodeStore       Code = "STORE_ERROR"
	CodeInternal    Code = "INTERNAL_ERROR"
)

// ServiceError is an error with a stable code, a human-readable message and
// the HTTP status the boundary should answer with.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail entry and returns the receiver.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError.
func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a ServiceError around an underlying cause.
func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation reports malformed input. Never retried.
func Validation(message string) *ServiceError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

// NotFound reports an expected row that does not exist.
func NotFound(message string) *ServiceError {
	return New(CodeNotFound, message, http.StatusNotFound)
}

// Forbidden reports an ownership mismatch between actor and resource.
func Forbidden(message string) *ServiceError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

// RateLimitExceeded reports a denied limiter touch. resetAt is the earliest
// moment a slot frees.
func RateLimitExceeded(remaining int, resetAt time.Time) *ServiceError {
	return New(CodeRateLimited, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("remaining", remaining).
		WithDetails("resetAt", resetAt.UnixMilli())
}

// Conflict reports a uniqueness violation at the storage boundary.
func Conflict(message string, err error) *ServiceError {
	return Wrap(CodeConflict, message, http.StatusConflict, err)
}

// Ambiguous reports a single-row read that matched more than one row.
func Ambiguous(message string) *ServiceError {
	return New(CodeAmbiguous, message, http.StatusInternalServerError)
}

// Store reports an adapter failure. Surfaced as 500 with the cause.
func Store(message string, err error) *ServiceError {
	return Wrap(CodeStore, message, http.StatusInternalServerError, err)
}

// Internal reports an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// GetServiceError returns the first ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HasCode reports whether err carries a ServiceError with the given code.
func HasCode(err error, code Code) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

func IsNotFound(err error) bool   { return HasCode(err, CodeNotFound) }
func IsConflict(err error) bool   { return HasCode(err, CodeConflict) }
func IsValidation(err error) bool { return HasCode(err, CodeValidation) }

// HTTPStatus maps any error to the status the boundary answers with.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// RetryAfterSeconds renders the Retry-After header value for a reset time,
// rounded up to whole seconds and never negative.
func RetryAfterSeconds(resetAt, now time.Time) string {
	d := resetAt.Sub(now)
	if d <= 0 {
		return "0"
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return strconv.FormatInt(secs, 10)
}
