// Package domain defines the query spec model and error taxonomy for the
// query execution engine.
package domain

import (
	"errors"
	"fmt"
)

// Error codes returned to callers. Codes are stable API; messages are not.
const (
	CodeInvalidSpec       = "invalid_spec"
	CodeInvalidFilter     = "invalid_filter"
	CodeInvalidMetric     = "invalid_metric"
	CodeInvalidFormula    = "invalid_formula"
	CodeInvalidResourceID = "invalid_resource_id"

	CodeMissingServiceToken  = "missing_service_token"
	CodeInvalidServiceToken  = "invalid_service_token"
	CodeExpiredServiceToken  = "expired_service_token"
	CodeWorkspaceMismatch    = "workspace_mismatch"
	CodeDatasourceMismatch   = "datasource_mismatch"
	CodeDatasetMismatch      = "dataset_mismatch"
	CodeDirectHeaderBlocked  = "direct_datasource_header_blocked"
	CodeDatasourceNotFound   = "datasource_not_registered"
	CodeSchemaNotFound       = "schema_not_found"
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeQueryTimeout         = "query_timeout"
	CodeDatasourceError      = "datasource_error"
	CodeInternalError        = "internal_error"
)

// ValidationError indicates a malformed query spec or filter.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// UnauthorizedError indicates a missing or unverifiable service token.
type UnauthorizedError struct {
	Code    string
	Message string
}

func (e *UnauthorizedError) Error() string { return e.Message }

// AccessDeniedError indicates a claim mismatch or blocked bypass path.
type AccessDeniedError struct {
	Code    string
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// NotFoundError indicates an unregistered datasource or unknown resource.
type NotFoundError struct {
	Code    string
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// RateLimitError indicates the caller exceeded its admission window.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string { return e.Message }

// TimeoutError indicates a physical query exceeded its deadline.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// ExecutionError indicates the datasource rejected or failed the query.
// The message is sanitized before construction; it must never carry a
// connection string.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string { return e.Message }

// InternalError wraps an unexpected failure. ErrorID correlates the caller
// response with the full server-side log line.
type InternalError struct {
	Message string
	ErrorID string
}

func (e *InternalError) Error() string { return e.Message }

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrUnauthorized creates an UnauthorizedError with a formatted message.
func ErrUnauthorized(code, format string, args ...interface{}) *UnauthorizedError {
	return &UnauthorizedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(code, format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(code, format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrRateLimited creates a RateLimitError with a formatted message.
func ErrRateLimited(format string, args ...interface{}) *RateLimitError {
	return &RateLimitError{Message: fmt.Sprintf(format, args...)}
}

// ErrTimeout creates a TimeoutError with a formatted message.
func ErrTimeout(format string, args ...interface{}) *TimeoutError {
	return &TimeoutError{Message: fmt.Sprintf(format, args...)}
}

// ErrExecution creates an ExecutionError with a formatted message.
func ErrExecution(format string, args ...interface{}) *ExecutionError {
	return &ExecutionError{Message: fmt.Sprintf(format, args...)}
}

// ErrInternal creates an InternalError carrying a correlation id.
func ErrInternal(errorID, format string, args ...interface{}) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...), ErrorID: errorID}
}

// ErrorCode extracts the machine-readable code from any engine error.
// Unknown error types report internal_error.
func ErrorCode(err error) string {
	var (
		validation   *ValidationError
		unauthorized *UnauthorizedError
		accessDenied *AccessDeniedError
		notFound     *NotFoundError
		rateLimited  *RateLimitError
		timeout      *TimeoutError
		execution    *ExecutionError
	)
	switch {
	case errors.As(err, &validation):
		return validation.Code
	case errors.As(err, &unauthorized):
		return unauthorized.Code
	case errors.As(err, &accessDenied):
		return accessDenied.Code
	case errors.As(err, &notFound):
		return notFound.Code
	case errors.As(err, &rateLimited):
		return CodeRateLimitExceeded
	case errors.As(err, &timeout):
		return CodeQueryTimeout
	case errors.As(err, &execution):
		return CodeDatasourceError
	default:
		return CodeInternalError
	}
}
