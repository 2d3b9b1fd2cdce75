// Package errors provides structured error handling for the messaging core.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeNotAuthenticated means no usable credential is present.
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	// CodeConnectionError means the hub or store API could not be reached.
	CodeConnectionError Code = "CONNECTION_ERROR"
	// CodePermissionDenied means the policy does not allow the action.
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// CodeNotFound means a channel, message or member does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeValidation means the request itself is malformed.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeRateLimited means the peer refused the request for pacing reasons.
	CodeRateLimited Code = "RATE_LIMITED"
)

// ParseCode maps a wire code to a known Code, defaulting to CodeUnknown.
func ParseCode(value string) Code {
	switch Code(value) {
	case CodeNotAuthenticated, CodeConnectionError, CodePermissionDenied,
		CodeNotFound, CodeValidation, CodeRateLimited:
		return Code(value)
	default:
		return CodeUnknown
	}
}

// HTTPStatus maps the error code to the HTTP status used by the store API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeConnectionError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeFromHTTPStatus maps a store API status to an error code.
func CodeFromHTTPStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized:
		return CodeNotAuthenticated
	case status == http.StatusForbidden:
		return CodePermissionDenied
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status >= 500:
		return CodeConnectionError
	default:
		return CodeUnknown
	}
}

// Retryable reports whether a caller may reasonably retry after this code.
func (c Code) Retryable() bool {
	return c == CodeConnectionError || c == CodeRateLimited
}
