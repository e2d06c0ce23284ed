// Package errmap translates domain errors into HTTP responses. Clients only
// ever see the public messages defined here.
package errmap

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aelexs/wacrm/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping. When
// detail is set the wrapped error text, minus the sentinel suffix, is the
// message; it is only used for errors whose text is built from constants.
type httpMapping struct {
	err        error
	statusCode int
	code       string
	message    string
	detail     bool
}

// httpMappings maps domain errors to HTTP status codes and error codes.
// Order matters: first match wins (via errors.Is). Delivery failures carry
// the gateway's ErrUnavailable too and must stay ahead of it.
var httpMappings = []httpMapping{
	// Delivery
	{err: domain.ErrDeliveryFailed, statusCode: http.StatusInternalServerError, code: "DELIVERY_FAILED", message: "Failed to send verification code"},

	// Resource errors
	{err: domain.ErrAccountNotFound, statusCode: http.StatusNotFound, code: "ACCOUNT_NOT_FOUND", message: "User not found"},
	{err: domain.ErrNotFound, statusCode: http.StatusNotFound, code: "NOT_FOUND", message: "Not found"},
	{err: domain.ErrAlreadyExists, statusCode: http.StatusConflict, code: "ALREADY_EXISTS", message: "Account already exists"},

	// Auth errors
	{err: domain.ErrUnauthorized, statusCode: http.StatusUnauthorized, code: "UNAUTHENTICATED", message: "Invalid or expired registration token"},

	// Validation errors
	{err: domain.ErrInvalidOrExpiredCode, statusCode: http.StatusBadRequest, code: "INVALID_CODE", message: "Invalid or expired code"},
	{err: domain.ErrInvalidIdentity, statusCode: http.StatusBadRequest, code: "INVALID_IDENTITY", message: "Invalid email address or phone number"},
	{err: domain.ErrNoDeliveryTarget, statusCode: http.StatusBadRequest, code: "NO_DELIVERY_TARGET", message: "No phone number on file for this account"},
	{err: domain.ErrPolicyViolation, statusCode: http.StatusBadRequest, code: "PASSWORD_POLICY", detail: true},
	{err: domain.ErrInvalidInput, statusCode: http.StatusBadRequest, code: "INVALID_ARGUMENT", detail: true},

	// Rate limiting
	{err: domain.ErrCooldown, statusCode: http.StatusTooManyRequests, code: "COOLDOWN", message: "A code was sent recently, please wait before retrying"},
	{err: domain.ErrRateLimited, statusCode: http.StatusTooManyRequests, code: "RATE_LIMITED", message: "Too many attempts, try again later"},

	// Availability
	{err: domain.ErrUnavailable, statusCode: http.StatusServiceUnavailable, code: "UNAVAILABLE", message: "Service temporarily unavailable"},
}

// Override replaces the public message for one sentinel, e.g. to word an
// invalid code error for a specific endpoint.
type Override struct {
	Err     error
	Message string
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error, overrides ...Override) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if !errors.Is(err, m.err) {
			continue
		}
		msg := m.message
		if m.detail {
			msg = strings.TrimSuffix(err.Error(), ": "+m.err.Error())
		}
		for _, o := range overrides {
			if o.Err == m.err {
				msg = o.Message
			}
		}
		return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: msg}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}
