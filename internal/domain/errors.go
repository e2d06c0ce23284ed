package domain

import "errors"

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrPolicyViolation = errors.New("policy violation")

	// Verification errors. ErrInvalidOrExpiredCode deliberately covers
	// unknown, mismatched, expired and exhausted codes alike.
	ErrInvalidOrExpiredCode = errors.New("invalid or expired code")
	ErrAccountNotFound      = errors.New("account not found")
	ErrNoDeliveryTarget     = errors.New("account has no delivery target")
	ErrUnauthorized         = errors.New("authentication required")

	// Operational errors
	ErrCooldown       = errors.New("code recently issued, retry later")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrDeliveryFailed = errors.New("code delivery failed")
	ErrUnavailable    = errors.New("service temporarily unavailable")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrCooldown) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrDeliveryFailed)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrInvalidInput,
	ErrInvalidIdentity,
	ErrPolicyViolation,
	ErrInvalidOrExpiredCode,
	ErrAccountNotFound,
	ErrNoDeliveryTarget,
	ErrNotFound,
	ErrAlreadyExists,
	ErrUnauthorized,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAccountNotFound)
}
