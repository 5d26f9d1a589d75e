package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Protection state errors
	ErrAccountLocked = errors.New("account is temporarily locked")
	ErrRateLimited   = errors.New("rate limit exceeded")

	// ErrInvalidConfig marks a policy rejected at construction time.
	// Check paths never return it.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStoreUnavailable wraps persistence failures so callers can tell a
	// store outage apart from a lockout decision and apply their own
	// fail-open or fail-closed policy.
	ErrStoreUnavailable = errors.New("lockout store unavailable")
)
