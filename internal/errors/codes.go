// Package errors defines the error codes returned by the HTTP API.
package errors

// Error code constants for API responses.
const (
	// Ledger errors
	ErrInvalidAddress   = "INVALID_ADDRESS"
	ErrInvalidOutcome   = "INVALID_OUTCOME"
	ErrUntrackedAddress = "UNTRACKED_ADDRESS"
	ErrNotFound         = "NOT_FOUND"

	// Auth errors
	ErrUnauthorized = "UNAUTHORIZED"
	ErrTokenInvalid = "TOKEN_INVALID"
	ErrRateLimited  = "RATE_LIMITED"

	// Pressure errors
	ErrReductionFailed = "REDUCTION_FAILED"

	// General
	ErrValidation   = "VALIDATION_ERROR"
	ErrBodyTooLarge = "BODY_TOO_LARGE"
	ErrUnavailable  = "UNAVAILABLE"
	ErrInternal     = "INTERNAL_ERROR"
)
