package providers

import (
	"errors"
	"fmt"
)

// Class buckets adapter failures so the governor can decide whether to retry.
type Class string

const (
	ClassTransient   Class = "transient"
	ClassPermanent   Class = "permanent"
	ClassRateLimited Class = "rate_limited"
	ClassAuthFailed  Class = "auth_failed"
)

// Error is the classified failure every adapter returns for downstream
// problems. Non-Error failures from an adapter are treated as permanent.
type Error struct {
	ProviderType string
	Operation    string
	Class        Class
	Code         string
	Message      string
	Err          error
	// PreFlight marks failures raised before any network call left the
	// gateway (unknown operation, unusable params). Pre-flight failures are
	// never metered.
	PreFlight bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s (%s)", e.ProviderType, e.Operation, e.Message, e.Code)
	}
	return fmt.Sprintf("%s %s: %s", e.ProviderType, e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified provider error.
func NewError(providerType, operation string, class Class, code, message string, cause error) *Error {
	return &Error{
		ProviderType: providerType,
		Operation:    operation,
		Class:        class,
		Code:         code,
		Message:      message,
		Err:          cause,
	}
}

// NewPreFlightError builds a permanent error for a failure that happened
// before the provider was contacted.
func NewPreFlightError(providerType, operation, code, message string, cause error) *Error {
	e := NewError(providerType, operation, ClassPermanent, code, message, cause)
	e.PreFlight = true
	return e
}

// IsPreFlight reports whether the failure happened before the provider was
// contacted.
func IsPreFlight(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.PreFlight
}

// Classify extracts the failure class, defaulting to permanent.
func Classify(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassPermanent
}

// IsTransient reports whether the failure is worth retrying with the same
// idempotency key.
func IsTransient(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}

// ClassFromStatus maps an HTTP response code from a downstream API onto the
// gateway's failure taxonomy.
func ClassFromStatus(status int) Class {
	switch {
	case status == 401 || status == 403:
		return ClassAuthFailed
	case status == 429:
		return ClassRateLimited
	case status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}
