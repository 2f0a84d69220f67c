// Package errors defines the engine error taxonomy. Every failure surfaced
// by the engine is an *Error carrying a Kind (the failure class callers
// branch on) and a stable machine-readable Code. Callers can always
// distinguish "retry later" (KindTransient) from "fix the request"
// (KindValidation) from "not authorized" (KindAuthorization).
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind int

const (
	// KindValidation rejects malformed input before any state mutation.
	KindValidation Kind = iota
	// KindAuthorization means no active grant covers the operation. Fails closed.
	KindAuthorization
	// KindCapacity means the entitlement pool is exhausted and overage is disallowed.
	KindCapacity
	// KindNotFound means an unknown license, token, or grant.
	KindNotFound
	// KindExpired means a token or license is past its validity.
	KindExpired
	// KindStateConflict means the operation is invalid for the current
	// state machine position, e.g. extending a checked-in token.
	KindStateConflict
	// KindAlreadyExists means a create collided with an existing resource.
	KindAlreadyExists
	// KindTransient is a retryable dependency failure (key management,
	// role propagation delay). Retried internally with bounded backoff
	// before surfacing.
	KindTransient
	// KindInternal is an unexpected engine failure.
	KindInternal
)

// String returns the kind name used in logs and error text.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindCapacity:
		return "capacity"
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	case KindStateConflict:
		return "state_conflict"
	case KindAlreadyExists:
		return "already_exists"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is the structured error type used throughout the engine.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by Code so predefined values work with errors.Is
// even after wrapping a cause via WithCause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of e wrapping the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: err}
}

// WithMessagef returns a copy of e with a formatted message, keeping
// Kind and Code so errors.Is still matches the predefined value.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...), Err: e.Err}
}

// E constructs a new engine error.
func E(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Ef constructs a new engine error with a formatted message.
func Ef(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, or "INTERNAL_ERROR" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL_ERROR"
}

// IsRetryable reports whether err is a transient dependency failure that
// callers should retry with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Predefined engine errors. Compare with errors.Is; attach context with
// WithCause or WithMessagef.
var (
	// Validation
	ErrInvalidRequest = E(KindValidation, "INVALID_REQUEST", "request failed validation")

	// Authorization
	ErrNotAuthorized    = E(KindAuthorization, "NOT_AUTHORIZED", "no active grant covers the requested operation")
	ErrInvalidSignature = E(KindAuthorization, "INVALID_SIGNATURE", "token signature verification failed")

	// Capacity
	ErrCapacityExceeded        = E(KindCapacity, "CAPACITY_EXCEEDED", "entitlement pool has insufficient remaining capacity")
	ErrNoEntitlementsAvailable = E(KindCapacity, "NO_ENTITLEMENTS_AVAILABLE", "none of the requested entitlements are available")

	// Not found
	ErrLicenseNotFound     = E(KindNotFound, "LICENSE_NOT_FOUND", "license not found")
	ErrGrantNotFound       = E(KindNotFound, "GRANT_NOT_FOUND", "grant not found")
	ErrTokenNotFound       = E(KindNotFound, "TOKEN_NOT_FOUND", "consumption token not found or no longer active")
	ErrEntitlementNotFound = E(KindNotFound, "ENTITLEMENT_NOT_FOUND", "entitlement is not defined on the license")
	ErrKeyNotFound         = E(KindNotFound, "KEY_NOT_FOUND", "no signing key registered for the license")

	// Expired
	ErrLicenseExpired = E(KindExpired, "LICENSE_EXPIRED", "license is outside its validity window")
	ErrTokenExpired   = E(KindExpired, "TOKEN_EXPIRED", "token is past its expiration")

	// State conflict
	ErrLicenseNotActive         = E(KindStateConflict, "LICENSE_NOT_ACTIVE", "license status does not permit consumption")
	ErrGrantNotAcceptable       = E(KindStateConflict, "GRANT_NOT_ACCEPTABLE", "grant status does not permit the transition")
	ErrEntitlementNotExtendable = E(KindStateConflict, "ENTITLEMENT_NOT_EXTENDABLE", "license consumption configuration forbids renewal")
	ErrEarlyCheckInNotAllowed   = E(KindStateConflict, "EARLY_CHECKIN_NOT_ALLOWED", "borrow token was issued without early check-in")
	ErrCheckInNotAllowed        = E(KindStateConflict, "CHECKIN_NOT_ALLOWED", "entitlement does not allow check-in")
	ErrBorrowNotAllowed         = E(KindStateConflict, "BORROW_NOT_ALLOWED", "license consumption configuration does not allow borrow checkout")
	ErrProvisionalNotAllowed    = E(KindStateConflict, "PROVISIONAL_NOT_ALLOWED", "license consumption configuration does not allow live checkout")
	ErrVersionConflict          = E(KindStateConflict, "VERSION_CONFLICT", "source version does not match the current resource version")

	// Already exists
	ErrAlreadyExists = E(KindAlreadyExists, "ALREADY_EXISTS", "resource already exists")

	// Transient
	ErrNotAuthorizedYet = E(KindTransient, "NOT_AUTHORIZED_YET", "role policy has not propagated yet")
	ErrRetryTimeout     = E(KindTransient, "RETRY_TIMEOUT", "retries exhausted waiting on a dependency")
)
