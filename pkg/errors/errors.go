// Package errors defines the sandbox failure taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrConnectionFailed is returned when a backend connection cannot be established
	ErrConnectionFailed = "connection_failed"

	// ErrQueryTimeout is returned when a query exceeds its deadline
	ErrQueryTimeout = "query_timeout"

	// ErrQuerySyntax is returned when the backend rejects a query at parse time
	ErrQuerySyntax = "query_syntax"

	// ErrQueryBlocked is returned when the validator rejects a query
	ErrQueryBlocked = "query_blocked"

	// ErrNotOwner is returned when a session belongs to a different user
	ErrNotOwner = "not_owner"

	// ErrTooManySessions is returned when the global session cap is reached
	ErrTooManySessions = "too_many_sessions"

	// ErrCreationFailed is returned when session isolation setup or seeding failed
	ErrCreationFailed = "creation_failed"

	// ErrSessionExpired is returned when a session vanished between lookup and use
	ErrSessionExpired = "session_expired"

	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = "not_found"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the sandbox core
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewConnectionFailedError creates a new connection failed error
func NewConnectionFailedError(message string, cause error) *Error {
	return NewError(ErrConnectionFailed, message, cause)
}

// NewQueryTimeoutError creates a new query timeout error
func NewQueryTimeoutError(message string, cause error) *Error {
	return NewError(ErrQueryTimeout, message, cause)
}

// NewQuerySyntaxError creates a new query syntax error
func NewQuerySyntaxError(message string, cause error) *Error {
	return NewError(ErrQuerySyntax, message, cause)
}

// NewQueryBlockedError creates a new query blocked error. The message is the
// friendly diagnostic shown to the user verbatim.
func NewQueryBlockedError(message string) *Error {
	return NewError(ErrQueryBlocked, message, nil)
}

// NewNotOwnerError creates a new not owner error
func NewNotOwnerError(message string) *Error {
	return NewError(ErrNotOwner, message, nil)
}

// NewTooManySessionsError creates a new too many sessions error
func NewTooManySessionsError(message string) *Error {
	return NewError(ErrTooManySessions, message, nil)
}

// NewCreationFailedError creates a new creation failed error
func NewCreationFailedError(message string, cause error) *Error {
	return NewError(ErrCreationFailed, message, cause)
}

// NewSessionExpiredError creates a new session expired error
func NewSessionExpiredError(message string) *Error {
	return NewError(ErrSessionExpired, message, nil)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message, nil)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// Message returns the human-facing message of a typed error, or the
// full error text for anything else.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return isType(err, ErrInvalidArgument)
}

// IsConnectionFailed checks if the error is a connection failed error
func IsConnectionFailed(err error) bool {
	return isType(err, ErrConnectionFailed)
}

// IsQueryTimeout checks if the error is a query timeout error
func IsQueryTimeout(err error) bool {
	return isType(err, ErrQueryTimeout)
}

// IsQuerySyntax checks if the error is a query syntax error
func IsQuerySyntax(err error) bool {
	return isType(err, ErrQuerySyntax)
}

// IsQueryBlocked checks if the error is a query blocked error
func IsQueryBlocked(err error) bool {
	return isType(err, ErrQueryBlocked)
}

// IsNotOwner checks if the error is a not owner error
func IsNotOwner(err error) bool {
	return isType(err, ErrNotOwner)
}

// IsTooManySessions checks if the error is a too many sessions error
func IsTooManySessions(err error) bool {
	return isType(err, ErrTooManySessions)
}

// IsCreationFailed checks if the error is a creation failed error
func IsCreationFailed(err error) bool {
	return isType(err, ErrCreationFailed)
}

// IsSessionExpired checks if the error is a session expired error
func IsSessionExpired(err error) bool {
	return isType(err, ErrSessionExpired)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
