// Package apperror defines the classified failure kinds surfaced by the session and progress engines.
// Gateways map every transport or server failure into exactly one Kind before callers see it.
package apperror

import (
	"errors"
	"fmt"
)

// Kind is the classified category of a failure.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindUserAlreadyExists  Kind = "user_already_exists"
	KindNetworkUnavailable Kind = "network_unavailable"
	KindSessionExpired     Kind = "session_expired"
	KindOAuthFailed        Kind = "oauth_failed"
	KindValidationFailed   Kind = "validation_failed"
	// KindUnknown covers server faults that fit none of the kinds above (e.g. 5xx without a problem type).
	KindUnknown Kind = "unknown"
)

// Sentinel errors for local conditions that never reach a gateway.
var (
	ErrNotAuthenticated = New(KindSessionExpired, "not authenticated")
	ErrNoSession        = errors.New("no persisted session")
)

// SessionExpiredMessage is the user-facing reason attached to logouts caused by refresh failure or expiry.
const SessionExpiredMessage = "Your session has expired. Please log in again."

// InactivityMessage is the user-facing reason attached to logouts caused by inactivity.
const InactivityMessage = "You have been logged out due to inactivity."

// Error is a classified failure. Fields holds per-field validation messages when the server sent them.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Fields  map[string][]string
	Err     error
}

// New returns an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, ErrNotAuthenticated) works on any session-expired error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
