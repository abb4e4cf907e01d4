package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// SessionNotCreatedError is returned when no node could provide a session,
// either because nothing had capacity or because the chosen node failed.
type SessionNotCreatedError struct {
	Reason string
	Cause  error
}

func NewSessionNotCreatedError(cause error, format string, args ...interface{}) *SessionNotCreatedError {
	return &SessionNotCreatedError{Reason: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *SessionNotCreatedError) Error() string {
	if e.Cause == nil {
		return "session not created: " + e.Reason
	}
	return fmt.Sprintf("session not created: %s: %v", e.Reason, e.Cause)
}

func (e *SessionNotCreatedError) Unwrap() error { return e.Cause }

// NoSuchSessionError is returned for lookups against an unknown session.
type NoSuchSessionError struct {
	Id SessionId
}

func (e *NoSuchSessionError) Error() string {
	return fmt.Sprintf("no such session: %s", e.Id)
}

func IsSessionNotCreated(err error) bool {
	_, ok := errors.Cause(err).(*SessionNotCreatedError)
	return ok
}

func IsNoSuchSession(err error) bool {
	_, ok := errors.Cause(err).(*NoSuchSessionError)
	return ok
}
