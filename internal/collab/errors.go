package collab

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every lookup failure raised by the store or the transitions.
var ErrNotFound = errors.New("not found")

var (
	// ErrSessionNotFound indicates an unknown, deleted or never-issued session identifier.
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	// ErrParticipantNotFound indicates an unknown user identifier within a known session.
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)

	// ErrForbidden is returned when the supplied admin identifier is not the session admin.
	ErrForbidden = errors.New("only the session admin may change permissions")

	// ErrInvalidRequest covers unknown actions, malformed payloads and invariant-breaking requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSessionDeleted reports that a mutation removed the last participant and the session is gone.
	ErrSessionDeleted = errors.New("session deleted")
)

// ErrSessionFull is returned by joins that would exceed the configured participant limit.
var ErrSessionFull = fmt.Errorf("%w: session is full", ErrInvalidRequest)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
