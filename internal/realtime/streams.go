package realtime

import "strings"

const sessionStreamPrefix = "session."

// Events published on session streams.
const (
	EventSessionUpdated = "session.updated"
	EventSessionDeleted = "session.deleted"
	// EventParticipantRemoved is sent only to the removed participant's own connections.
	EventParticipantRemoved = "participant.removed"
	EventPong               = "pong"
)

// SessionStream names the stream carrying change notifications for one session.
func SessionStream(sessionID string) string {
	return sessionStreamPrefix + strings.ToLower(strings.TrimSpace(sessionID))
}

// SessionIDFromStream reverses SessionStream.
func SessionIDFromStream(stream string) (string, bool) {
	if !strings.HasPrefix(stream, sessionStreamPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(stream, sessionStreamPrefix)
	return id, id != ""
}
