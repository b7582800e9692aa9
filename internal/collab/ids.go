package collab

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const userIDPrefix = "user_"

// IDGenerator issues opaque identifiers. The store and the service re-draw whenever a
// generated value collides with a live or retired identifier.
type IDGenerator interface {
	SessionID() string
	UserID() string
}

type randomIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator returns the default generator: lower-case ULIDs for sessions and
// short uuid-derived tokens for participants.
func NewIDGenerator() IDGenerator {
	return &randomIDs{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *randomIDs) SessionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return strings.ToLower(id.String())
}

func (g *randomIDs) UserID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return userIDPrefix + raw[:12]
}

// NextUserID draws identifiers until one is unused by current and former participants.
func NextUserID(s Session, ids IDGenerator) string {
	for {
		id := ids.UserID()
		if !s.UserIDTaken(id) {
			return id
		}
	}
}
