// Package collab holds the shared-session record, its permission transitions and the
// store that serialises mutations per session identifier.
package collab

import (
	"sort"
	"time"
)

// DefaultAdminNickname is given to the participant that creates a session.
const DefaultAdminNickname = "You"

// Participant is one joined user within a session.
type Participant struct {
	UserID   string    `json:"userId"`
	Nickname string    `json:"nickname"`
	IsAdmin  bool      `json:"isAdmin"`
	CanEdit  bool      `json:"canEdit"`
	IsOnline bool      `json:"isOnline"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Session is the authoritative record shared by every participant. Users are kept in
// join order; Editors behaves as a set and is serialised in grant order.
type Session struct {
	SessionID   string        `json:"sessionId"`
	AdminUserID string        `json:"adminUserId"`
	Editors     []string      `json:"editors"`
	Users       []Participant `json:"users"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	Revision    uint64        `json:"revision"`

	retired map[string]struct{}
}

// Summary is the diagnostic listing entry for a session.
type Summary struct {
	SessionID        string    `json:"sessionId"`
	ParticipantCount int       `json:"userCount"`
	AdminUserID      string    `json:"adminUserId"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ParticipantUpdate carries the mutable participant fields. Nil fields are left unchanged.
type ParticipantUpdate struct {
	Nickname *string `json:"nickname,omitempty"`
	IsOnline *bool   `json:"isOnline,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u ParticipantUpdate) Empty() bool {
	return u.Nickname == nil && u.IsOnline == nil
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	clone := s
	clone.Editors = make([]string, len(s.Editors))
	copy(clone.Editors, s.Editors)
	clone.Users = make([]Participant, len(s.Users))
	copy(clone.Users, s.Users)
	if s.retired != nil {
		clone.retired = make(map[string]struct{}, len(s.retired))
		for id := range s.retired {
			clone.retired[id] = struct{}{}
		}
	}
	return clone
}

// Summary builds the listing entry for the session.
func (s Session) Summary() Summary {
	return Summary{
		SessionID:        s.SessionID,
		ParticipantCount: len(s.Users),
		AdminUserID:      s.AdminUserID,
		CreatedAt:        s.CreatedAt,
	}
}

// Participant looks up a current participant by identifier.
func (s Session) Participant(userID string) (Participant, bool) {
	if idx := s.indexOf(userID); idx >= 0 {
		return s.Users[idx], true
	}
	return Participant{}, false
}

// IsEditor reports whether userID is in the editor set.
func (s Session) IsEditor(userID string) bool {
	for _, id := range s.Editors {
		if id == userID {
			return true
		}
	}
	return false
}

// RetiredUserIDs lists identifiers of participants that have left, sorted for stable output.
func (s Session) RetiredUserIDs() []string {
	ids := make([]string, 0, len(s.retired))
	for id := range s.retired {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RetireUserIDs records identifiers that may never be issued again within this session.
func (s *Session) RetireUserIDs(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if s.retired == nil {
			s.retired = make(map[string]struct{})
		}
		s.retired[id] = struct{}{}
	}
}

// UserIDTaken reports whether the identifier belongs to a current or former participant.
func (s Session) UserIDTaken(userID string) bool {
	if _, ok := s.retired[userID]; ok {
		return true
	}
	return s.indexOf(userID) >= 0
}

func (s Session) indexOf(userID string) int {
	if userID == "" {
		return -1
	}
	for i := range s.Users {
		if s.Users[i].UserID == userID {
			return i
		}
	}
	return -1
}

func (s *Session) addEditor(userID string) {
	if s.IsEditor(userID) {
		return
	}
	s.Editors = append(s.Editors, userID)
}

func (s *Session) removeEditor(userID string) {
	kept := s.Editors[:0]
	for _, id := range s.Editors {
		if id != userID {
			kept = append(kept, id)
		}
	}
	s.Editors = kept
}
