package collab

import (
	"fmt"
	"strings"
	"time"
)

// Action names a permission change requested by the session admin.
type Action string

// Permission actions accepted by ApplyPermission.
const (
	ActionGrantEdit     Action = "grant_edit"
	ActionRevokeEdit    Action = "revoke_edit"
	ActionTransferAdmin Action = "transfer_admin"
)

// ParseAction validates a wire action name.
func ParseAction(raw string) (Action, error) {
	switch action := Action(strings.ToLower(strings.TrimSpace(raw))); action {
	case ActionGrantEdit, ActionRevokeEdit, ActionTransferAdmin:
		return action, nil
	default:
		return "", invalidf("unknown permission action %q", raw)
	}
}

// Removal describes the outcome of removing a participant.
type Removal struct {
	Removed     Participant
	NewAdminID  string
	SessionGone bool
}

// AddParticipant appends a participant in join order. The first participant of an empty
// session becomes admin and sole editor; later ones join without edit capability.
func (s *Session) AddParticipant(userID, nickname string, now time.Time) (Participant, error) {
	if userID == "" {
		return Participant{}, invalidf("user id is required")
	}
	if s.UserIDTaken(userID) {
		return Participant{}, invalidf("user id %s already issued", userID)
	}

	participant := Participant{
		UserID:   userID,
		Nickname: nickname,
		IsOnline: true,
		JoinedAt: now,
	}

	if len(s.Users) == 0 {
		participant.IsAdmin = true
		participant.CanEdit = true
		if participant.Nickname == "" {
			participant.Nickname = DefaultAdminNickname
		}
		s.AdminUserID = userID
		s.Editors = []string{userID}
	} else if participant.Nickname == "" {
		participant.Nickname = DefaultNickname(userID)
	}

	s.Users = append(s.Users, participant)
	return participant, nil
}

// DefaultNickname derives the display name handed to joining participants.
func DefaultNickname(userID string) string {
	suffix := userID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return "User-" + suffix
}

// ApplyPermission dispatches an admin-only permission action.
func (s *Session) ApplyPermission(action Action, targetUserID, callerAdminID string) error {
	switch action {
	case ActionGrantEdit:
		return s.GrantEdit(targetUserID, callerAdminID)
	case ActionRevokeEdit:
		return s.RevokeEdit(targetUserID, callerAdminID)
	case ActionTransferAdmin:
		return s.TransferAdmin(targetUserID, callerAdminID)
	default:
		return invalidf("unknown permission action %q", action)
	}
}

// GrantEdit adds the target to the editor set. Granting twice is a no-op.
func (s *Session) GrantEdit(targetUserID, callerAdminID string) error {
	idx, err := s.authorize(targetUserID, callerAdminID)
	if err != nil {
		return err
	}

	s.addEditor(targetUserID)
	s.Users[idx].CanEdit = true
	return nil
}

// RevokeEdit removes the target from the editor set. The admin always keeps edit
// capability, so revoking it is rejected.
func (s *Session) RevokeEdit(targetUserID, callerAdminID string) error {
	idx, err := s.authorize(targetUserID, callerAdminID)
	if err != nil {
		return err
	}
	if targetUserID == s.AdminUserID {
		return invalidf("cannot revoke edit from the session admin")
	}

	s.removeEditor(targetUserID)
	s.Users[idx].CanEdit = false
	return nil
}

// TransferAdmin hands admin authority to another participant, who also becomes an editor.
func (s *Session) TransferAdmin(newAdminUserID, callerAdminID string) error {
	idx, err := s.authorize(newAdminUserID, callerAdminID)
	if err != nil {
		return err
	}

	s.promote(idx)
	return nil
}

// RemoveParticipant drops the participant from users and editors and retires the
// identifier. When the admin leaves, the oldest remaining participant takes over.
func (s *Session) RemoveParticipant(userID string) (Removal, error) {
	idx := s.indexOf(userID)
	if idx < 0 {
		return Removal{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, userID)
	}

	removed := s.Users[idx]
	s.Users = append(s.Users[:idx], s.Users[idx+1:]...)
	s.removeEditor(userID)
	s.RetireUserIDs(userID)

	result := Removal{Removed: removed}
	if len(s.Users) == 0 {
		s.AdminUserID = ""
		result.SessionGone = true
		return result, nil
	}

	if removed.IsAdmin || userID == s.AdminUserID {
		s.promote(0)
		result.NewAdminID = s.AdminUserID
	}
	return result, nil
}

// UpdateParticipant applies a partial update of nickname and online status.
func (s *Session) UpdateParticipant(userID string, update ParticipantUpdate) error {
	idx := s.indexOf(userID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, userID)
	}

	if update.Nickname != nil {
		nickname := strings.TrimSpace(*update.Nickname)
		if nickname == "" {
			return invalidf("nickname cannot be empty")
		}
		s.Users[idx].Nickname = nickname
	}
	if update.IsOnline != nil {
		s.Users[idx].IsOnline = *update.IsOnline
	}
	return nil
}

func (s *Session) authorize(targetUserID, callerAdminID string) (int, error) {
	if callerAdminID == "" || callerAdminID != s.AdminUserID {
		return -1, ErrForbidden
	}
	idx := s.indexOf(targetUserID)
	if idx < 0 {
		return -1, fmt.Errorf("%w: %s", ErrParticipantNotFound, targetUserID)
	}
	return idx, nil
}

func (s *Session) promote(idx int) {
	for i := range s.Users {
		s.Users[i].IsAdmin = i == idx
	}
	s.AdminUserID = s.Users[idx].UserID
	s.Users[idx].CanEdit = true
	s.addEditor(s.AdminUserID)
}

// Validate checks admin uniqueness, editor consistency and admin edit capability.
func Validate(s Session) error {
	if len(s.Users) == 0 {
		if s.AdminUserID != "" || len(s.Editors) > 0 {
			return fmt.Errorf("session %s: empty session retains roles", s.SessionID)
		}
		return nil
	}

	admins := 0
	members := make(map[string]struct{}, len(s.Users))
	for _, p := range s.Users {
		if _, dup := members[p.UserID]; dup {
			return fmt.Errorf("session %s: duplicate participant %s", s.SessionID, p.UserID)
		}
		members[p.UserID] = struct{}{}

		if p.IsAdmin {
			admins++
			if p.UserID != s.AdminUserID {
				return fmt.Errorf("session %s: participant %s flagged admin but admin is %s", s.SessionID, p.UserID, s.AdminUserID)
			}
		}
		if p.CanEdit != s.IsEditor(p.UserID) {
			return fmt.Errorf("session %s: participant %s canEdit=%t disagrees with editor set", s.SessionID, p.UserID, p.CanEdit)
		}
	}
	if admins != 1 {
		return fmt.Errorf("session %s: expected exactly one admin, found %d", s.SessionID, admins)
	}

	seen := make(map[string]struct{}, len(s.Editors))
	for _, id := range s.Editors {
		if _, ok := members[id]; !ok {
			return fmt.Errorf("session %s: editor %s is not a participant", s.SessionID, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("session %s: editor %s listed twice", s.SessionID, id)
		}
		seen[id] = struct{}{}
	}
	if !s.IsEditor(s.AdminUserID) {
		return fmt.Errorf("session %s: admin %s cannot edit", s.SessionID, s.AdminUserID)
	}
	return nil
}
