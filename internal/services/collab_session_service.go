package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/charlesng35/cosession/internal/collab"
	"github.com/charlesng35/cosession/internal/realtime"
	"github.com/charlesng35/cosession/pkg/logger"
	"github.com/charlesng35/cosession/pkg/metrics"
)

const (
	defaultNicknameMaxLength = 64
	defaultPollInterval      = 2 * time.Second
)

// SessionPublisher receives change notifications after a mutation has been stored.
type SessionPublisher interface {
	BroadcastStream(stream string, message realtime.Message)
	BroadcastToUser(stream, userID string, message realtime.Message)
	CloseStream(stream string)
}

// CollabConfig tunes the collaborative session service.
type CollabConfig struct {
	MaxParticipants   int
	NicknameMaxLength int
	PollInterval      time.Duration
	IdleTTL           time.Duration
	PublicURL         string
}

// JoinResult is returned by Create and Join: the session as stored after the join and the
// identifier the caller must use from now on.
type JoinResult struct {
	Session       collab.Session `json:"session"`
	CurrentUserID string         `json:"currentUserId"`
	Created       bool           `json:"-"`
}

// PermissionChange is an admin request to grant, revoke or transfer authority.
type PermissionChange struct {
	Action      string
	UserID      string
	AdminUserID string
}

// RemovalResult reports the outcome of removing a participant. Session is nil when the
// removal emptied and deleted the session.
type RemovalResult struct {
	SessionID  string
	Session    *collab.Session
	Deleted    bool
	NewAdminID string
}

// ShareLocator is the link a participant hands to others so they can join.
type ShareLocator struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CollabSessionService exposes the session state machine to the HTTP layer and publishes
// every stored change to the realtime hub.
type CollabSessionService struct {
	store     *collab.Store
	publisher SessionPublisher
	cfg       CollabConfig
	log       *zap.Logger
}

// NewCollabSessionService constructs the service. The publisher may be nil.
func NewCollabSessionService(store *collab.Store, publisher SessionPublisher, cfg CollabConfig) (*CollabSessionService, error) {
	if store == nil {
		return nil, errors.New("collab session service: store is required")
	}
	if cfg.NicknameMaxLength <= 0 {
		cfg.NicknameMaxLength = defaultNicknameMaxLength
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxParticipants < 0 {
		cfg.MaxParticipants = 0
	}
	cfg.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/")

	return &CollabSessionService{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		log:       logger.WithModule("collab"),
	}, nil
}

// PollInterval is the refresh cadence advertised to polling clients.
func (s *CollabSessionService) PollInterval() time.Duration {
	return s.cfg.PollInterval
}

// Create starts a new session whose creator becomes admin and sole editor.
func (s *CollabSessionService) Create(ctx context.Context) (JoinResult, error) {
	if err := ctx.Err(); err != nil {
		return JoinResult{}, err
	}

	var userID string
	session, err := s.store.Create(func(draft *collab.Session) error {
		userID = collab.NextUserID(*draft, s.store.IDs())
		_, err := draft.AddParticipant(userID, "", s.store.Now())
		return err
	})
	s.observe("create", err)
	if err != nil {
		return JoinResult{}, err
	}

	metrics.SessionsCreated.Inc()
	metrics.Participants.Inc()
	metrics.ActiveSessions.Set(float64(s.store.Len()))

	logger.WithSession("collab", session.SessionID).Info("session created", zap.String("admin_user_id", userID))

	return JoinResult{Session: session, CurrentUserID: userID, Created: true}, nil
}

// Get returns the current record.
func (s *CollabSessionService) Get(ctx context.Context, sessionID string) (collab.Session, error) {
	if err := ctx.Err(); err != nil {
		return collab.Session{}, err
	}
	return s.store.Get(strings.TrimSpace(sessionID))
}

// Join adds a participant to the session. An unknown or deleted session identifier starts
// a brand new session under a fresh identifier instead of reviving the old one.
func (s *CollabSessionService) Join(ctx context.Context, sessionID string) (JoinResult, error) {
	if err := ctx.Err(); err != nil {
		return JoinResult{}, err
	}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return s.Create(ctx)
	}

	var userID string
	session, err := s.store.Mutate(sessionID, func(draft *collab.Session) error {
		if s.cfg.MaxParticipants > 0 && len(draft.Users) >= s.cfg.MaxParticipants {
			return collab.ErrSessionFull
		}
		userID = collab.NextUserID(*draft, s.store.IDs())
		_, err := draft.AddParticipant(userID, "", s.store.Now())
		return err
	})
	if errors.Is(err, collab.ErrSessionNotFound) {
		s.log.Info("join for unknown session, starting a new one", zap.String("requested_session_id", sessionID))
		return s.Create(ctx)
	}
	s.observe("join", err)
	if err != nil {
		return JoinResult{}, err
	}

	metrics.Participants.Inc()
	s.publishUpdate(session)

	return JoinResult{Session: session, CurrentUserID: userID}, nil
}

// UpdateParticipant applies a partial nickname/online update.
func (s *CollabSessionService) UpdateParticipant(ctx context.Context, sessionID, userID string, update collab.ParticipantUpdate) (collab.Session, error) {
	if err := ctx.Err(); err != nil {
		return collab.Session{}, err
	}
	if update.Nickname != nil {
		trimmed := strings.TrimSpace(*update.Nickname)
		if utf8.RuneCountInString(trimmed) > s.cfg.NicknameMaxLength {
			err := fmt.Errorf("%w: nickname longer than %d characters", collab.ErrInvalidRequest, s.cfg.NicknameMaxLength)
			s.observe("update_participant", err)
			return collab.Session{}, err
		}
		update.Nickname = &trimmed
	}

	session, err := s.store.Mutate(strings.TrimSpace(sessionID), func(draft *collab.Session) error {
		return draft.UpdateParticipant(strings.TrimSpace(userID), update)
	})
	s.observe("update_participant", err)
	if err != nil {
		return collab.Session{}, err
	}

	s.publishUpdate(session)
	return session, nil
}

// UpdatePermissions applies an admin permission action.
func (s *CollabSessionService) UpdatePermissions(ctx context.Context, sessionID string, change PermissionChange) (collab.Session, error) {
	if err := ctx.Err(); err != nil {
		return collab.Session{}, err
	}

	action, err := collab.ParseAction(change.Action)
	if err != nil {
		s.observe("permissions", err)
		return collab.Session{}, err
	}

	target := strings.TrimSpace(change.UserID)
	caller := strings.TrimSpace(change.AdminUserID)

	session, err := s.store.Mutate(strings.TrimSpace(sessionID), func(draft *collab.Session) error {
		return draft.ApplyPermission(action, target, caller)
	})
	s.observe(string(action), err)
	if err != nil {
		if errors.Is(err, collab.ErrForbidden) {
			logger.WithSession("collab", sessionID).Warn("permission change rejected",
				zap.String("action", string(action)),
				zap.String("caller", caller),
				zap.String("target", target),
			)
		}
		return collab.Session{}, err
	}

	if action == collab.ActionTransferAdmin {
		logger.WithSession("collab", session.SessionID).Info("admin transferred",
			zap.String("from", caller),
			zap.String("to", session.AdminUserID),
		)
	}

	s.publishUpdate(session)
	return session, nil
}

// RemoveParticipant removes a participant. When the admin leaves, the oldest remaining
// participant takes over; when nobody is left the session is deleted.
func (s *CollabSessionService) RemoveParticipant(ctx context.Context, sessionID, userID string) (RemovalResult, error) {
	if err := ctx.Err(); err != nil {
		return RemovalResult{}, err
	}

	sessionID = strings.TrimSpace(sessionID)
	var removal collab.Removal
	session, err := s.store.Mutate(sessionID, func(draft *collab.Session) error {
		var err error
		removal, err = draft.RemoveParticipant(strings.TrimSpace(userID))
		return err
	})
	if collab.IsDeleted(err) {
		s.observe("remove", nil)
		metrics.Participants.Dec()
		s.sessionGone(sessionID, "empty")
		return RemovalResult{SessionID: sessionID, Deleted: true}, nil
	}
	s.observe("remove", err)
	if err != nil {
		return RemovalResult{}, err
	}

	metrics.Participants.Dec()
	if removal.NewAdminID != "" {
		logger.WithSession("collab", sessionID).Info("admin left, authority passed on",
			zap.String("previous_admin", removal.Removed.UserID),
			zap.String("new_admin", removal.NewAdminID),
		)
	}

	if s.publisher != nil {
		s.publisher.BroadcastToUser(realtime.SessionStream(sessionID), removal.Removed.UserID, realtime.Message{
			Event: realtime.EventParticipantRemoved,
			Data:  map[string]any{"sessionId": sessionID, "userId": removal.Removed.UserID},
		})
	}
	s.publishUpdate(session)
	return RemovalResult{SessionID: sessionID, Session: &session, NewAdminID: removal.NewAdminID}, nil
}

// List returns summaries of all live sessions.
func (s *CollabSessionService) List(ctx context.Context) ([]collab.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.List(), nil
}

// Share returns the link other participants follow to join the session.
func (s *CollabSessionService) Share(ctx context.Context, sessionID string) (ShareLocator, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return ShareLocator{}, err
	}

	base := s.cfg.PublicURL
	if base == "" {
		base = "http://localhost"
	}
	link := base + "/?" + url.Values{"session": []string{session.SessionID}}.Encode()
	return ShareLocator{SessionID: session.SessionID, URL: link}, nil
}

// ReapIdle deletes sessions whose participants are all offline and that have not changed
// for longer than the configured idle TTL. A zero TTL disables reaping.
func (s *CollabSessionService) ReapIdle(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.IdleTTL <= 0 {
		return 0, nil
	}

	cutoff := now.Add(-s.cfg.IdleTTL)
	idle := func(session collab.Session) bool {
		if session.UpdatedAt.After(cutoff) {
			return false
		}
		for _, p := range session.Users {
			if p.IsOnline {
				return false
			}
		}
		return true
	}

	reaped := 0
	for _, candidate := range s.store.Snapshot() {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		if !idle(candidate) {
			continue
		}
		removed, deleted, err := s.store.DeleteIf(candidate.SessionID, idle)
		if err != nil || !deleted {
			continue
		}
		reaped++
		metrics.Participants.Sub(float64(len(removed.Users)))
		s.sessionGone(removed.SessionID, "idle")
	}
	return reaped, nil
}

// PruneTombstones forgets deleted session identifiers older than ttl. A zero ttl keeps
// them forever.
func (s *CollabSessionService) PruneTombstones(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	return s.store.PruneTombstones(now.Add(-ttl))
}

// RefreshGauges recomputes the session and participant gauges from the store.
func (s *CollabSessionService) RefreshGauges() {
	sessions := s.store.Snapshot()
	participants := 0
	for _, session := range sessions {
		participants += len(session.Users)
	}
	metrics.ActiveSessions.Set(float64(len(sessions)))
	metrics.Participants.Set(float64(participants))
}

func (s *CollabSessionService) sessionGone(sessionID, reason string) {
	metrics.SessionsDeleted.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Set(float64(s.store.Len()))
	logger.WithSession("collab", sessionID).Info("session deleted", zap.String("reason", reason))

	if s.publisher == nil {
		return
	}
	stream := realtime.SessionStream(sessionID)
	s.publisher.BroadcastStream(stream, realtime.Message{
		Event: realtime.EventSessionDeleted,
		Data:  map[string]any{"sessionId": sessionID, "reason": reason},
	})
	s.publisher.CloseStream(stream)
}

func (s *CollabSessionService) publishUpdate(session collab.Session) {
	if s.publisher == nil {
		return
	}
	s.publisher.BroadcastStream(realtime.SessionStream(session.SessionID), realtime.Message{
		Event: realtime.EventSessionUpdated,
		Data:  session,
		Meta:  map[string]any{"revision": session.Revision},
	})
}

func (s *CollabSessionService) observe(operation string, err error) {
	metrics.Mutations.WithLabelValues(operation, mutationResult(err)).Inc()
}

func mutationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, collab.ErrNotFound):
		return "not_found"
	case errors.Is(err, collab.ErrForbidden):
		return "forbidden"
	case errors.Is(err, collab.ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
