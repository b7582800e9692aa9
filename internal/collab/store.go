package collab

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Store owns every live session. Each session sits behind its own mutex so that
// mutations on one identifier are applied one at a time in the order they acquire it,
// while different identifiers never contend beyond the map lookup.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	tombstones map[string]time.Time
	ids        IDGenerator
	timeNow    func() time.Time
}

type entry struct {
	mu      sync.Mutex
	session Session
	deleted bool
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithIDGenerator overrides identifier generation, primarily for tests.
func WithIDGenerator(ids IDGenerator) StoreOption {
	return func(s *Store) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// WithClock overrides the clock stamped on created and mutated records.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.timeNow = now
		}
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...StoreOption) *Store {
	store := &Store{
		entries:    make(map[string]*entry),
		tombstones: make(map[string]time.Time),
		ids:        NewIDGenerator(),
		timeNow:    time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// IDs exposes the generator used for session identifiers so callers draw participant
// identifiers from the same source.
func (s *Store) IDs() IDGenerator {
	return s.ids
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.timeNow()
}

// Create allocates a fresh session identifier and stores the record produced by build.
// build must leave at least one participant in the session.
func (s *Store) Create(build func(*Session) error) (Session, error) {
	now := s.timeNow()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.freshSessionIDLocked()
	session := Session{
		SessionID: id,
		Editors:   []string{},
		Users:     []Participant{},
		CreatedAt: now,
		UpdatedAt: now,
		Revision:  1,
	}
	if build != nil {
		if err := build(&session); err != nil {
			return Session{}, err
		}
	}
	if len(session.Users) == 0 {
		return Session{}, invalidf("a session needs at least one participant")
	}

	s.entries[id] = &entry{session: session}
	return session.Clone(), nil
}

// Get returns a copy of the current record.
func (s *Store) Get(sessionID string) (Session, error) {
	e := s.lookup(sessionID)
	if e == nil {
		return Session{}, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return Session{}, ErrSessionNotFound
	}
	return e.session.Clone(), nil
}

// Mutate applies fn to a private copy of the record and publishes the copy only when
// fn succeeds, so a rejected mutation leaves the stored record untouched. When the
// mutation leaves no participants the session is deleted, its identifier tombstoned,
// and ErrSessionDeleted is returned alongside the final record.
func (s *Store) Mutate(sessionID string, fn func(*Session) error) (Session, error) {
	e := s.lookup(sessionID)
	if e == nil {
		return Session{}, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return Session{}, ErrSessionNotFound
	}

	next := e.session.Clone()
	if err := fn(&next); err != nil {
		return Session{}, err
	}

	now := s.timeNow()
	next.UpdatedAt = now
	next.Revision = e.session.Revision + 1

	if len(next.Users) == 0 {
		e.deleted = true
		s.forget(sessionID, now)
		return next, ErrSessionDeleted
	}

	e.session = next
	return next.Clone(), nil
}

// Delete removes a session and tombstones its identifier.
func (s *Store) Delete(sessionID string) error {
	e := s.lookup(sessionID)
	if e == nil {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return ErrSessionNotFound
	}
	e.deleted = true
	s.forget(sessionID, s.timeNow())
	return nil
}

// DeleteIf removes the session when pred holds for its current record. The check and the
// removal happen under the entry lock, so a concurrent mutation either lands first and is
// seen by pred or observes the session as gone.
func (s *Store) DeleteIf(sessionID string, pred func(Session) bool) (Session, bool, error) {
	e := s.lookup(sessionID)
	if e == nil {
		return Session{}, false, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return Session{}, false, ErrSessionNotFound
	}
	if pred != nil && !pred(e.session.Clone()) {
		return Session{}, false, nil
	}
	e.deleted = true
	s.forget(sessionID, s.timeNow())
	return e.session.Clone(), true, nil
}

// List returns summaries for all live sessions ordered by creation time.
func (s *Store) List() []Summary {
	sessions := s.Snapshot()
	summaries := make([]Summary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, session.Summary())
	}
	return summaries
}

// Snapshot returns copies of all live sessions ordered by creation time.
func (s *Store) Snapshot() []Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sessions := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			sessions = append(sessions, e.session.Clone())
		}
		e.mu.Unlock()
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].SessionID < sessions[j].SessionID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Tombstones returns identifiers of deleted sessions with their deletion time.
func (s *Store) Tombstones() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Time, len(s.tombstones))
	for id, at := range s.tombstones {
		out[id] = at
	}
	return out
}

// Restore loads previously persisted sessions and tombstones. Records that fail
// validation or clash with a live or tombstoned identifier are skipped and returned.
func (s *Store) Restore(sessions []Session, tombstones map[string]time.Time) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, at := range tombstones {
		if _, live := s.entries[id]; live {
			continue
		}
		s.tombstones[id] = at
	}

	var problems []error
	for _, session := range sessions {
		if session.SessionID == "" {
			problems = append(problems, invalidf("persisted session without identifier"))
			continue
		}
		if _, dead := s.tombstones[session.SessionID]; dead {
			problems = append(problems, invalidf("session %s is tombstoned", session.SessionID))
			continue
		}
		if _, live := s.entries[session.SessionID]; live {
			problems = append(problems, invalidf("session %s already loaded", session.SessionID))
			continue
		}
		if err := Validate(session); err != nil {
			problems = append(problems, err)
			continue
		}
		if len(session.Users) == 0 {
			problems = append(problems, invalidf("session %s has no participants", session.SessionID))
			continue
		}
		s.entries[session.SessionID] = &entry{session: session.Clone()}
	}
	return problems
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IsTombstoned reports whether the identifier belonged to a deleted session.
func (s *Store) IsTombstoned(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tombstones[sessionID]
	return ok
}

// PruneTombstones drops tombstones recorded before the cutoff and returns how many were
// removed. Session identifiers are time-ordered ULIDs, so the generator cannot reissue a
// pruned identifier; pruning only bounds memory.
func (s *Store) PruneTombstones(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, at := range s.tombstones {
		if at.Before(before) {
			delete(s.tombstones, id)
			removed++
		}
	}
	return removed
}

func (s *Store) lookup(sessionID string) *entry {
	if sessionID == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[sessionID]
}

// forget must be called with the entry lock held.
func (s *Store) forget(sessionID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	s.tombstones[sessionID] = at
}

func (s *Store) freshSessionIDLocked() string {
	for {
		id := s.ids.SessionID()
		if id == "" {
			continue
		}
		if _, live := s.entries[id]; live {
			continue
		}
		if _, dead := s.tombstones[id]; dead {
			continue
		}
		return id
	}
}

// IsDeleted reports whether err signals that a mutation removed the session.
func IsDeleted(err error) bool {
	return errors.Is(err, ErrSessionDeleted)
}
