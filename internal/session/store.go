package session

import (
	"sync"
	"time"
)

// Session is a keyed container for the current snapshot. The snapshot field
// is copy-on-write: Update replaces it wholesale under the per-session mutex
// while readers keep whatever value they already loaded.
type Session struct {
	ID string

	mu           sync.Mutex
	snapshot     Snapshot
	userID       string
	lastActiveAt time.Time
}

// Snapshot returns the current snapshot value.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// UserID returns the user currently associated with the session, if any.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// LastActiveAt returns the time of the last touch or update.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// Store is the in-memory session store: a read-mostly map guarded by an
// RWMutex, with a per-session mutex serializing updates to one session while
// updates to different sessions proceed in parallel.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session

	defaults func() Snapshot
	now      func() time.Time

	// persist and onDelete, when non-nil, mirror publishes and deletions to
	// an optional persistence layer. Failures are the hook's problem; the
	// in-memory state is canonical.
	persist  func(id string, snap Snapshot, userID string)
	onDelete func(id string)
}

// NewStore creates a store whose new sessions start from the snapshot
// returned by defaults (process default backend, interactive mode, shared
// failover route template).
func NewStore(defaults func() Snapshot) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		defaults: defaults,
		now:      time.Now,
	}
}

// GetOrCreate returns the session for id, allocating one with a fresh
// default snapshot on first use. Idempotent.
func (st *Store) GetOrCreate(id string) *Session {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		s.touch(st.now())
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok = st.sessions[id]; ok {
		s.touch(st.now())
		return s
	}
	s = &Session{ID: id, snapshot: st.defaults(), lastActiveAt: st.now()}
	st.sessions[id] = s
	return s
}

// Update applies fn to the current snapshot and atomically publishes the
// result. Updates to the same session are serialized by the session mutex.
func (st *Store) Update(id string, fn func(Snapshot) Snapshot) Snapshot {
	s := st.GetOrCreate(id)
	s.mu.Lock()
	next := fn(s.snapshot)
	s.snapshot = next
	s.lastActiveAt = st.now()
	userID := s.userID
	s.mu.Unlock()

	if st.persist != nil {
		st.persist(id, next, userID)
	}
	return next
}

// SetUserID associates (or, with an empty string, dissociates) a user with
// the session, maintaining the user index.
func (st *Store) SetUserID(id, userID string) {
	s := st.GetOrCreate(id)

	s.mu.Lock()
	previous := s.userID
	s.userID = userID
	s.mu.Unlock()

	if previous == userID {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if previous != "" {
		if set, ok := st.byUser[previous]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(st.byUser, previous)
			}
		}
	}
	if userID != "" {
		set, ok := st.byUser[userID]
		if !ok {
			set = make(map[string]*Session)
			st.byUser[userID] = set
		}
		set[id] = s
	}
}

// GetByUser returns all sessions currently associated with userID.
func (st *Store) GetByUser(userID string) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	set := st.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Delete removes the session, if present.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return
	}
	delete(st.sessions, id)
	if st.onDelete != nil {
		st.onDelete(id)
	}
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()
	if userID != "" {
		if set, ok := st.byUser[userID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(st.byUser, userID)
			}
		}
	}
}

// CleanupExpired removes sessions idle longer than maxAge and returns the
// count removed. Candidate selection happens under the read lock only, so
// in-flight Updates cannot deadlock against it.
func (st *Store) CleanupExpired(maxAge time.Duration) int {
	cutoff := st.now().Add(-maxAge)

	st.mu.RLock()
	expired := make([]string, 0)
	for id, s := range st.sessions {
		if s.LastActiveAt().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		st.mu.Lock()
		s, ok := st.sessions[id]
		// Recheck under the write lock; the session may have been touched
		// between the scan and now.
		if ok && s.LastActiveAt().Before(cutoff) {
			st.mu.Unlock()
			st.Delete(id)
			removed++
			continue
		}
		st.mu.Unlock()
	}
	return removed
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActiveAt = now
	s.mu.Unlock()
}
