package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

type Config struct {
	Now func() time.Time
}

// Store keeps at most one active session per user in memory.
//
// Events on a session are serialized through Acquire: a user's session can be leased by one
// caller at a time, and a concurrent Acquire fails fast with SessionBusy. Reads through Get never
// block, they observe the last committed snapshot.
type Store struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	lock    sync.Mutex
	current atomic.Pointer[domain.Session]
	touched atomic.Int64
}

func NewStore(c Config) *Store {
	s := &Store{
		now:     c.Now,
		entries: make(map[string]*entry),
	}

	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// CreateOrReplace discards any session of the user and starts a fresh one in SelectingCategory.
// A caller still holding a lease on the old session keeps working on a detached copy.
func (s *Store) CreateOrReplace(user string) (domain.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Session{}, fmt.Errorf("generate session ID: %w", err)
	}

	now := s.now()
	ss := &domain.Session{
		SessionID:  id.String(),
		UserID:     user,
		Phase:      domain.PhaseSelectingCategory,
		CreateTime: now,
	}

	e := &entry{}
	e.current.Store(ss)
	e.touched.Store(now.UnixNano())

	s.mu.Lock()
	s.entries[user] = e
	s.mu.Unlock()

	return *ss, nil
}

// Get returns the last committed state of the user's session.
func (s *Store) Get(user string) (domain.Session, error) {
	e, ok := s.lookup(user)
	if !ok {
		return domain.Session{}, errors.SessionNotFound(user)
	}

	return *e.current.Load(), nil
}

// Remove deletes the user's session, if any.
func (s *Store) Remove(user string) {
	s.mu.Lock()
	delete(s.entries, user)
	s.mu.Unlock()
}

// RemoveSession deletes the user's session only if it is still the one identified by id.
// It reports whether a session was removed.
func (s *Store) RemoveSession(user, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[user]
	if !ok || e.current.Load().SessionID != id {
		return false
	}

	delete(s.entries, user)
	return true
}

// Acquire leases the user's session for exclusive use. The caller must Release the lease.
func (s *Store) Acquire(user string) (*Lease, error) {
	e, ok := s.lookup(user)
	if !ok {
		return nil, errors.SessionNotFound(user)
	}

	if !e.lock.TryLock() {
		return nil, errors.SessionBusy(user)
	}

	return &Lease{store: s, e: e}, nil
}

// EvictIdle removes sessions that were not touched within maxIdle and are not leased.
// It returns the number of removed sessions.
func (s *Store) EvictIdle(maxIdle time.Duration) int {
	deadline := s.now().Add(-maxIdle).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for user, e := range s.entries {
		if e.touched.Load() > deadline {
			continue
		}

		if !e.lock.TryLock() {
			continue
		}

		delete(s.entries, user)
		e.lock.Unlock()
		n++
	}

	return n
}

// Len returns the number of resident sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

func (s *Store) lookup(user string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[user]
	return e, ok
}

// Lease is exclusive access to one session. Changes are invisible until committed.
type Lease struct {
	store    *Store
	e        *entry
	released bool
}

// Session returns a working copy of the leased session.
func (l *Lease) Session() domain.Session {
	return *l.e.current.Load()
}

// Commit publishes ss as the new state of the leased session.
func (l *Lease) Commit(ss domain.Session) {
	l.e.current.Store(&ss)
	l.e.touched.Store(l.store.now().UnixNano())
}

// Release ends the lease. It is safe to call more than once.
func (l *Lease) Release() {
	if l.released {
		return
	}

	l.released = true
	l.e.lock.Unlock()
}
