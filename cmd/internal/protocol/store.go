package protocol

import (
	"context"
	"errors"
	"sync"
	"time"
)

// maxIDAttempts bounds id regeneration on collision.
const maxIDAttempts = 8

// Store is the authoritative in-memory mapping from session id to Session.
//
// All reads and writes hold a single mutex, so an expiry sweep and an advance on
// the same id never interleave: the advance either sees the whole session or
// ErrSessionNotFound.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session

	ttl   time.Duration
	now   func() time.Time
	newID func(nBytes int) (string, error)
	obs   Observer
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithObserver attaches an Observer for created/evicted sessions.
func WithObserver(obs Observer) StoreOption {
	return func(s *Store) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// NewStore constructs an empty Store with the fixed SessionTTL.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]Session),
		ttl:      SessionTTL,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    newRandomHex,
		obs:      NopObserver{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Create sweeps expired sessions, then inserts a fresh session.
//
// init, when given, sets the initial flags under the same lock as the insert,
// so no other caller ever observes the session in an intermediate state. The
// ordering invariant applies to the result; a violating init inserts nothing.
func (s *Store) Create(init ...func(sess *Session)) (Session, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	id, err := s.allocateIDLocked()
	if err != nil {
		return Session{}, err
	}

	sess := Session{ID: id, CreatedAt: now}
	for _, fn := range init {
		if fn != nil {
			fn(&sess)
		}
	}
	sess.ID = id
	sess.CreatedAt = now
	if (sess.Stage2Done && !sess.Stage1Done) || (sess.Stage3Done && !sess.Stage2Done) {
		return Session{}, ErrOutOfOrder
	}
	sess.State = stateFor(sess)

	s.sessions[id] = sess
	s.obs.SessionCreated()
	return sess, nil
}

func (s *Store) allocateIDLocked() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id, err := s.newID(sessionIDBytes)
		if err != nil {
			return "", err
		}
		if id == "" {
			continue
		}
		if _, taken := s.sessions[id]; !taken {
			return id, nil
		}
	}
	return "", errors.New("protocol: unable to allocate unique session id")
}

// Get returns a copy of the session. Expired sessions are deleted and reported
// as ErrSessionNotFound.
func (s *Store) Get(id string) (Session, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getLocked(id, now)
}

func (s *Store) getLocked(id string, now time.Time) (Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if s.expired(sess, now) {
		delete(s.sessions, id)
		s.obs.SessionsEvicted(EvictExpired, 1)
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// Update runs fn against a copy of the session under the store lock.
//
// The copy is committed only when fn returns nil. When fn reports remove, the
// session is deleted instead (one-time consumption). Flags are monotonic: a
// flag that was set stays set, and a copy that breaks stage ordering is refused.
func (s *Store) Update(id string, fn func(sess *Session) (remove bool, err error)) (Session, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.getLocked(id, now)
	if err != nil {
		return Session{}, err
	}

	next := cur
	remove, err := fn(&next)
	if err != nil {
		return cur, err
	}

	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Stage1Done = next.Stage1Done || cur.Stage1Done
	next.Stage2Done = next.Stage2Done || cur.Stage2Done
	next.Stage3Done = next.Stage3Done || cur.Stage3Done
	if (next.Stage2Done && !next.Stage1Done) || (next.Stage3Done && !next.Stage2Done) {
		return cur, ErrOutOfOrder
	}
	next.State = stateFor(next)

	if remove {
		delete(s.sessions, id)
		s.obs.SessionsEvicted(EvictConsumed, 1)
		return next, nil
	}

	s.sessions[id] = next
	return next, nil
}

// Delete removes a session. Unknown ids are ignored.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	s.obs.SessionsEvicted(EvictDeleted, 1)
}

// RemainingTime returns the TTL left for id, floored at zero. Unknown ids report zero.
// It is informational only and never gates an operation.
func (s *Store) RemainingTime(id string) time.Duration {
	now := s.now()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()

	if !ok {
		return 0
	}
	return s.remaining(sess, now)
}

// Snapshot returns the session view with its remaining time, measured at one instant.
func (s *Store) Snapshot(id string) (Snapshot, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getLocked(id, now)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ID:         sess.ID,
		Stage1Done: sess.Stage1Done,
		Stage2Done: sess.Stage2Done,
		Stage3Done: sess.Stage3Done,
		State:      sess.State,
		Remaining:  s.remaining(sess, now),
	}, nil
}

// Sweep removes every expired session and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sweepLocked(now)
}

func (s *Store) sweepLocked(now time.Time) int {
	n := 0
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			n++
		}
	}
	if n > 0 {
		s.obs.SessionsEvicted(EvictExpired, n)
	}
	return n
}

// Len returns the number of sessions held, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// RunJanitor sweeps every interval until ctx is done. onSweep, when non-nil,
// receives the count of each non-empty sweep.
func (s *Store) RunJanitor(ctx context.Context, every time.Duration, onSweep func(n int)) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}

// expired reports whether sess is past its TTL. The boundary itself is still alive.
func (s *Store) expired(sess Session, now time.Time) bool {
	return now.Sub(sess.CreatedAt) > s.ttl
}

func (s *Store) remaining(sess Session, now time.Time) time.Duration {
	left := s.ttl - now.Sub(sess.CreatedAt)
	if left < 0 {
		return 0
	}
	return left
}
