package servitor

import (
	"fmt"
	"sync"
)

// SessionRegistry caches open sessions along with their live timers,
// which can't be persisted. It's rebuilt from the [SessionStore] on
// startup.
//
// Lock provides the per-key critical section around read, decide and
// close. The registry's own methods are safe for concurrent use, but
// callers must hold the key's lock for any check-then-act sequence.
type SessionRegistry struct {
	mu      sync.Mutex
	entries map[SessionKey]*registryEntry

	locksMu sync.Mutex
	locks   map[SessionKey]*keyLock
}

type registryEntry struct {
	session Session
	timer   *TimerHandle
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		entries: map[SessionKey]*registryEntry{},
		locks:   map[SessionKey]*keyLock{},
	}
}

// Lock acquires the critical section for key, returning the func
// which releases it.
func (r *SessionRegistry) Lock(key SessionKey) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(
			func() {
				l.mu.Unlock()
				r.locksMu.Lock()
				l.refs--
				if l.refs == 0 {
					delete(r.locks, key)
				}
				r.locksMu.Unlock()
			},
		)
	}
}

// Open registers a session with its timer. It returns
// ErrSessionAlreadyOpen if the key is already registered.
func (r *SessionRegistry) Open(s Session, timer *TimerHandle) error {
	key := s.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %s", ErrSessionAlreadyOpen, key)
	}
	r.entries[key] = &registryEntry{session: s.clone(), timer: timer}
	return nil
}

// Get returns a copy of the cached session, or ErrSessionNotFound
func (r *SessionRegistry) Get(key SessionKey) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return e.session.clone(), nil
}

// Update replaces the cached session state, keeping its timer
func (r *SessionRegistry) Update(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[s.Key()]
	if !ok {
		return ErrSessionNotFound
	}
	e.session = s.clone()
	return nil
}

// ReplaceTimer swaps the entry's timer, canceling the previous one
// unless it's the same handle
func (r *SessionRegistry) ReplaceTimer(key SessionKey, timer *TimerHandle) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	previous := e.timer
	e.timer = timer
	r.mu.Unlock()

	if previous != timer {
		previous.Cancel()
	}
	return nil
}

// TimerIs reports whether the key is open with the given timer. A timer
// callback uses this to detect that it lost a race with another
// resolution, or was superseded.
func (r *SessionRegistry) TimerIs(key SessionKey, timer *TimerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return ok && e.timer == timer
}

// Close cancels the entry's timer and removes it. It returns false if
// the key wasn't open.
func (r *SessionRegistry) Close(key SessionKey) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.timer.Cancel()
	return true
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns copies of every open session
func (r *SessionRegistry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		sessions = append(sessions, e.session.clone())
	}
	return sessions
}

// timer returns the key's current timer, or nil if it isn't open
func (r *SessionRegistry) timer(key SessionKey) *TimerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.timer
	}
	return nil
}
