package auth

import (
	"math/big"
	"sync"
	"time"

	"rsachat/pkg/crypto"
)

// UserRegistry maps usernames to their registered public keys. Entries are
// never modified once added.
type UserRegistry struct {
	mu    sync.RWMutex
	users map[string]crypto.PublicKey
}

// NewUserRegistry returns an empty registry.
func NewUserRegistry() *UserRegistry {
	return &UserRegistry{users: make(map[string]crypto.PublicKey)}
}

// Add registers username. It returns false if the name is taken.
func (r *UserRegistry) Add(username string, key crypto.PublicKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[username]; exists {
		return false
	}
	r.users[username] = key
	return true
}

// Get returns the key registered for username.
func (r *UserRegistry) Get(username string) (crypto.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.users[username]
	return key, ok
}

// Exists reports whether username is registered.
func (r *UserRegistry) Exists(username string) bool {
	_, ok := r.Get(username)
	return ok
}

// Len returns the number of registered users.
func (r *UserRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Snapshot returns a deep copy of the registry.
func (r *UserRegistry) Snapshot() map[string]crypto.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]crypto.PublicKey, len(r.users))
	for name, key := range r.users {
		out[name] = crypto.PublicKey{E: new(big.Int).Set(key.E), N: new(big.Int).Set(key.N)}
	}
	return out
}

// merge adds every user not already present.
func (r *UserRegistry) merge(users map[string]crypto.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, key := range users {
		if _, exists := r.users[name]; !exists {
			r.users[name] = key
		}
	}
}

// SessionRegistry tracks when each user last authenticated. Expired
// sessions are evicted on lookup.
type SessionRegistry struct {
	mu      sync.Mutex
	data    map[string]time.Time
	timeout time.Duration
	now     func() time.Time
}

// NewSessionRegistry returns a registry whose sessions expire after
// timeout, measured with now. A nil now means time.Now.
func NewSessionRegistry(timeout time.Duration, now func() time.Time) *SessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{
		data:    make(map[string]time.Time),
		timeout: timeout,
		now:     now,
	}
}

// Refresh records a successful authentication for username.
func (s *SessionRegistry) Refresh(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[username] = s.now()
}

// Active reports whether username authenticated within the timeout.
func (s *SessionRegistry) Active(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.data[username]
	if !ok {
		return false
	}
	if s.now().Sub(last) > s.timeout {
		delete(s.data, username)
		return false
	}
	return true
}

// Delete ends the session for username, if any.
func (s *SessionRegistry) Delete(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, username)
}
