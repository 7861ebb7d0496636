package server

import (
	"sync"

	"github.com/google/uuid"
)

// Recipient is an authenticated connection the router can deliver to.
type Recipient interface {
	ID() uuid.UUID
	Username() string
	// Deliver hands text to the recipient without blocking. An error means
	// the recipient can no longer keep up and should be dropped.
	Deliver(sender, text, kind string, signatureValid bool) error
	Close() error
}

// ActiveSet holds authenticated connections in join order. The same
// username may appear more than once.
type ActiveSet struct {
	mu      sync.RWMutex
	members []Recipient
}

func NewActiveSet() *ActiveSet {
	return &ActiveSet{}
}

// Add appends r.
func (s *ActiveSet) Add(r Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = append(s.members, r)
}

// Remove drops the connection with id. It reports whether it was present,
// so concurrent removals take effect exactly once.
func (s *ActiveSet) Remove(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.members {
		if m.ID() == id {
			s.members = append(s.members[:i:i], s.members[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the current members; the slice is the caller's.
func (s *ActiveSet) Snapshot() []Recipient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Recipient, len(s.members))
	copy(out, s.members)
	return out
}

// Usernames lists member usernames in join order.
func (s *ActiveSet) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.members))
	for _, m := range s.members {
		names = append(names, m.Username())
	}
	return names
}

func (s *ActiveSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}
