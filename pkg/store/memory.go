package store

import (
	"context"
	"sync"

	"rsachat/pkg/crypto"
)

// MemoryStore keeps the registry in process memory only.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]crypto.PublicKey
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]crypto.PublicKey)}
}

func (s *MemoryStore) Load(ctx context.Context) (map[string]crypto.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyUsers(s.users), nil
}

func (s *MemoryStore) Save(ctx context.Context, users map[string]crypto.PublicKey) error {
	snapshot := copyUsers(users)

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, key := range snapshot {
		if _, ok := s.users[name]; !ok {
			s.users[name] = key
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
