package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sauerbraten/jsonfile"

	"rsachat/pkg/crypto"
)

// FileStore keeps the registry in a JSON file mapping usernames to
// {"e": ..., "n": ...}. Lines starting with // are ignored on load, so the
// file may be annotated by hand.
type FileStore struct {
	path string

	mu sync.Mutex
	// known is every user read from or written to the file, nil until the
	// file is first read.
	known map[string]crypto.PublicKey
}

// NewFileStore returns a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the file. A missing or empty file is an empty registry.
func (s *FileStore) Load(ctx context.Context) (map[string]crypto.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.read()
	if err != nil {
		return nil, err
	}
	s.known = users
	return copyUsers(users), nil
}

func (s *FileStore) read() (map[string]crypto.PublicKey, error) {
	users := make(map[string]crypto.PublicKey)
	err := jsonfile.ParseFile(s.path, &users)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, io.EOF):
		return make(map[string]crypto.PublicKey), nil
	default:
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}

	for name, key := range users {
		if !key.Valid() {
			return nil, fmt.Errorf("user %q in %s: %w", name, s.path, crypto.ErrInvalidKey)
		}
	}

	return users, nil
}

// Save merges users into the file, rewriting it through a temporary file
// and rename. Users already in the file keep their stored key.
func (s *FileStore) Save(ctx context.Context, users map[string]crypto.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known == nil {
		known, err := s.read()
		if err != nil {
			return err
		}
		s.known = known
	}

	merged := copyUsers(s.known)
	for name, key := range copyUsers(users) {
		if _, ok := merged[name]; !ok {
			merged[name] = key
		}
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal users: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write users: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write users: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}

	s.known = merged
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
