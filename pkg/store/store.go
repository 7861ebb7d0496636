// Package store persists the username to public key registry.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"rsachat/pkg/config"
	"rsachat/pkg/crypto"
)

// ErrUnknownBackend is returned by Open for an unrecognised backend name.
var ErrUnknownBackend = errors.New("unknown store backend")

// Store loads and saves the registry. Save receives a snapshot and only
// adds to what is stored: a saved user is never replaced or removed, so
// concurrent snapshots may arrive in any order.
type Store interface {
	Load(ctx context.Context) (map[string]crypto.PublicKey, error)
	Save(ctx context.Context, users map[string]crypto.PublicKey) error
	Close() error
}

// Open returns the backend selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreFile:
		return NewFileStore(cfg.Path), nil
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case config.StoreRedis:
		return OpenRedis(ctx, cfg.RedisURL, cfg.RedisKey)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func copyUsers(users map[string]crypto.PublicKey) map[string]crypto.PublicKey {
	out := make(map[string]crypto.PublicKey, len(users))
	for name, key := range users {
		out[name] = crypto.PublicKey{E: new(big.Int).Set(key.E), N: new(big.Int).Set(key.N)}
	}
	return out
}
