package store

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/redis/go-redis/v9"

	"rsachat/pkg/crypto"
)

// DefaultRedisKey is the hash holding the registry.
const DefaultRedisKey = "rsachat:users"

// RedisStore keeps the registry in a single hash: field username, value
// "<e>:<n>" in hex.
type RedisStore struct {
	client *redis.Client
	key    string
}

// OpenRedis connects to url and checks the connection.
func OpenRedis(ctx context.Context, url, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStore(client, key), nil
}

// NewRedisStore wraps an existing client. An empty key uses DefaultRedisKey.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (map[string]crypto.PublicKey, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	users := make(map[string]crypto.PublicKey, len(fields))
	for name, value := range fields {
		key, err := parseHexKey(value)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
		users[name] = key
	}

	return users, nil
}

// Save sets only fields that do not exist yet.
func (s *RedisStore) Save(ctx context.Context, users map[string]crypto.PublicKey) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for name, key := range users {
			pipe.HSetNX(ctx, s.key, name, formatHexKey(key))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save users: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func formatHexKey(key crypto.PublicKey) string {
	return key.E.Text(16) + ":" + key.N.Text(16)
}

func parseHexKey(value string) (crypto.PublicKey, error) {
	e, n, found := strings.Cut(value, ":")
	if !found {
		return crypto.PublicKey{}, fmt.Errorf("%w: malformed value %q", crypto.ErrInvalidKey, value)
	}

	key := crypto.PublicKey{}
	var ok bool
	if key.E, ok = new(big.Int).SetString(e, 16); !ok {
		return key, fmt.Errorf("%w: bad exponent", crypto.ErrInvalidKey)
	}
	if key.N, ok = new(big.Int).SetString(n, 16); !ok {
		return key, fmt.Errorf("%w: bad modulus", crypto.ErrInvalidKey)
	}
	if !key.Valid() {
		return key, crypto.ErrInvalidKey
	}
	return key, nil
}
