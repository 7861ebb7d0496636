// Package config loads rsachat settings from defaults, an optional
// rsachat.yaml, RSACHAT_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"rsachat/pkg/crypto"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Event backends
const (
	EventsNone      = "none"
	EventsGoChannel = "gochannel"
	EventsRedis     = "redis"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Addr      string `mapstructure:"addr"`
	PrimeBits int    `mapstructure:"prime_bits"`

	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
	Events EventsConfig `mapstructure:"events"`
	Client ClientConfig `mapstructure:"client"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	// StatusAddr enables the HTTP status endpoint when non-empty.
	StatusAddr string `mapstructure:"status_addr"`
}

type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redis_url"`
	RedisKey string `mapstructure:"redis_key"`
}

type EventsConfig struct {
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
	Topic    string `mapstructure:"topic"`
}

type ClientConfig struct {
	Username string `mapstructure:"username"`
	Proxy    string `mapstructure:"proxy"`
	KeyDir   string `mapstructure:"key_dir"`
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":            "addr",
	"prime-bits":      "prime_bits",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"session-timeout": "server.session_timeout",
	"status-addr":     "server.status_addr",
	"store":           "store.backend",
	"store-path":      "store.path",
	"redis-url":       "store.redis_url",
	"events":          "events.backend",
	"user":            "client.username",
	"proxy":           "client.proxy",
	"key-dir":         "client.key_dir",
}

// ServerFlags registers the server's command-line flags on fs.
func ServerFlags(fs *pflag.FlagSet) {
	commonFlags(fs)
	fs.Duration("session-timeout", time.Hour, "Session lifetime after a successful login")
	fs.String("status-addr", "", "HTTP status endpoint address (disabled when empty)")
	fs.String("store", StoreFile, "User store backend: memory, file, sqlite or redis")
	fs.String("store-path", "users.json", "User store file for the file and sqlite backends")
	fs.String("redis-url", "", "Redis URL for the redis store backend")
	fs.String("events", EventsGoChannel, "Session event backend: none, gochannel or redis")
}

// ClientFlags registers the client's command-line flags on fs.
func ClientFlags(fs *pflag.FlagSet) {
	commonFlags(fs)
	fs.StringP("user", "u", "", "Username")
	fs.String("proxy", "", "SOCKS5 proxy URL, e.g. socks5://127.0.0.1:9050")
	fs.String("key-dir", "", "Directory holding <username>_keys.json (default ~/.rsachat)")
}

func commonFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config file")
	fs.String("addr", "localhost:12345", "Server address")
	fs.Int("prime-bits", 1024, "Bit length of each RSA prime")
	fs.String("log-level", "info", "Log level")
	fs.String("log-format", "console", "Log format: console or json")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "localhost:12345")
	v.SetDefault("prime_bits", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.session_timeout", "1h")
	v.SetDefault("server.status_addr", "")

	v.SetDefault("store.backend", StoreFile)
	v.SetDefault("store.path", "users.json")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.redis_key", "rsachat:users")

	v.SetDefault("events.backend", EventsGoChannel)
	v.SetDefault("events.redis_url", "")
	v.SetDefault("events.topic", "rsachat.sessions")

	v.SetDefault("client.username", "")
	v.SetDefault("client.proxy", "")
	v.SetDefault("client.key_dir", "")
}

// Load parses args into fs and resolves the configuration. fs must have been
// populated by ServerFlags or ClientFlags.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("rsachat")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.rsachat")

	v.AutomaticEnv()
	v.SetEnvPrefix("RSACHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks enumerated settings and numeric ranges.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalidConfig)
	}
	if c.PrimeBits < crypto.MinPrimeBits {
		return fmt.Errorf("%w: prime_bits must be at least %d to sign %d-bit digests, got %d",
			ErrInvalidConfig, crypto.MinPrimeBits, crypto.DigestBits, c.PrimeBits)
	}
	if c.Server.SessionTimeout <= 0 {
		return fmt.Errorf("%w: server.session_timeout must be positive", ErrInvalidConfig)
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for the %s backend", ErrInvalidConfig, c.Store.Backend)
		}
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("%w: store.redis_url is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	switch c.Events.Backend {
	case EventsNone, EventsGoChannel:
	case EventsRedis:
		if c.Events.RedisURL == "" && c.Store.RedisURL == "" {
			return fmt.Errorf("%w: events.redis_url is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown events backend %q", ErrInvalidConfig, c.Events.Backend)
	}

	return nil
}

// EventsRedisURL falls back to the store's redis URL.
func (c *Config) EventsRedisURL() string {
	if c.Events.RedisURL != "" {
		return c.Events.RedisURL
	}
	return c.Store.RedisURL
}
