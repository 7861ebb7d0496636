// Package identity persists a client's RSA keypair between sessions.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"rsachat/pkg/crypto"
)

const (
	// DefaultKeyDir is the directory under $HOME holding key files.
	DefaultKeyDir = ".rsachat"

	// FileVersion is the current key file format version.
	FileVersion = "1.0"
)

// ErrNoKeys is returned by Load when no key file exists for the user.
var ErrNoKeys = errors.New("no saved keys")

// Identity is a username bound to its keypair.
type Identity struct {
	Username string
	Keys     *crypto.KeyPair
}

// keyFile is the on-disk format.
type keyFile struct {
	Version    string            `json:"version"`
	Username   string            `json:"username"`
	PublicKey  crypto.PublicKey  `json:"publicKey"`
	PrivateKey crypto.PrivateKey `json:"privateKey"`
}

// DefaultKeyPath returns ~/.rsachat/<username>_keys.json.
func DefaultKeyPath(username string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, DefaultKeyDir, username+"_keys.json"), nil
}

// New generates a fresh keypair for username.
func New(username string, bits int) (*Identity, error) {
	keys, err := crypto.GenerateKeyPair(nil, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &Identity{Username: username, Keys: keys}, nil
}

// Load reads an identity from keyPath.
func Load(keyPath string) (*Identity, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoKeys
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}

	if !kf.PublicKey.Valid() || !kf.PrivateKey.Valid() {
		return nil, fmt.Errorf("key file %s: %w", keyPath, crypto.ErrInvalidKey)
	}
	if kf.PublicKey.N.Cmp(kf.PrivateKey.N) != 0 {
		return nil, fmt.Errorf("key file %s: public and private modulus differ", keyPath)
	}

	return &Identity{
		Username: kf.Username,
		Keys: &crypto.KeyPair{
			Public:  kf.PublicKey,
			Private: kf.PrivateKey,
		},
	}, nil
}

// Save writes the identity as JSON with 0600 permissions.
func (id *Identity) Save(keyPath string) error {
	if id.Keys == nil {
		return crypto.ErrInvalidKey
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(keyFile{
		Version:    FileVersion,
		Username:   id.Username,
		PublicKey:  id.Keys.Public,
		PrivateKey: id.Keys.Private,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// LoadOrCreate returns the saved identity at keyPath, or a freshly generated
// one that has not been saved yet. created reports which case applied.
func LoadOrCreate(keyPath, username string, bits int) (id *Identity, created bool, err error) {
	id, err = Load(keyPath)
	if err == nil {
		if id.Username == "" {
			id.Username = username
		}
		return id, false, nil
	}
	if !errors.Is(err, ErrNoKeys) {
		return nil, false, err
	}

	id, err = New(username, bits)
	if err != nil {
		return nil, false, err
	}
	return id, true, nil
}
