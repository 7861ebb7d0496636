// Package auth implements passwordless registration and RSA
// challenge-response login.
//
// A user registers by presenting a username and public key. To log in, the
// server encrypts a random number under the registered key; only the holder
// of the matching private key can return the plaintext.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"rsachat/pkg/crypto"
	"rsachat/pkg/logging"
	"rsachat/pkg/store"
)

// DefaultSessionTimeout is how long a login stays valid.
const DefaultSessionTimeout = time.Hour

var (
	// ChallengeMin and ChallengeMax bound the challenge value, inclusive.
	ChallengeMin = big.NewInt(10_000_000_000)
	ChallengeMax = big.NewInt(1_000_000_000_000_000)
)

var (
	// ErrUnknownUser is returned when a challenge is requested for a name
	// nobody registered.
	ErrUnknownUser = errors.New("user not registered")
	// ErrChallengeFailed wraps a failure to draw or encrypt a challenge.
	ErrChallengeFailed = errors.New("challenge generation failed")
	// ErrNoPendingRequest is returned when a response arrives with no
	// challenge outstanding. A challenge is consumed by its first answer.
	ErrNoPendingRequest = errors.New("no pending challenge")
	// ErrWrongAnswer is returned when the answer does not match the challenge.
	ErrWrongAnswer = errors.New("challenge response not valid")
)

// Challenge is an issued login challenge. Value is the plaintext the
// client must return; it is never sent over the wire.
type Challenge struct {
	Username  string
	Value     *big.Int
	Encrypted *big.Int
}

// Authenticator owns the user and session registries.
type Authenticator struct {
	users    *UserRegistry
	sessions *SessionRegistry
	store    store.Store
	random   io.Reader
	log      zerolog.Logger
}

type options struct {
	timeout time.Duration
	now     func() time.Time
	random  io.Reader
	logger  *zerolog.Logger
}

// Option configures an Authenticator.
type Option func(*options)

// WithSessionTimeout sets how long a login stays valid. The default is
// DefaultSessionTimeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithClock replaces time.Now for session bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRandom replaces crypto/rand as the challenge source.
func WithRandom(r io.Reader) Option {
	return func(o *options) { o.random = r }
}

// WithLogger replaces the "auth" component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// New creates an Authenticator persisting registrations to st. A nil store
// keeps registrations in memory.
func New(st store.Store, opts ...Option) *Authenticator {
	o := options{timeout: DefaultSessionTimeout, now: time.Now, random: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}
	if st == nil {
		st = store.NewMemoryStore()
	}

	logger := logging.Component("auth")
	if o.logger != nil {
		logger = *o.logger
	}

	return &Authenticator{
		users:    NewUserRegistry(),
		sessions: NewSessionRegistry(o.timeout, o.now),
		store:    st,
		random:   o.random,
		log:      logger,
	}
}

// Load merges the persisted registrations into memory.
func (a *Authenticator) Load(ctx context.Context) error {
	users, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	a.users.merge(users)
	a.log.Info().Int("users", a.users.Len()).Msg("User registry loaded")
	return nil
}

// Register adds username with pub. It returns false if the name is empty,
// the key is unusable or the name is already taken. A failed save is logged
// and the registration stands.
func (a *Authenticator) Register(ctx context.Context, username string, pub crypto.PublicKey) bool {
	if username == "" || !pub.Valid() {
		return false
	}

	if !a.users.Add(username, pub) {
		return false
	}

	// Stores only add users, so snapshots racing each other lose nothing.
	if err := a.store.Save(ctx, a.users.Snapshot()); err != nil {
		a.log.Error().Err(err).Str("user", username).Msg("Failed to persist registration")
	}

	a.log.Info().Str("user", username).Msg("User registered")
	return true
}

// UserExists reports whether username is registered.
func (a *Authenticator) UserExists(username string) bool {
	return a.users.Exists(username)
}

// PublicKey returns the registered key for username.
func (a *Authenticator) PublicKey(username string) (crypto.PublicKey, bool) {
	return a.users.Get(username)
}

// UserCount returns the number of registered users.
func (a *Authenticator) UserCount() int {
	return a.users.Len()
}

// IssueChallenge draws a value uniformly from [ChallengeMin, ChallengeMax]
// and encrypts it under the user's registered key.
func (a *Authenticator) IssueChallenge(username string) (*Challenge, error) {
	pub, ok := a.users.Get(username)
	if !ok {
		return nil, ErrUnknownUser
	}

	span := new(big.Int).Sub(ChallengeMax, ChallengeMin)
	span.Add(span, big.NewInt(1))

	value, err := rand.Int(a.random, span)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeFailed, err)
	}
	value.Add(value, ChallengeMin)

	encrypted, err := crypto.Encrypt(value, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeFailed, err)
	}

	return &Challenge{Username: username, Value: value, Encrypted: encrypted}, nil
}

// VerifyChallengeResponse compares response with the original value and
// opens a session on a match.
func (a *Authenticator) VerifyChallengeResponse(username string, original, response *big.Int) bool {
	if original == nil || response == nil || original.Cmp(response) != 0 {
		a.log.Warn().Str("user", username).Msg("Challenge response mismatch")
		return false
	}

	a.sessions.Refresh(username)
	return true
}

// IsAuthenticated reports whether username has an unexpired session.
func (a *Authenticator) IsAuthenticated(username string) bool {
	return a.sessions.Active(username)
}

// Logout ends the session for username. Unknown users are ignored.
func (a *Authenticator) Logout(username string) {
	a.sessions.Delete(username)
}

// Sign signs message with priv.
func (a *Authenticator) Sign(message string, priv crypto.PrivateKey) (*big.Int, error) {
	return crypto.Sign(message, priv)
}

// Verify checks signature over message against pub.
func (a *Authenticator) Verify(message string, signature *big.Int, pub crypto.PublicKey) bool {
	return crypto.Verify(message, signature, pub)
}
