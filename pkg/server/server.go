// Package server accepts chat connections, authenticates them and routes
// encrypted messages between logged-in users.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rsachat/pkg/auth"
	"rsachat/pkg/crypto"
	"rsachat/pkg/events"
	"rsachat/pkg/logging"
	"rsachat/pkg/protocol"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "localhost:12345"
	// DefaultOutboxSize bounds the envelopes queued for one connection.
	DefaultOutboxSize = 256
)

// Options configures a Server. Keys and Authenticator are required.
type Options struct {
	Addr          string
	Keys          *crypto.KeyPair
	Authenticator *auth.Authenticator
	Events        events.Publisher
	Logger        *zerolog.Logger

	// OutboxSize is the per-connection outbound queue length. A connection
	// whose queue fills is dropped. Zero means DefaultOutboxSize.
	OutboxSize int
}

type Server struct {
	addr   string
	key    *crypto.SealedPrivateKey
	pub    crypto.PublicKey
	auth   *auth.Authenticator
	active *ActiveSet
	router *Router
	events events.Publisher
	log    zerolog.Logger

	outboxSize int

	mu       sync.Mutex
	ln       net.Listener
	handlers map[uuid.UUID]*handler
	wg       sync.WaitGroup
}

// New seals the server's private key and wires the components together.
func New(opts Options) (*Server, error) {
	if opts.Keys == nil || !opts.Keys.Public.Valid() {
		return nil, fmt.Errorf("server keys: %w", crypto.ErrInvalidKey)
	}
	if !opts.Keys.Public.CanSign() {
		return nil, fmt.Errorf("server keys: %w: %d-bit modulus cannot sign %d-bit digests",
			crypto.ErrModulusTooSmall, opts.Keys.Public.N.BitLen(), crypto.DigestBits)
	}
	if opts.Authenticator == nil {
		return nil, errors.New("server requires an authenticator")
	}

	sealed, err := crypto.SealPrivateKey(opts.Keys.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to seal server key: %w", err)
	}

	logger := logging.Component("server")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	var pub events.Publisher = events.Nop{}
	if opts.Events != nil {
		pub = opts.Events
	}

	outbox := opts.OutboxSize
	if outbox <= 0 {
		outbox = DefaultOutboxSize
	}

	active := NewActiveSet()
	return &Server{
		addr:     addr,
		key:      sealed,
		pub:      opts.Keys.Public,
		auth:     opts.Authenticator,
		active:   active,
		router:   NewRouter(active, logger.With().Str("component", "router").Logger()),
		events:   pub,
		log:      logger,
		handlers: make(map[uuid.UUID]*handler),

		outboxSize: outbox,
	}, nil
}

// PublicKey returns the key clients encrypt to.
func (s *Server) PublicKey() crypto.PublicKey {
	return s.pub
}

// Online lists the usernames of active connections in join order.
func (s *Server) Online() []string {
	return s.active.Usernames()
}

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Close is
// called, then closes every live connection and waits for its handler.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	routerDone := make(chan struct{})
	go func() {
		s.router.Run(ctx)
		close(routerDone)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Int("modulus_bits", s.pub.N.BitLen()).Msg("Server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn().Err(err).Msg("Accept error")
			continue
		}

		h := newHandler(s, protocol.NewConn(conn))
		s.track(h)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h.serve(ctx)
		}()
	}

	cancel()
	s.closeHandlers()
	s.wg.Wait()
	<-routerDone

	s.log.Info().Msg("Server stopped")
	return nil
}

// Close stops the listener; Serve then shuts down the remaining handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) track(h *handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[h.id] = h
}

func (s *Server) forget(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
}

func (s *Server) closeHandlers() {
	s.mu.Lock()
	handlers := make([]*handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h.Close()
	}
}

func (s *Server) publish(ctx context.Context, kind, username string, h *handler) {
	ev := events.Event{
		Kind:     kind,
		Username: username,
		ConnID:   h.id.String(),
		Remote:   h.conn.RemoteAddr(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Str("user", username).Msg("Failed to publish session event")
	}
}
