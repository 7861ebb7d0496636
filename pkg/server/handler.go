package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rsachat/pkg/auth"
	"rsachat/pkg/crypto"
	"rsachat/pkg/events"
	"rsachat/pkg/protocol"
)

type state int

const (
	stateConnected state = iota
	stateKeysExchanged
	stateAuthenticating
	stateAuthenticated
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateKeysExchanged:
		return "keys-exchanged"
	case stateAuthenticating:
		return "authenticating"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	errInvalidClientKey = errors.New("client sent an unusable public key")
	errOutboxFull       = errors.New("outbound queue full")
	errHandlerClosed    = errors.New("connection closed")
)

// outbound is one envelope waiting for the connection's writer.
type outbound struct {
	sender         string
	text           string
	kind           string
	signatureValid bool
}

// handler drives one connection from key exchange to close.
type handler struct {
	id        uuid.UUID
	srv       *Server
	conn      *protocol.Conn
	log       zerolog.Logger
	state     state
	clientKey crypto.PublicKey
	pending   auth.PendingChallenge

	// username is written once before the handler joins the active set.
	username string

	outbox    chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newHandler(srv *Server, conn *protocol.Conn) *handler {
	id := uuid.New()
	return &handler{
		id:     id,
		srv:    srv,
		conn:   conn,
		outbox: make(chan outbound, srv.outboxSize),
		done:   make(chan struct{}),
		log: srv.log.With().
			Str("conn", id.String()).
			Str("remote", conn.RemoteAddr()).
			Logger(),
	}
}

func (h *handler) ID() uuid.UUID    { return h.id }
func (h *handler) Username() string { return h.username }

// Deliver queues text for the writer without blocking. A full queue means
// the peer has stopped reading and is reported as a failed delivery.
func (h *handler) Deliver(sender, text, kind string, signatureValid bool) error {
	select {
	case <-h.done:
		return errHandlerClosed
	default:
	}

	select {
	case h.outbox <- outbound{sender: sender, text: text, kind: kind, signatureValid: signatureValid}:
		return nil
	default:
		return errOutboxFull
	}
}

// startWriter launches the goroutine that owns all envelope writes to
// this connection. Envelopes queued before it starts wait in the outbox.
func (h *handler) startWriter() {
	h.srv.wg.Add(1)
	go func() {
		defer h.srv.wg.Done()
		h.writeLoop()
	}()
}

func (h *handler) writeLoop() {
	for {
		select {
		case <-h.done:
			return
		case m := <-h.outbox:
			if err := h.write(m); err != nil {
				h.log.Warn().Err(err).Msg("Write failed, closing connection")
				h.Close()
				return
			}
		}
	}
}

// write encrypts m under the client's key, signs it with the server key
// and sends it.
func (h *handler) write(m outbound) error {
	blocks, err := crypto.EncryptText(m.text, h.clientKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt for %s: %w", h.username, err)
	}

	sig, err := h.srv.key.Sign(m.text)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	return h.conn.Send(&protocol.Envelope{
		Blocks:         blocks,
		Signature:      sig,
		Sender:         m.sender,
		SignatureValid: m.signatureValid,
		Type:           m.kind,
	})
}

func (h *handler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.conn.Close()
	})
	return err
}

func (h *handler) serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("Handler panicked")
		}
		h.cleanup(ctx)
	}()

	h.log.Info().Msg("New connection")

	if err := h.exchangeKeys(); err != nil {
		h.log.Warn().Err(err).Msg("Key exchange failed")
		return
	}

	if !h.authenticate(ctx) {
		h.log.Info().Str("state", h.state.String()).Msg("Authentication ended without login")
		return
	}

	h.log = h.log.With().Str("user", h.username).Logger()
	h.log.Info().Int("active", h.srv.active.Len()).Msg("Authenticated")
	h.srv.publish(ctx, events.KindLogin, h.username, h)
	h.srv.router.Submit(ctx, Delivery{Kind: DeliverRoster})

	if err := h.chat(ctx); err != nil && !errors.Is(err, protocol.ErrPeerClosed) {
		h.log.Warn().Err(err).Msg("Chat ended with error")
	}
}

func (h *handler) exchangeKeys() error {
	if err := h.conn.Send(&protocol.KeyExchange{E: h.srv.pub.E, N: h.srv.pub.N}); err != nil {
		return fmt.Errorf("failed to send server key: %w", err)
	}

	var kx protocol.KeyExchange
	if err := h.conn.Receive(&kx); err != nil {
		return fmt.Errorf("failed to receive client key: %w", err)
	}
	if err := kx.Validate(); err != nil {
		return err
	}

	h.clientKey = crypto.PublicKey{E: kx.E, N: kx.N}
	if !h.clientKey.CanSign() {
		return errInvalidClientKey
	}

	h.state = stateKeysExchanged
	h.log.Debug().Int("bits", kx.N.BitLen()).Msg("Client public key received")
	return nil
}

// authenticate runs the register/login loop. It returns true once the
// connection has joined the active set. Refusals are reported to the peer
// and the loop continues; missing fields and transport errors end it.
func (h *handler) authenticate(ctx context.Context) bool {
	h.state = stateAuthenticating

	for {
		var req protocol.AuthRequest
		if err := h.conn.Receive(&req); err != nil {
			if !errors.Is(err, protocol.ErrPeerClosed) {
				h.log.Warn().Err(err).Msg("Bad authentication request")
			}
			return false
		}

		var err error
		switch req.Action {
		case protocol.ActionRegister:
			err = h.register(ctx, req)
		case protocol.ActionLogin:
			var ok bool
			if ok, err = h.login(req); ok {
				return true
			}
		default:
			err = h.reply(protocol.StatusError, `Invalid action. Use "register" or "login"`)
		}

		if err != nil {
			h.log.Info().Err(err).Str("action", req.Action).Msg("Authentication aborted")
			return false
		}
	}
}

func (h *handler) register(ctx context.Context, req protocol.AuthRequest) error {
	if err := req.Validate(); err != nil {
		h.reply(protocol.StatusError, "Missing username")
		return err
	}

	if !h.srv.auth.Register(ctx, req.Username, h.clientKey) {
		h.log.Info().Str("user", req.Username).Msg("Registration refused")
		return h.reply(protocol.StatusError, "User already exists")
	}

	h.srv.publish(ctx, events.KindRegister, req.Username, h)
	return h.reply(protocol.StatusSuccess,
		fmt.Sprintf("User %s registered successfully! You can now log in.", req.Username))
}

// login runs one challenge round. ok is true once the connection has
// joined the active set.
func (h *handler) login(req protocol.AuthRequest) (ok bool, err error) {
	if err := req.Validate(); err != nil {
		h.reply(protocol.StatusError, "Missing username")
		return false, err
	}

	if !h.srv.auth.UserExists(req.Username) {
		return false, h.reply(protocol.StatusError, "User not registered")
	}

	ch, err := h.srv.auth.IssueChallenge(req.Username)
	if err != nil {
		h.log.Error().Err(err).Str("user", req.Username).Msg("Challenge generation failed")
		return false, h.reply(protocol.StatusError, "Challenge generation failed")
	}
	h.pending.Set(ch)

	if err := h.conn.Send(protocol.NewChallenge(ch.Encrypted)); err != nil {
		return false, err
	}

	var resp protocol.ChallengeResponse
	if err := h.conn.Receive(&resp); err != nil {
		return false, err
	}
	if resp.ChallengeResponse == nil {
		h.reply(protocol.StatusError, "Missing challenge response")
		return false, fmt.Errorf("challenge response: %w", protocol.ErrMissingField)
	}

	username, err := h.pending.Answer(h.srv.auth, resp.ChallengeResponse)
	if err != nil || !h.srv.auth.IsAuthenticated(username) {
		h.log.Info().Err(err).Str("user", req.Username).Msg("Login refused")
		return false, h.reply(protocol.StatusError, "Challenge response not valid")
	}

	h.username = username
	h.state = stateAuthenticated
	h.srv.active.Add(h)

	if err := h.reply(protocol.StatusAuthenticated,
		fmt.Sprintf("Welcome %s! Authentication complete.", username)); err != nil {
		return false, err
	}
	h.startWriter()
	return true, nil
}

func (h *handler) reply(status, message string) error {
	if err := h.conn.Send(protocol.NewStatus(status, message)); err != nil {
		return fmt.Errorf("failed to send status: %w", err)
	}
	return nil
}

// chat receives on a separate goroutine so shutdown can interrupt it.
func (h *handler) chat(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.receiveLoop(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		h.Close()
		<-errCh
		return nil
	}
}

func (h *handler) receiveLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("receive loop panic: %v", r)
		}
	}()

	for {
		var env protocol.Envelope
		if err := h.conn.Receive(&env); err != nil {
			return err
		}
		if err := env.Validate(); err != nil {
			return fmt.Errorf("bad envelope: %w", err)
		}

		text, err := h.srv.key.DecryptText(env.Blocks)
		if err != nil {
			return fmt.Errorf("failed to decrypt message: %w", err)
		}

		signatureValid := env.Signature != nil && h.srv.auth.Verify(text, env.Signature, h.clientKey)

		if strings.EqualFold(text, protocol.QuitCommand) {
			h.log.Info().Msg("Left the chat")
			return nil
		}

		d := Delivery{
			Kind:           DeliverBroadcast,
			From:           h.id,
			Sender:         h.username,
			Text:           text,
			SignatureValid: signatureValid,
		}
		if env.IsPrivate() {
			d.Kind = DeliverPrivate
			d.Target = env.Target
		}

		if !h.srv.router.Submit(ctx, d) {
			return nil
		}
	}
}

func (h *handler) cleanup(ctx context.Context) {
	wasAuthenticated := h.state == stateAuthenticated
	h.state = stateClosed

	if wasAuthenticated {
		h.srv.auth.Logout(h.username)
		h.srv.active.Remove(h.id)
		h.srv.router.Submit(ctx, Delivery{Kind: DeliverRoster})
		h.srv.publish(context.WithoutCancel(ctx), events.KindLogout, h.username, h)
	}

	h.Close()
	h.srv.forget(h.id)

	h.log.Info().Msg("Connection closed")
}
