// Package client connects to an rsachat server, authenticates with the
// user's RSA keypair and exchanges encrypted, signed messages.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"

	"rsachat/pkg/crypto"
	"rsachat/pkg/protocol"
	"rsachat/pkg/transport"
)

// ErrRejected wraps a refusal reported by the server.
var ErrRejected = errors.New("server rejected request")

// Options configures Dial.
type Options struct {
	// Proxy is an optional SOCKS5 proxy URL.
	Proxy string
}

// Message is a decrypted envelope from the server.
type Message struct {
	Sender string
	Text   string
	Type   string

	// SignatureValid is the server's verdict on the original sender's
	// signature.
	SignatureValid bool

	// ServerSigned reports whether the envelope carries a valid server
	// signature over Text.
	ServerSigned bool
}

type Client struct {
	conn      *protocol.Conn
	public    crypto.PublicKey
	private   *crypto.SealedPrivateKey
	serverKey crypto.PublicKey
	username  string
}

// Dial connects to addr and performs the key exchange.
func Dial(ctx context.Context, addr string, keys *crypto.KeyPair, opts Options) (*Client, error) {
	conn, err := transport.NewDialer(opts.Proxy).Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c, err := New(conn, keys)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New performs the key exchange over an established connection: the
// server's key arrives first, then ours is sent.
func New(conn net.Conn, keys *crypto.KeyPair) (*Client, error) {
	if keys == nil || !keys.Public.Valid() {
		return nil, crypto.ErrInvalidKey
	}
	if !keys.Public.CanSign() {
		return nil, fmt.Errorf("%w: %d-bit modulus cannot sign", crypto.ErrModulusTooSmall, keys.Public.N.BitLen())
	}

	sealed, err := crypto.SealPrivateKey(keys.Private)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    protocol.NewConn(conn),
		public:  keys.Public,
		private: sealed,
	}

	var kx protocol.KeyExchange
	if err := c.conn.Receive(&kx); err != nil {
		return nil, fmt.Errorf("failed to receive server key: %w", err)
	}
	if err := kx.Validate(); err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}
	c.serverKey = crypto.PublicKey{E: kx.E, N: kx.N}

	if err := c.conn.Send(&protocol.KeyExchange{E: keys.Public.E, N: keys.Public.N}); err != nil {
		return nil, fmt.Errorf("failed to send public key: %w", err)
	}

	return c, nil
}

// ServerKey returns the server's public key.
func (c *Client) ServerKey() crypto.PublicKey {
	return c.serverKey
}

// Username returns the logged-in user, or "" before Login succeeds.
func (c *Client) Username() string {
	return c.username
}

// Register asks the server to bind username to our public key. A refusal
// leaves the connection open for another attempt.
func (c *Client) Register(username string) error {
	if err := c.conn.Send(&protocol.AuthRequest{Action: protocol.ActionRegister, Username: username}); err != nil {
		return err
	}

	var st protocol.Status
	if err := c.conn.Receive(&st); err != nil {
		return err
	}
	if st.Status != protocol.StatusSuccess {
		return fmt.Errorf("%w: %s", ErrRejected, st.Message)
	}
	return nil
}

// Login answers the server's challenge with our private key.
func (c *Client) Login(username string) error {
	if err := c.conn.Send(&protocol.AuthRequest{Action: protocol.ActionLogin, Username: username}); err != nil {
		return err
	}

	var ch protocol.Challenge
	if err := c.conn.Receive(&ch); err != nil {
		return err
	}
	if ch.Status != protocol.StatusChallenge || ch.EncryptedChallenge == nil {
		return fmt.Errorf("%w: %s", ErrRejected, ch.Message)
	}

	answer, err := c.private.Decrypt(ch.EncryptedChallenge)
	if err != nil {
		return fmt.Errorf("failed to decrypt challenge: %w", err)
	}

	if err := c.conn.Send(&protocol.ChallengeResponse{ChallengeResponse: answer}); err != nil {
		return err
	}

	var st protocol.Status
	if err := c.conn.Receive(&st); err != nil {
		return err
	}
	if st.Status != protocol.StatusAuthenticated {
		return fmt.Errorf("%w: %s", ErrRejected, st.Message)
	}

	c.username = username
	return nil
}

// Send broadcasts text to every other logged-in connection.
func (c *Client) Send(text string) error {
	return c.send(text, protocol.TypeBroadcast, "")
}

// SendPrivate delivers text to the first connection logged in as target.
func (c *Client) SendPrivate(target, text string) error {
	return c.send(text, protocol.TypePrivate, target)
}

// Quit tells the server we are leaving and closes the connection.
func (c *Client) Quit() error {
	err := c.Send(protocol.QuitCommand)
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Client) send(text, kind, target string) error {
	blocks, err := crypto.EncryptText(text, c.serverKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}

	sig, err := c.private.Sign(text)
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}

	return c.conn.Send(&protocol.Envelope{
		Blocks:    blocks,
		Signature: sig,
		Type:      kind,
		Target:    target,
	})
}

// Receive blocks for the next envelope and decrypts it.
func (c *Client) Receive() (*Message, error) {
	var env protocol.Envelope
	if err := c.conn.Receive(&env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	text, err := c.private.DecryptText(env.Blocks)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message: %w", err)
	}

	kind := env.Type
	if kind == "" {
		kind = protocol.TypeBroadcast
	}

	return &Message{
		Sender:         env.Sender,
		Text:           text,
		Type:           kind,
		SignatureValid: env.SignatureValid,
		ServerSigned:   crypto.Verify(text, env.Signature, c.serverKey),
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
