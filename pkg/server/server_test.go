package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsachat/pkg/auth"
	"rsachat/pkg/client"
	"rsachat/pkg/crypto"
	"rsachat/pkg/events"
	"rsachat/pkg/protocol"
	"rsachat/pkg/store"
)

// 128-bit primes give a modulus large enough for the 128-bit signature
// digest and the challenge range.
const testBits = 128

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) kinds(username string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.Username == username {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type testServer struct {
	*Server
	addr   string
	events *recordingPublisher
	stop   func()
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	keys, err := crypto.GenerateKeyPair(nil, testBits)
	require.NoError(t, err)

	logger := zerolog.Nop()
	rec := &recordingPublisher{}
	srv, err := New(Options{
		Keys:          keys,
		Authenticator: auth.New(store.NewMemoryStore(), auth.WithLogger(logger)),
		Events:        rec,
		Logger:        &logger,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("server did not stop")
			}
		})
	}
	t.Cleanup(stop)

	return &testServer{Server: srv, addr: ln.Addr().String(), events: rec, stop: stop}
}

func (ts *testServer) dial(t *testing.T) *client.Client {
	t.Helper()

	keys, err := crypto.GenerateKeyPair(nil, testBits)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, ts.addr, keys, client.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// join registers username and logs in on the same connection.
func (ts *testServer) join(t *testing.T, username string) *client.Client {
	t.Helper()

	c := ts.dial(t)
	require.NoError(t, c.Register(username))
	require.NoError(t, c.Login(username))
	return c
}

// next reads messages until one satisfies match.
func next(t *testing.T, c *client.Client, match func(*client.Message) bool) *client.Message {
	t.Helper()

	type result struct {
		msg *client.Message
		err error
	}
	results := make(chan result, 1)
	go func() {
		for {
			msg, err := c.Receive()
			if err != nil || match(msg) {
				results <- result{msg, err}
				return
			}
		}
	}()

	select {
	case r := <-results:
		require.NoError(t, r.err)
		return r.msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func notRoster(m *client.Message) bool {
	return !strings.HasPrefix(m.Text, "Connected users: ")
}

func rosterIs(names string) func(*client.Message) bool {
	return func(m *client.Message) bool { return m.Text == "Connected users: "+names }
}

func TestServer_Broadcast(t *testing.T) {
	ts := startServer(t)

	alice := ts.join(t, "alice")
	next(t, alice, rosterIs("alice"))
	bob := ts.join(t, "bob")

	roster := next(t, bob, rosterIs("alice, bob"))
	assert.Equal(t, protocol.SystemSender, roster.Sender)
	assert.Equal(t, protocol.TypeSystem, roster.Type)
	next(t, alice, rosterIs("alice, bob"))

	require.NoError(t, alice.Send("hello"))

	msg := next(t, bob, notRoster)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, protocol.TypeBroadcast, msg.Type)
	assert.True(t, msg.SignatureValid)
	assert.True(t, msg.ServerSigned)

	// The sender never gets its own broadcast: the next thing alice sees is
	// the private message confirmation.
	require.NoError(t, alice.SendPrivate("bob", "ping"))
	confirm := next(t, alice, notRoster)
	assert.Equal(t, "Private message sent to bob: ping", confirm.Text)
}

func TestServer_LongMessage(t *testing.T) {
	ts := startServer(t)

	alice := ts.join(t, "alice")
	bob := ts.join(t, "bob")
	next(t, alice, rosterIs("alice, bob"))

	long := strings.Repeat("multi-block message ✓ ", 20)
	require.NoError(t, alice.Send(long))

	msg := next(t, bob, notRoster)
	assert.Equal(t, long, msg.Text)
	assert.True(t, msg.SignatureValid)
}

func TestServer_Private(t *testing.T) {
	ts := startServer(t)

	alice := ts.join(t, "alice")
	bob := ts.join(t, "bob")
	next(t, alice, rosterIs("alice, bob"))

	require.NoError(t, alice.SendPrivate("bob", "secret"))

	msg := next(t, bob, notRoster)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "(Private from alice): secret", msg.Text)
	assert.Equal(t, protocol.TypePrivate, msg.Type)
	assert.True(t, msg.SignatureValid)

	confirm := next(t, alice, notRoster)
	assert.Equal(t, protocol.TypeSystem, confirm.Type)
	assert.Equal(t, "Private message sent to bob: secret", confirm.Text)
}

func TestServer_PrivateUnknownTarget(t *testing.T) {
	ts := startServer(t)

	alice := ts.join(t, "alice")
	require.NoError(t, alice.SendPrivate("carol", "anyone?"))

	msg := next(t, alice, notRoster)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "User carol not found or not connected", msg.Text)
}

func TestServer_DuplicateRegistrationAllowsRetry(t *testing.T) {
	ts := startServer(t)
	ts.join(t, "alice")

	c := ts.dial(t)
	err := c.Register("alice")
	assert.ErrorIs(t, err, client.ErrRejected)
	assert.Contains(t, err.Error(), "User already exists")

	// The refusal leaves the connection usable.
	require.NoError(t, c.Register("alice2"))
	require.NoError(t, c.Login("alice2"))
	assert.Equal(t, "alice2", c.Username())
}

func TestServer_LoginUnknownUser(t *testing.T) {
	ts := startServer(t)

	c := ts.dial(t)
	err := c.Login("ghost")
	assert.ErrorIs(t, err, client.ErrRejected)
	assert.Contains(t, err.Error(), "User not registered")

	require.NoError(t, c.Register("ghost"))
	require.NoError(t, c.Login("ghost"))
}

func TestServer_LoginWrongKey(t *testing.T) {
	ts := startServer(t)
	ts.join(t, "alice")

	// A different keypair cannot decrypt alice's challenge.
	impostor := ts.dial(t)
	err := impostor.Login("alice")
	assert.ErrorIs(t, err, client.ErrRejected)
	assert.Contains(t, err.Error(), "Challenge response not valid")
	assert.Equal(t, []string{"alice"}, ts.Online())

	err = impostor.Login("alice")
	assert.ErrorIs(t, err, client.ErrRejected, "every attempt gets a fresh challenge and fails again")
}

func TestServer_InvalidActionKeepsConnection(t *testing.T) {
	ts := startServer(t)

	keys, err := crypto.GenerateKeyPair(nil, testBits)
	require.NoError(t, err)

	raw, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	conn := protocol.NewConn(raw)
	defer conn.Close()

	var kx protocol.KeyExchange
	require.NoError(t, conn.Receive(&kx))
	require.NoError(t, conn.Send(&protocol.KeyExchange{E: keys.Public.E, N: keys.Public.N}))

	require.NoError(t, conn.Send(&protocol.AuthRequest{Action: "dance", Username: "alice"}))
	var st protocol.Status
	require.NoError(t, conn.Receive(&st))
	assert.Equal(t, protocol.StatusError, st.Status)
	assert.Equal(t, `Invalid action. Use "register" or "login"`, st.Message)

	require.NoError(t, conn.Send(&protocol.AuthRequest{Action: protocol.ActionRegister, Username: "alice"}))
	require.NoError(t, conn.Receive(&st))
	assert.Equal(t, protocol.StatusSuccess, st.Status)
	assert.Equal(t, "User alice registered successfully! You can now log in.", st.Message)
}

func TestServer_MissingUsernameClosesConnection(t *testing.T) {
	ts := startServer(t)

	c := ts.dial(t)
	err := c.Register("")
	assert.ErrorIs(t, err, client.ErrRejected)
	assert.Contains(t, err.Error(), "Missing username")

	_, err = c.Receive()
	assert.Error(t, err)
}

func TestServer_QuitUpdatesRoster(t *testing.T) {
	ts := startServer(t)

	alice := ts.join(t, "alice")
	bob := ts.join(t, "bob")
	next(t, bob, rosterIs("alice, bob"))

	require.NoError(t, alice.Quit())

	next(t, bob, rosterIs("bob"))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"bob"}, ts.Online())
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		kinds := ts.events.kinds("alice")
		return len(kinds) == 3 && kinds[2] == events.KindLogout
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{events.KindRegister, events.KindLogin, events.KindLogout}, ts.events.kinds("alice"))
}

func TestServer_Shutdown(t *testing.T) {
	ts := startServer(t)
	alice := ts.join(t, "alice")
	next(t, alice, rosterIs("alice"))

	ts.stop()

	_, err := alice.Receive()
	assert.Error(t, err)
}

func TestServer_New_Errors(t *testing.T) {
	keys, err := crypto.GenerateKeyPair(nil, testBits)
	require.NoError(t, err)

	_, err = New(Options{Authenticator: auth.New(nil)})
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)

	_, err = New(Options{Keys: keys})
	assert.Error(t, err)

	small, err := crypto.GenerateKeyPair(nil, 60)
	require.NoError(t, err)
	_, err = New(Options{Keys: small, Authenticator: auth.New(nil)})
	assert.ErrorIs(t, err, crypto.ErrModulusTooSmall)
}

func TestServer_RejectsClientKeyTooSmallToSign(t *testing.T) {
	ts := startServer(t)

	small, err := crypto.GenerateKeyPair(nil, 60)
	require.NoError(t, err)

	raw, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	conn := protocol.NewConn(raw)
	defer conn.Close()

	var kx protocol.KeyExchange
	require.NoError(t, conn.Receive(&kx))
	require.NoError(t, conn.Send(&protocol.KeyExchange{E: small.Public.E, N: small.Public.N}))

	var st protocol.Status
	assert.ErrorIs(t, conn.Receive(&st), protocol.ErrPeerClosed)
}

func TestStatusRouter(t *testing.T) {
	ts := startServer(t)
	ts.join(t, "alice")

	router := ts.StatusRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status            string `json:"status"`
		RegisteredUsers   int    `json:"registeredUsers"`
		ActiveConnections int    `json:"activeConnections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.RegisteredUsers)
	assert.Equal(t, 1, health.ActiveConnections)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/online", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var online struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &online))
	assert.Equal(t, []string{"alice"}, online.Users)
}
