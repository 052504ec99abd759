package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsboard/realtime/src/mux"
	"github.com/opsboard/realtime/src/types"
)

// fakeSocket stands in for a WebSocket: frames pushed to in are read by
// the transport, writes are captured for inspection.
type fakeSocket struct {
	mu     sync.Mutex
	writes [][]byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.in:
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("use of closed connection")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) push(t *testing.T, env types.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	s.in <- data
}

func (s *fakeSocket) written() []types.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Envelope, 0, len(s.writes))
	for _, raw := range s.writes {
		var env types.Envelope
		if json.Unmarshal(raw, &env) == nil {
			out = append(out, env)
		}
	}
	return out
}

func (s *fakeSocket) writtenOfType(eventType string) []types.Envelope {
	var out []types.Envelope
	for _, env := range s.written() {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer hands out fake sockets, or refuses when fail is set.
type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	socks []*fakeSocket
	calls int
}

func (d *fakeDialer) dial(_ context.Context, _ string) (types.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	s := newFakeSocket()
	d.socks = append(d.socks, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.socks) {
		return nil
	}
	return d.socks[i]
}

type staticTokens struct {
	token string
	err   error
	calls atomic.Int32
}

func (s *staticTokens) Fetch(context.Context) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

// stateRecorder captures every transition for edge assertions.
type stateRecorder struct {
	mu     sync.Mutex
	states []types.State
}

func (r *stateRecorder) record(s types.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []types.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.State(nil), r.states...)
}

func testConfig() Config {
	return Config{
		Endpoint:          "ws://dashboard.test/ws",
		HeartbeatInterval: 25 * time.Millisecond,
		RetryDelay:        20 * time.Millisecond,
		MaxRetries:        3,
		DialTimeout:       time.Second,
	}
}

func newTestChannel(t *testing.T, cfg Config, d *fakeDialer, tokens types.TokenSource) (*Channel, *mux.Mux) {
	t.Helper()
	m := mux.New(zerolog.Nop())
	c := New(cfg, d.dial, tokens, m, zerolog.Nop())
	go c.Run()
	t.Cleanup(c.Stop)
	return c, m
}

func validSession() types.SessionContext {
	return types.SessionContext{UserID: "u-1", TenantID: "acme", ProjectID: "checkout"}
}

// connect drives the channel through a full successful handshake and
// returns the live socket.
func connect(t *testing.T, c *Channel, d *fakeDialer, at int) *fakeSocket {
	t.Helper()
	require.Eventually(t, func() bool {
		s := d.socket(at)
		return s != nil && len(s.writtenOfType(types.TypeConnect)) == 1
	}, time.Second, 2*time.Millisecond, "connect envelope not sent")

	sock := d.socket(at)
	sock.push(t, types.Envelope{Type: types.TypeConnected})

	require.Eventually(t, c.IsLive, time.Second, 2*time.Millisecond, "channel did not reach connected")
	return sock
}

func TestConnectHandshake(t *testing.T) {
	d := &fakeDialer{}
	tokens := &staticTokens{token: "tok-1"}
	rec := &stateRecorder{}

	c, _ := newTestChannel(t, testConfig(), d, tokens)
	c.OnStatusChange(rec.record)

	c.Bind(validSession())
	sock := connect(t, c, d, 0)

	hello := sock.writtenOfType(types.TypeConnect)[0]
	assert.Equal(t, "tok-1", hello.Token)
	assert.Equal(t, "acme", hello.TenantID)
	assert.Equal(t, "checkout", hello.ProjectID)

	assert.Equal(t, 0, c.Retries())
	assert.Equal(t, types.StateConnected, c.State())
	assert.Equal(t, []types.State{types.StateConnecting, types.StateConnected}, rec.all(),
		"must pass through connecting, never disconnected -> connected directly")
	assert.EqualValues(t, 1, tokens.calls.Load(), "token consumed exactly once per attempt")
}

func TestHeartbeatWhileConnected(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestChannel(t, testConfig(), d, &staticTokens{token: "tok"})

	c.Bind(validSession())
	sock := connect(t, c, d, 0)

	require.Eventually(t, func() bool {
		return len(sock.writtenOfType(types.TypePing)) >= 2
	}, time.Second, 2*time.Millisecond, "expected periodic pings")

	// Server pongs are absorbed without any state change.
	sock.push(t, types.Envelope{Type: types.TypePong})
	assert.True(t, c.IsLive())
}

func TestReconnectAfterTransportClose(t *testing.T) {
	d := &fakeDialer{}
	rec := &stateRecorder{}
	c, _ := newTestChannel(t, testConfig(), d, &staticTokens{token: "tok"})
	c.OnStatusChange(rec.record)

	c.Bind(validSession())
	sock := connect(t, c, d, 0)

	sock.Close()

	require.Eventually(t, func() bool { return d.dialCount() == 2 }, time.Second, 2*time.Millisecond,
		"expected a scheduled reconnect attempt")
	assert.Equal(t, 1, c.Retries())

	connect(t, c, d, 1)
	assert.Equal(t, 0, c.Retries(), "retry counter resets on successful handshake")

	states := rec.all()
	assert.Contains(t, states, types.StateDisconnected, "close must surface as disconnected before retrying")
	for i := 1; i < len(states); i++ {
		if states[i] == types.StateConnected {
			assert.Equal(t, types.StateConnecting, states[i-1],
				"connected may only follow connecting")
		}
	}
}

func TestRetryExhaustion(t *testing.T) {
	d := &fakeDialer{fail: true}
	cfg := testConfig()
	c, _ := newTestChannel(t, cfg, d, &staticTokens{token: "tok"})

	var notifications atomic.Int32
	c.OnConnectFailed(func() { notifications.Add(1) })

	c.Bind(validSession())

	// Initial attempt plus MaxRetries scheduled retries, then give up.
	want := 1 + cfg.MaxRetries
	require.Eventually(t, func() bool { return d.dialCount() == want }, 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == types.StateDisconnected }, time.Second, 2*time.Millisecond)

	time.Sleep(5 * cfg.RetryDelay)
	assert.Equal(t, want, d.dialCount(), "no attempts after exhaustion")
	assert.EqualValues(t, 1, notifications.Load(), "exactly one failure notification")
}

func TestSessionReturnRestartsAfterExhaustion(t *testing.T) {
	d := &fakeDialer{fail: true}
	cfg := testConfig()
	c, _ := newTestChannel(t, cfg, d, &staticTokens{token: "tok"})

	c.Bind(validSession())
	want := 1 + cfg.MaxRetries
	require.Eventually(t, func() bool { return d.dialCount() == want }, 2*time.Second, 2*time.Millisecond)

	// Session change is the only trigger that revives the channel.
	d.setFail(false)
	c.Bind(types.SessionContext{})
	c.Bind(validSession())

	require.Eventually(t, func() bool { return d.dialCount() == want+1 }, time.Second, 2*time.Millisecond)
	// Sockets exist only for successful dials, so this is socket 0.
	connect(t, c, d, 0)
}

func TestTokenFailureFeedsRetry(t *testing.T) {
	d := &fakeDialer{}
	tokens := &staticTokens{err: errors.New("503 from token endpoint")}
	c, _ := newTestChannel(t, testConfig(), d, tokens)

	c.Bind(validSession())

	require.Eventually(t, func() bool { return tokens.calls.Load() >= 2 }, time.Second, 2*time.Millisecond,
		"token failure must schedule another attempt")
	assert.Zero(t, d.dialCount(), "no dial without a token")
	assert.False(t, c.IsLive())
}

func TestLogoutCancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{fail: true}
	cfg := testConfig()
	c, _ := newTestChannel(t, cfg, d, &staticTokens{token: "tok"})

	c.Bind(validSession())
	require.Eventually(t, func() bool { return d.dialCount() >= 1 }, time.Second, 2*time.Millisecond)

	c.Bind(types.SessionContext{})
	require.Eventually(t, func() bool { return c.State() == types.StateDisconnected }, time.Second, 2*time.Millisecond)

	settled := d.dialCount()
	time.Sleep(5 * cfg.RetryDelay)
	assert.Equal(t, settled, d.dialCount(), "pending retry must be canceled on logout")
}

func TestSessionChangeWhileConnectedIsSkipped(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestChannel(t, testConfig(), d, &staticTokens{token: "tok"})

	c.Bind(validSession())
	connect(t, c, d, 0)

	next := validSession()
	next.ProjectID = "billing"
	c.Bind(next)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "no reconnect while already connected")
	assert.True(t, c.IsLive())
}

func TestFrameDispatchAndMalformedFrames(t *testing.T) {
	d := &fakeDialer{}
	c, m := newTestChannel(t, testConfig(), d, &staticTokens{token: "tok"})

	var got []types.Envelope
	var mu sync.Mutex
	m.Subscribe("incident.updated", func(env types.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
	})

	c.Bind(validSession())
	sock := connect(t, c, d, 0)

	sock.in <- []byte(`{"type": not json`)
	sock.push(t, types.Envelope{Type: "incident.updated", Data: map[string]any{"id": "abc"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "abc", got[0].Data["id"])
	mu.Unlock()
	assert.True(t, c.IsLive(), "malformed frame must not drop the connection")
	assert.False(t, c.LastReceived().IsZero())
}

func TestControlFramesNotDispatchedToOtherSubscribers(t *testing.T) {
	d := &fakeDialer{}
	c, m := newTestChannel(t, testConfig(), d, &staticTokens{token: "tok"})

	var domain, pongs atomic.Int32
	m.Subscribe("incident.created", func(types.Envelope) { domain.Add(1) })
	m.Subscribe(types.TypePong, func(types.Envelope) { pongs.Add(1) })

	c.Bind(validSession())
	sock := connect(t, c, d, 0)

	sock.push(t, types.Envelope{Type: types.TypePong})
	sock.push(t, types.Envelope{Type: "incident.created"})

	require.Eventually(t, func() bool { return domain.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.EqualValues(t, 1, pongs.Load(), "explicit pong subscription still works")
}

func TestSendOnlyWhenConnected(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestChannel(t, testConfig(), d, &staticTokens{token: "tok"})

	// Not connected: dropped with a warning, never a panic.
	c.Send(types.Envelope{Type: "ack.request"})

	c.Bind(validSession())
	sock := connect(t, c, d, 0)

	c.Send(types.Envelope{Type: "ack.request", CorrelationID: "c-1"})
	require.Eventually(t, func() bool {
		return len(sock.writtenOfType("ack.request")) == 1
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, "c-1", sock.writtenOfType("ack.request")[0].CorrelationID)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("wss://ops.example.com/ws")
	assert.Equal(t, "wss://ops.example.com/ws", cfg.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 10, cfg.MaxRetries)
}
