package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/opsboard/realtime/src/types"
)

// DialFunc opens a raw WebSocket to the given endpoint. The default
// implementation is Dial; tests substitute their own.
type DialFunc func(ctx context.Context, endpoint string) (types.Socket, error)

// Dial connects to a realtime endpoint using the default dialer.
func Dial(ctx context.Context, endpoint string) (types.Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Transport owns one socket for the lifetime of one connection attempt.
// It streams inbound frames and a single close reason; Send on a closed
// transport is a logged no-op so callers never crash on a transient drop.
type Transport struct {
	sock   types.Socket
	frames chan []byte
	closed chan error
	quit   chan struct{}

	mu        sync.Mutex
	down      bool
	closeOnce sync.Once
	logger    zerolog.Logger
}

// New wraps an established socket and starts its read pump.
func New(sock types.Socket, logger zerolog.Logger) *Transport {
	t := &Transport{
		sock:   sock,
		frames: make(chan []byte, 64),
		closed: make(chan error, 1),
		quit:   make(chan struct{}),
		logger: logger.With().Str("component", "transport").Logger(),
	}
	go t.readPump()
	return t
}

// Frames streams inbound raw frames in arrival order.
func (t *Transport) Frames() <-chan []byte { return t.frames }

// Closed delivers the close reason exactly once when the socket dies.
func (t *Transport) Closed() <-chan error { return t.closed }

// Send serializes and writes an envelope. If the transport is no longer
// open the envelope is dropped with a warning.
func (t *Transport) Send(env types.Envelope) {
	t.mu.Lock()
	down := t.down
	t.mu.Unlock()
	if down {
		t.logger.Warn().Str("type", env.Type).Msg("send on closed transport, dropping")
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.logger.Warn().Err(err).Str("type", env.Type).Msg("failed to encode envelope")
		return
	}
	if err := t.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Warn().Err(err).Str("type", env.Type).Msg("write failed, dropping")
	}
}

// Close tears down the socket. Idempotent; the close reason still arrives
// on Closed via the read pump.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.down = true
		t.mu.Unlock()
		close(t.quit)
		if err := t.sock.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("socket close")
		}
	})
}

func (t *Transport) readPump() {
	for {
		mt, data, err := t.sock.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.down = true
			t.mu.Unlock()
			t.closed <- err
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		select {
		case t.frames <- data:
		case <-t.quit:
			return
		}
	}
}
