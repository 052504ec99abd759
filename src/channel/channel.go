package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsboard/realtime/src/mux"
	"github.com/opsboard/realtime/src/transport"
	"github.com/opsboard/realtime/src/types"
)

// Config controls connection lifecycle timing and the retry policy.
type Config struct {
	Endpoint          string
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	MaxRetries        int
	DialTimeout       time.Duration
}

// DefaultConfig returns the reference timing parameters.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:          endpoint,
		HeartbeatInterval: 30 * time.Second,
		RetryDelay:        5 * time.Second,
		MaxRetries:        10,
		DialTimeout:       10 * time.Second,
	}
}

// dialResult carries the outcome of one asynchronous connection attempt.
// gen ties it to the attempt that started it so stale results are ignored.
type dialResult struct {
	gen   uint64
	sock  types.Socket
	token string
	err   error
}

// Channel is the single logical realtime connection for a session. It owns
// the connection state machine, the handshake, the heartbeat, and the retry
// policy, and feeds decoded envelopes into the multiplexer. All state is
// mutated from one event loop goroutine; see Run.
type Channel struct {
	cfg    Config
	dial   transport.DialFunc
	tokens types.TokenSource
	mux    *mux.Mux
	logger zerolog.Logger

	bind     chan types.SessionContext
	outbound chan types.Envelope
	results  chan dialResult
	stop     chan struct{}
	stopOnce sync.Once

	state    atomic.Int32
	retries  atomic.Int32
	lastRecv atomic.Int64

	cbMu      sync.RWMutex
	statusCbs []func(types.State)
	failCbs   []func()

	// loop-owned state, never touched outside the event loop
	session    types.SessionContext
	tr         *transport.Transport
	gen        uint64
	retryTimer *time.Timer
	heartbeat  *time.Ticker
	exhausted  bool
}

// New creates a channel. Pass transport.Dial as the dialer for real use.
func New(cfg Config, dial transport.DialFunc, tokens types.TokenSource, m *mux.Mux, logger zerolog.Logger) *Channel {
	return &Channel{
		cfg:      cfg,
		dial:     dial,
		tokens:   tokens,
		mux:      m,
		logger:   logger.With().Str("component", "channel").Logger(),
		bind:     make(chan types.SessionContext, 4),
		outbound: make(chan types.Envelope, 16),
		results:  make(chan dialResult, 4),
		stop:     make(chan struct{}),
	}
}

// Run starts the channel event loop. Call in a goroutine.
func (c *Channel) Run() {
	for {
		var frames <-chan []byte
		var closed <-chan error
		if c.tr != nil {
			frames = c.tr.Frames()
			closed = c.tr.Closed()
		}
		var retryC <-chan time.Time
		if c.retryTimer != nil {
			retryC = c.retryTimer.C
		}
		var heartbeat <-chan time.Time
		if c.heartbeat != nil {
			heartbeat = c.heartbeat.C
		}

		select {
		case sess := <-c.bind:
			c.onSession(sess)
		case res := <-c.results:
			c.onDialResult(res)
		case raw := <-frames:
			c.onFrame(raw)
		case err := <-closed:
			c.onClosed(err)
		case <-retryC:
			c.onRetry()
		case <-heartbeat:
			c.tr.Send(types.Envelope{Type: types.TypePing})
		case env := <-c.outbound:
			c.onSend(env)
		case <-c.stop:
			c.teardownLink()
			c.setState(types.StateDisconnected)
			return
		}
	}
}

// Stop halts the event loop and tears down any live connection.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Bind delivers a session context update to the channel. A valid context
// triggers a connect cycle; an invalid one disconnects and cancels any
// pending retry.
func (c *Channel) Bind(sess types.SessionContext) {
	select {
	case c.bind <- sess:
	case <-c.stop:
	}
}

// Send queues an envelope for the server. Dropped with a warning when the
// channel is not connected.
func (c *Channel) Send(env types.Envelope) {
	select {
	case c.outbound <- env:
	default:
		c.logger.Warn().Str("type", env.Type).Msg("outbound buffer full, dropping")
	}
}

// State returns the current connection state.
func (c *Channel) State() types.State { return types.State(c.state.Load()) }

// IsLive reports whether the channel is connected and usable.
func (c *Channel) IsLive() bool { return c.State() == types.StateConnected }

// Retries returns the current reconnection campaign's attempt count.
func (c *Channel) Retries() int { return int(c.retries.Load()) }

// LastReceived returns the arrival time of the most recent inbound frame.
func (c *Channel) LastReceived() time.Time {
	ns := c.lastRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// OnStatusChange registers a callback invoked on every state transition.
func (c *Channel) OnStatusChange(cb func(types.State)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.statusCbs = append(c.statusCbs, cb)
}

// OnConnectFailed registers a callback invoked once when the retry ceiling
// is reached. The channel stays disconnected until the session changes.
func (c *Channel) OnConnectFailed(cb func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.failCbs = append(c.failCbs, cb)
}

func (c *Channel) onSession(sess types.SessionContext) {
	c.session = sess

	if !sess.Valid() {
		c.logger.Info().Msg("session context cleared, disconnecting")
		c.teardownLink()
		c.setState(types.StateDisconnected)
		return
	}

	switch c.State() {
	case types.StateConnected, types.StateConnecting:
		return
	}

	c.cancelRetry()
	c.exhausted = false
	c.retries.Store(0)
	c.startAttempt()
}

func (c *Channel) startAttempt() {
	c.setState(types.StateConnecting)
	c.gen++
	go c.attempt(c.gen, c.cfg.Endpoint)
}

// attempt fetches a token and dials; both steps are off the event loop so
// other work proceeds while they are pending.
func (c *Channel) attempt(gen uint64, endpoint string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	tok, err := c.tokens.Fetch(ctx)
	if err != nil {
		c.deliver(dialResult{gen: gen, err: fmt.Errorf("token fetch: %w", err)})
		return
	}
	sock, err := c.dial(ctx, endpoint)
	if err != nil {
		c.deliver(dialResult{gen: gen, err: fmt.Errorf("dial: %w", err)})
		return
	}
	c.deliver(dialResult{gen: gen, sock: sock, token: tok})
}

func (c *Channel) deliver(res dialResult) {
	select {
	case c.results <- res:
	case <-c.stop:
		if res.sock != nil {
			res.sock.Close()
		}
	}
}

func (c *Channel) onDialResult(res dialResult) {
	if res.gen != c.gen || c.State() != types.StateConnecting {
		// stale attempt; the session changed or a newer attempt superseded it
		if res.sock != nil {
			res.sock.Close()
		}
		return
	}

	if res.err != nil {
		c.logger.Warn().Err(res.err).Msg("connection attempt failed")
		c.setState(types.StateError)
		c.scheduleRetry()
		return
	}

	c.tr = transport.New(res.sock, c.logger)
	c.tr.Send(types.Envelope{
		Type:      types.TypeConnect,
		Token:     res.token,
		TenantID:  c.session.TenantID,
		ProjectID: c.session.ProjectID,
	})
}

func (c *Channel) onFrame(raw []byte) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn().Err(err).Msg("dropping undecodable frame")
		return
	}
	c.lastRecv.Store(time.Now().UnixNano())

	switch env.Type {
	case types.TypeConnected:
		if c.State() == types.StateConnecting {
			c.retries.Store(0)
			c.setState(types.StateConnected)
			c.startHeartbeat()
			c.logger.Info().Msg("channel connected")
		}
	case types.TypePong:
		// keepalive only; the timestamp above is the bookkeeping
	}

	if c.State() != types.StateConnected {
		c.logger.Debug().Str("type", env.Type).Msg("frame before handshake completion, dropping")
		return
	}
	c.mux.Publish(env)
}

func (c *Channel) onClosed(err error) {
	c.tr = nil
	c.stopHeartbeat()

	switch c.State() {
	case types.StateConnected:
		c.logger.Warn().Err(err).Msg("transport closed")
		c.setState(types.StateDisconnected)
		c.scheduleRetry()
	case types.StateConnecting:
		c.logger.Warn().Err(err).Msg("transport closed during handshake")
		c.setState(types.StateError)
		c.scheduleRetry()
	}
}

func (c *Channel) onRetry() {
	c.retryTimer = nil
	c.retries.Add(1)
	c.startAttempt()
}

func (c *Channel) onSend(env types.Envelope) {
	if c.State() != types.StateConnected || c.tr == nil {
		c.logger.Warn().Str("type", env.Type).Msg("send while not connected, dropping")
		return
	}
	c.tr.Send(env)
}

func (c *Channel) scheduleRetry() {
	if c.exhausted {
		return
	}
	if int(c.retries.Load()) >= c.cfg.MaxRetries {
		c.exhausted = true
		c.setState(types.StateDisconnected)
		c.logger.Error().
			Int("retries", c.cfg.MaxRetries).
			Msg("failed to connect, giving up until session changes")
		c.cbMu.RLock()
		cbs := make([]func(), len(c.failCbs))
		copy(cbs, c.failCbs)
		c.cbMu.RUnlock()
		for _, cb := range cbs {
			cb()
		}
		return
	}
	c.cancelRetry()
	c.retryTimer = time.NewTimer(c.cfg.RetryDelay)
}

func (c *Channel) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Channel) startHeartbeat() {
	c.stopHeartbeat()
	c.heartbeat = time.NewTicker(c.cfg.HeartbeatInterval)
}

func (c *Channel) stopHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

// teardownLink deterministically releases the transport, any in-flight
// attempt, and all timers.
func (c *Channel) teardownLink() {
	c.gen++ // invalidate in-flight attempts
	c.cancelRetry()
	c.stopHeartbeat()
	c.exhausted = false
	c.retries.Store(0)
	if c.tr != nil {
		c.tr.Close()
		c.tr = nil
	}
}

func (c *Channel) setState(s types.State) {
	prev := types.State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Debug().
		Str("from", prev.String()).
		Str("to", s.String()).
		Msg("state change")

	c.cbMu.RLock()
	cbs := make([]func(types.State), len(c.statusCbs))
	copy(cbs, c.statusCbs)
	c.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(s)
	}
}
