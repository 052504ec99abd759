package service

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/opsboard/realtime/src/channel"
	"github.com/opsboard/realtime/src/mux"
	"github.com/opsboard/realtime/src/session"
	"github.com/opsboard/realtime/src/transport"
	"github.com/opsboard/realtime/src/types"
)

// Service is the consumer-facing realtime API handed to dashboard
// components. There is at most one per authenticated session; views
// subscribe on mount and call the returned function on unmount.
type Service struct {
	channel *channel.Channel
	mux     *mux.Mux
	binding *session.Binding
	logger  zerolog.Logger
}

// New creates a realtime service connecting to the given endpoint.
func New(cfg channel.Config, tokens types.TokenSource, logger zerolog.Logger) *Service {
	return NewWithDialer(cfg, transport.Dial, tokens, logger)
}

// NewWithDialer creates a service with a custom dialer, used by tests.
func NewWithDialer(cfg channel.Config, dial transport.DialFunc, tokens types.TokenSource, logger zerolog.Logger) *Service {
	m := mux.New(logger)
	ch := channel.New(cfg, dial, tokens, m, logger)
	return &Service{
		channel: ch,
		mux:     m,
		binding: session.New(ch, logger),
		logger:  logger.With().Str("component", "realtime").Logger(),
	}
}

// Start launches the channel event loop.
func (s *Service) Start() {
	go s.channel.Run()
}

// Stop tears down the connection and stops the event loop.
func (s *Service) Stop() {
	s.channel.Stop()
}

// Binding exposes the session binding for the auth subsystem to drive.
func (s *Service) Binding() *session.Binding { return s.binding }

// Subscribe registers a handler for an event type and returns the
// capability to deregister it.
func (s *Service) Subscribe(eventType string, h types.Handler) func() {
	s.logger.Debug().Str("type", eventType).Msg("subscriber registered")
	return s.mux.Subscribe(eventType, h)
}

// SendMessage queues an envelope for the server. A no-op with a warning
// when the channel is not live.
func (s *Service) SendMessage(env types.Envelope) {
	s.channel.Send(env)
}

// Status returns the current connection state.
func (s *Service) Status() types.State { return s.channel.State() }

// IsLive reports whether the channel is connected.
func (s *Service) IsLive() bool { return s.channel.IsLive() }

// LastEnvelope returns the most recently dispatched envelope.
func (s *Service) LastEnvelope() (types.Envelope, bool) { return s.mux.Last() }

// LastReceived returns the arrival time of the most recent inbound frame.
func (s *Service) LastReceived() time.Time { return s.channel.LastReceived() }

// OnStatusChange registers a callback for connection state transitions,
// driving the dashboard's status indicator.
func (s *Service) OnStatusChange(cb func(types.State)) {
	s.channel.OnStatusChange(cb)
}

// OnConnectFailed registers a callback invoked exactly once when the retry
// ceiling is reached, for the UI's "failed to connect" alert.
func (s *Service) OnConnectFailed(cb func()) {
	s.channel.OnConnectFailed(cb)
}
