package mux

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/opsboard/realtime/src/types"
)

type subscription struct {
	id      uint64
	handler types.Handler
}

// Mux routes inbound envelopes to handlers registered by event type.
// Consumers register and deregister at will; removal is safe from within
// a handler because dispatch iterates over a snapshot of the registry.
type Mux struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	nextID  uint64
	last    types.Envelope
	hasLast bool
	logger  zerolog.Logger
}

// New creates an empty multiplexer.
func New(logger zerolog.Logger) *Mux {
	return &Mux{
		subs:   make(map[string][]subscription),
		logger: logger.With().Str("component", "mux").Logger(),
	}
}

// Subscribe registers a handler for an event type and returns the
// capability to deregister it. The returned function is idempotent and
// removes only this registration.
func (m *Mux) Subscribe(eventType string, h types.Handler) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[eventType] = append(m.subs[eventType], subscription{id: id, handler: h})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(eventType, id) })
	}
}

// Publish dispatches an envelope to every handler registered for its type.
// A panicking handler is logged and does not prevent delivery to the rest.
func (m *Mux) Publish(env types.Envelope) {
	m.mu.Lock()
	m.last = env
	m.hasLast = true
	subs := append([]subscription(nil), m.subs[env.Type]...)
	m.mu.Unlock()

	for _, s := range subs {
		m.invoke(s, env)
	}
}

// Last returns the most recently dispatched envelope, for consumers that
// want current-value semantics in addition to streaming.
func (m *Mux) Last() (types.Envelope, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.hasLast
}

// SubscriberCount returns the number of registrations for an event type.
func (m *Mux) SubscriberCount(eventType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[eventType])
}

func (m *Mux) invoke(s subscription, env types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("type", env.Type).
				Msg("subscriber panicked")
		}
	}()
	s.handler(env)
}

func (m *Mux) remove(eventType string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			m.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subs[eventType]) == 0 {
		delete(m.subs, eventType)
	}
}
