package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/opsboard/realtime/src/types"
)

// MessageBridge publishes envelopes to other server instances.
// Defined here to avoid circular imports with the bridge package.
type MessageBridge interface {
	Publish(env types.Envelope) error
	Available() bool
}

// TokenValidator redeems single-use connect tokens.
type TokenValidator interface {
	Redeem(token string) bool
}

// Hub terminates dashboard WebSocket connections. A client stays pending
// until its connect envelope is validated; only authenticated clients
// receive broadcasts.
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	incoming   chan inbound
	broadcast  chan types.Envelope
	localCast  chan types.Envelope // envelopes from bridge, no re-publish

	onConnect []func(string)
	onDisconn []func(string)

	tokens TokenValidator
	bridge MessageBridge
	mu     sync.RWMutex
	logger zerolog.Logger
	done   chan struct{}
}

type inbound struct {
	client *Client
	env    types.Envelope
}

// New creates a hub validating connect tokens against the given validator.
func New(tokens TokenValidator, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan inbound, 256),
		broadcast:  make(chan types.Envelope, 256),
		localCast:  make(chan types.Envelope, 256),
		tokens:     tokens,
		logger:     logger.With().Str("component", "hub").Logger(),
		done:       make(chan struct{}),
	}
}

// SetBridge attaches a cross-instance message bridge to the hub.
// When set, broadcast envelopes are also forwarded to other instances.
func (h *Hub) SetBridge(b MessageBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// Broadcast delivers a domain event to every authenticated client, on this
// instance and (via the bridge) on the others.
func (h *Hub) Broadcast(env types.Envelope) {
	h.broadcast <- env
}

// BroadcastToLocal delivers an envelope from the bridge to local clients
// only. It does not re-publish to Redis, preventing infinite loops.
func (h *Hub) BroadcastToLocal(env types.Envelope) {
	h.localCast <- env
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case in := <-h.incoming:
			h.handleInbound(in)
		case env := <-h.broadcast:
			h.publishToBridge(env)
			h.castToAuthenticated(env)
		case env := <-h.localCast:
			h.castToAuthenticated(env)
		case <-h.done:
			return
		}
	}
}

// Stop halts the hub event loop.
func (h *Hub) Stop() {
	close(h.done)
}

// Register queues a client for registration.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID).Msg("client registered, awaiting connect")
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	h.mu.Unlock()

	wasAuthed := c.Authenticated()
	c.Close()
	h.logger.Info().Str("client_id", c.ID).Msg("client unregistered")

	if wasAuthed {
		for _, cb := range h.onDisconn {
			cb(c.ID)
		}
	}
}

// handleInbound processes one client frame. Pending clients may only send
// connect; anything else closes the connection.
func (h *Hub) handleInbound(in inbound) {
	c, env := in.client, in.env

	if !c.Authenticated() {
		if env.Type != types.TypeConnect {
			h.logger.Warn().
				Str("client_id", c.ID).
				Str("type", env.Type).
				Msg("frame before connect, closing")
			h.removeClient(c)
			return
		}
		if env.TenantID == "" || env.ProjectID == "" || !h.tokens.Redeem(env.Token) {
			h.logger.Warn().Str("client_id", c.ID).Msg("connect rejected")
			h.removeClient(c)
			return
		}
		c.setAuthenticated(env.TenantID, env.ProjectID)
		c.deliver(types.Envelope{Type: types.TypeConnected})
		h.logger.Info().
			Str("client_id", c.ID).
			Str("tenant", env.TenantID).
			Msg("client authenticated")
		for _, cb := range h.onConnect {
			cb(c.ID)
		}
		return
	}

	switch env.Type {
	case types.TypePing:
		c.deliver(types.Envelope{Type: types.TypePong})
	case types.TypeConnect:
		h.logger.Debug().Str("client_id", c.ID).Msg("duplicate connect ignored")
	default:
		h.logger.Debug().
			Str("client_id", c.ID).
			Str("type", env.Type).
			Msg("ignoring client frame")
	}
}

func (h *Hub) castToAuthenticated(env types.Envelope) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Authenticated() {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.deliver(env) {
			h.logger.Warn().Str("client_id", c.ID).Msg("send buffer full, dropping")
		}
	}
}

// publishToBridge forwards an envelope to the bridge if one is attached.
func (h *Hub) publishToBridge(env types.Envelope) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(env); err != nil {
		h.logger.Error().Err(err).Msg("bridge publish failed")
	}
}
