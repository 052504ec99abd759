package hub

import (
	"sync"
	"time"

	"github.com/opsboard/realtime/src/types"
)

// Client wraps one server-side WebSocket connection. It starts in the
// pending state and is promoted by the hub once its connect envelope is
// validated.
type Client struct {
	ID          string
	conn        types.Conn
	hub         *Hub
	Send        chan types.Envelope
	connectedAt time.Time

	mu        sync.RWMutex
	authed    bool
	tenantID  string
	projectID string
	done      chan struct{}
	closed    bool
}

// NewClient creates a pending client for an accepted connection.
func NewClient(id string, conn types.Conn, h *Hub) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		hub:         h,
		Send:        make(chan types.Envelope, 256),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// Authenticated reports whether the connect handshake completed.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

// Tenant returns the tenant and project bound at handshake time.
func (c *Client) Tenant() (tenantID, projectID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenantID, c.projectID
}

func (c *Client) setAuthenticated(tenantID, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = true
	c.tenantID = tenantID
	c.projectID = projectID
}

// deliver queues an envelope for the write pump without blocking.
func (c *Client) deliver(env types.Envelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// ReadPump reads envelopes from the WebSocket and routes them to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		var env types.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		c.hub.incoming <- inbound{client: c, env: env}
	}
}

// WritePump writes queued envelopes to the WebSocket.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for {
		select {
		case env, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		close(c.Send)
	}
}
