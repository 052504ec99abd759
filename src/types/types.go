package types

import "context"

// Envelope is one typed message unit exchanged over the realtime channel.
// Payloads are routed by Type and never mutated after receipt.
type Envelope struct {
	Type          string         `json:"type"`
	Token         string         `json:"token,omitempty"`
	TenantID      string         `json:"tenantId,omitempty"`
	ProjectID     string         `json:"projectId,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// Control frame types. Everything else is a domain event
// (incident lifecycle, alert notifications) dispatched to subscribers.
const (
	TypeConnect   = "connect"
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Handler receives envelopes for a subscribed event type.
type Handler func(Envelope)

// State is the connection status of the realtime channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the status string shown to consumers.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionContext is the externally owned identity triple that gates
// whether a channel may exist. The realtime layer only reads it.
type SessionContext struct {
	UserID    string
	TenantID  string
	ProjectID string
}

// Valid reports whether all identifiers required for the handshake are present.
func (s SessionContext) Valid() bool {
	return s.UserID != "" && s.TenantID != "" && s.ProjectID != ""
}

// TokenSource obtains a short-lived bearer token for one connection attempt.
type TokenSource interface {
	Fetch(ctx context.Context) (string, error)
}

// Socket abstracts the client half of a WebSocket connection for testability.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn abstracts a server-side WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}
