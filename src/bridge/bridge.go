package bridge

import "github.com/opsboard/realtime/src/types"

// Bridge defines the interface for cross-instance event broadcasting.
// Implementations relay envelopes between rtserver instances so an event
// published on one node reaches clients connected to the others.
type Bridge interface {
	// Publish sends an envelope to all other instances via the bridge.
	Publish(env types.Envelope) error

	// Start begins listening for envelopes from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// BroadcastTarget is implemented by the Hub to receive envelopes from the bridge.
type BroadcastTarget interface {
	BroadcastToLocal(env types.Envelope)
}
