package session

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/opsboard/realtime/src/types"
)

// Target is the channel side of the binding.
type Target interface {
	Bind(types.SessionContext)
}

// Binding observes the externally owned session context and is the only
// component besides the retry policy that initiates connects and
// disconnects. The auth subsystem calls Update whenever user, tenant, or
// active workspace change.
type Binding struct {
	target Target
	logger zerolog.Logger

	mu      sync.Mutex
	current types.SessionContext
	seen    bool
}

// New creates a binding driving the given channel.
func New(target Target, logger zerolog.Logger) *Binding {
	return &Binding{
		target: target,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// Update forwards a changed session context to the channel. Repeated
// updates with an identical context are ignored.
func (b *Binding) Update(sess types.SessionContext) {
	b.mu.Lock()
	if b.seen && sess == b.current {
		b.mu.Unlock()
		return
	}
	b.current = sess
	b.seen = true
	b.mu.Unlock()

	if sess.Valid() {
		b.logger.Debug().
			Str("tenant", sess.TenantID).
			Str("project", sess.ProjectID).
			Msg("session valid, binding channel")
	} else {
		b.logger.Debug().Msg("session incomplete, unbinding channel")
	}
	b.target.Bind(sess)
}

// Clear drops the session context, e.g. on logout.
func (b *Binding) Clear() {
	b.Update(types.SessionContext{})
}

// Current returns the last observed session context.
func (b *Binding) Current() types.SessionContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
