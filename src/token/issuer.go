package token

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Issuer hands out single-use realtime tokens with a short TTL.
// The rtserver token route issues them to cookie-authenticated dashboard
// sessions; the hub redeems them during the connect handshake.
type Issuer struct {
	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewIssuer creates an issuer whose tokens expire after ttl.
func NewIssuer(ttl time.Duration, logger zerolog.Logger) *Issuer {
	return &Issuer{
		tokens: make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "token-issuer").Logger(),
	}
}

// Issue mints a new token.
func (i *Issuer) Issue() string {
	tok := uuid.New().String()

	i.mu.Lock()
	i.prune()
	i.tokens[tok] = i.now().Add(i.ttl)
	i.mu.Unlock()

	i.logger.Debug().Msg("token issued")
	return tok
}

// Redeem consumes a token. It succeeds at most once per issued token
// and fails for unknown or expired tokens.
func (i *Issuer) Redeem(tok string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	expiry, ok := i.tokens[tok]
	if !ok {
		return false
	}
	delete(i.tokens, tok)
	return i.now().Before(expiry)
}

// prune drops expired tokens. Caller holds the lock.
func (i *Issuer) prune() {
	now := i.now()
	for tok, expiry := range i.tokens {
		if now.After(expiry) {
			delete(i.tokens, tok)
		}
	}
}
