package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Fetcher obtains a short-lived realtime token from the token endpoint
// using the ambient dashboard session cookie. Each token is consumed
// exactly once per connection attempt.
type Fetcher struct {
	URL     string
	Cookie  string
	Timeout time.Duration

	// Client may be replaced before first use (tests dial in-memory).
	Client *fasthttp.Client

	logger zerolog.Logger
}

// NewFetcher creates a token fetcher for the given endpoint.
func NewFetcher(url, cookie string, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		URL:     url,
		Cookie:  cookie,
		Timeout: 10 * time.Second,
		Client:  &fasthttp.Client{},
		logger:  logger.With().Str("component", "token-fetcher").Logger(),
	}
}

// Fetch performs one HTTP call to the token endpoint and returns the token.
// The context is accepted for interface parity; fasthttp enforces Timeout.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.URL)
	req.Header.SetMethod(fasthttp.MethodGet)
	if f.Cookie != "" {
		req.Header.Set(fasthttp.HeaderCookie, f.Cookie)
	}

	if err := f.Client.DoTimeout(req, resp, f.Timeout); err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode())
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	if body.Token == "" {
		return "", errors.New("token endpoint returned empty token")
	}

	f.logger.Debug().Msg("token fetched")
	return body.Token, nil
}
