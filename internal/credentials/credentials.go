// Package credentials obtains the short-lived API key used to open transport
// sessions.
//
// The key is exchanged for the device identity at a backend endpoint, cached
// until shortly before expiry, and guarded by a client-side rate limiter so a
// reconnect loop cannot hammer the endpoint. Key material is never logged.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	requestTimeout = 10 * time.Second

	// expirySlack refreshes the cached key this long before it expires.
	expirySlack = 30 * time.Second
)

// RateLimitError reports a request rejected by the client-side limiter or by
// the endpoint itself (HTTP 429).
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("credentials: rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

// Provider yields an API key for opening a session.
type Provider interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticProvider returns a fixed key. Intended for development configs.
type StaticProvider string

// APIKey implements [Provider].
func (s StaticProvider) APIKey(context.Context) (string, error) {
	return string(s), nil
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for key requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// WithLimiter overrides the request rate limiter.
func WithLimiter(l *Limiter) Option {
	return func(cl *Client) { cl.limiter = l }
}

// Client fetches short-lived keys from the credential endpoint.
type Client struct {
	endpoint string
	deviceID string
	httpc    *http.Client
	limiter  *Limiter

	mu        sync.Mutex
	cachedKey string
	expiresAt time.Time
}

// NewClient creates a Client against endpoint. Each client carries a random
// device identity for the lifetime of the process.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		deviceID: uuid.NewString(),
		httpc:    &http.Client{Timeout: requestTimeout},
		limiter:  NewLimiter(10, time.Minute),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// keyResponse is the credential endpoint's reply.
type keyResponse struct {
	APIKey    string `json:"api_key"`
	ExpiresIn int    `json:"expires_in"` // seconds; 0 means non-expiring
}

// APIKey implements [Provider]. A cached unexpired key is returned without a
// network round trip. On exhaustion of the local limiter or an HTTP 429 it
// returns a *RateLimitError; the Retry-After header, when present, is passed
// through.
func (c *Client) APIKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.cachedKey != "" && (c.expiresAt.IsZero() || time.Until(c.expiresAt) > expirySlack) {
		key := c.cachedKey
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	if !c.limiter.Allow() {
		return "", &RateLimitError{RetryAfter: c.limiter.RetryIn()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("credentials: build request: %w", err)
	}
	req.Header.Set("X-Device-ID", c.deviceID)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("credentials: request key: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("credentials: endpoint returned %s", resp.Status)
	}

	var kr keyResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		return "", fmt.Errorf("credentials: decode response: %w", err)
	}
	if kr.APIKey == "" {
		return "", fmt.Errorf("credentials: endpoint returned an empty key")
	}

	c.mu.Lock()
	c.cachedKey = kr.APIKey
	if kr.ExpiresIn > 0 {
		c.expiresAt = time.Now().Add(time.Duration(kr.ExpiresIn) * time.Second)
	} else {
		c.expiresAt = time.Time{}
	}
	c.mu.Unlock()

	return kr.APIKey, nil
}

// Invalidate drops the cached key, forcing the next APIKey call to fetch.
// Called when the service rejects the current key.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cachedKey = ""
	c.expiresAt = time.Time{}
}

// retryAfter parses the Retry-After header, defaulting to one minute.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}
