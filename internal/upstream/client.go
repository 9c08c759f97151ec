package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"claudeproxy/internal/auth"
)

// ErrAuthExpired means the upstream rejected the bearer twice in a row, so a
// refresh did not help and the user must log in again.
var ErrAuthExpired = errors.New("upstream rejected credential after refresh")

// ErrUnreachable wraps network level failures reaching the upstream.
var ErrUnreachable = errors.New("upstream unreachable")

// Error is a non-2xx upstream reply with its body and status preserved so the
// gateway can pass it through.
type Error struct {
	Status     int
	Body       []byte
	RetryAfter string
	RequestID  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, truncate(string(e.Body), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Client issues Messages API calls with the OAuth bearer and the required
// anthropic headers. A 401 triggers one credential invalidation and one retry.
type Client struct {
	base    string
	version string
	beta    string
	creds   *auth.Manager

	// send has a request timeout; stream must stay open indefinitely and
	// relies on context cancellation instead.
	send   *http.Client
	stream *http.Client
}

// New creates a Client. betas is the configured required beta list, joined
// into the default anthropic-beta header.
func New(base, version string, betas []string, creds *auth.Manager, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(base, "/"),
		version: version,
		beta:    strings.Join(betas, ","),
		creds:   creds,
		send:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

// Beta returns the configured default anthropic-beta header value.
func (c *Client) Beta() string { return c.beta }

// SendMessages posts a non-streaming Messages request and returns the raw
// response body on 2xx. Non-2xx replies come back as *Error.
func (c *Client) SendMessages(ctx context.Context, payload []byte, beta string) ([]byte, http.Header, error) {
	resp, err := c.roundTrip(ctx, payload, beta, c.send)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, upstreamError(resp, body)
	}
	return body, resp.Header, nil
}

// StreamMessages posts a streaming Messages request and returns the open
// response. The caller owns resp.Body on success. Non-2xx replies are drained
// and returned as *Error.
func (c *Client) StreamMessages(ctx context.Context, payload []byte, beta string) (*http.Response, error) {
	resp, err := c.roundTrip(ctx, payload, beta, c.stream)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, upstreamError(resp, body)
	}
	return resp, nil
}

// roundTrip performs the request, retrying exactly once after a 401.
func (c *Client) roundTrip(ctx context.Context, payload []byte, beta string, hc *http.Client) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.creds.Current(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("anthropic-version", c.version)
		if beta == "" {
			beta = c.beta
		}
		if beta != "" {
			req.Header.Set("anthropic-beta", beta)
		}
		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if attempt > 0 {
			return nil, ErrAuthExpired
		}
		c.creds.Invalidate()
	}
}

func upstreamError(resp *http.Response, body []byte) *Error {
	return &Error{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: resp.Header.Get("Retry-After"),
		RequestID:  resp.Header.Get("request-id"),
	}
}
