// Package github implements the remote REST+GraphQL client, the project
// board adapter, and issue/PR operations against the source-control service.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kristinday/ace/internal/domain"
)

// Response is the decoded outcome of one REST call after retries.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the final status is 2xx.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// JSON decodes the body into out.
func (r *Response) JSON(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("op=github.decode status=%d: %w", r.StatusCode, err)
	}
	return nil
}

// Client is a rate-limit-aware HTTP client for the REST and GraphQL APIs.
// A single Client is shared across callers and is safe for concurrent use.
type Client struct {
	httpc      *http.Client
	baseURL    string
	graphqlURL string
	token      string
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	log        *slog.Logger

	// test seams
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpc = h } }

// WithRetry sets the retry budget and delay bounds.
func WithRetry(maxRetries int, base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryBase = base
		c.retryMax = maxDelay
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// WithClock overrides time sources, used by tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		c.now = now
		c.sleep = sleep
	}
}

// NewClient builds a client for the given API endpoints and token.
func NewClient(baseURL, graphqlURL, token string, opts ...Option) *Client {
	c := &Client{
		httpc:      &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		graphqlURL: graphqlURL,
		token:      token,
		maxRetries: 5,
		retryBase:  time.Second,
		retryMax:   30 * time.Second,
		log:        slog.Default(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Get issues a GET against a REST path ("/repos/{owner}/{repo}/issues/1").
func (c *Client) Get(ctx domain.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx domain.Context, path string, body any) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx domain.Context, path string, body any) (*Response, error) {
	return c.do(ctx, http.MethodPatch, path, body)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx domain.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) do(ctx domain.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("op=github.do: %w", err)
		}
		payload = b
	}

	var last *Response
	for attempt := 0; ; attempt++ {
		resp, err := c.roundTrip(ctx, method, c.baseURL+path, payload, "application/vnd.github+json")
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("op=github.do method=%s path=%s: %w", method, path, err)
			}
			if serr := c.sleep(ctx, c.backoffDelay(attempt)); serr != nil {
				return nil, serr
			}
			continue
		}
		last = resp
		if !retryableStatus(resp) || attempt >= c.maxRetries {
			return last, nil
		}
		delay := c.retryDelay(resp, attempt)
		c.log.Warn("github retry",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) roundTrip(ctx domain.Context, method, url string, payload []byte, accept string) (*Response, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// retryableStatus implements the retry contract: 429 and the retryable 5xx
// set always retry; 403 retries only when rate-limit headers say so. 400,
// 401, 404, and 422 never retry.
func retryableStatus(r *Response) bool {
	switch r.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	case http.StatusForbidden:
		return r.Header.Get("X-RateLimit-Remaining") == "0" || r.Header.Get("Retry-After") != ""
	}
	return false
}

// retryDelay picks the wait before the next attempt, first match wins:
// Retry-After seconds, then rate-limit reset plus one second, then
// exponential backoff with uniform jitter clamped to the max delay.
func (c *Client) retryDelay(r *Response, attempt int) time.Duration {
	if ra := r.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if r.Header.Get("X-RateLimit-Remaining") == "0" {
		if reset := r.Header.Get("X-RateLimit-Reset"); reset != "" {
			if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
				until := time.Unix(epoch, 0).Sub(c.now())
				if until < 0 {
					until = 0
				}
				return until + time.Second
			}
		}
	}
	return c.backoffDelay(attempt)
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.retryBase << uint(attempt)
	d += time.Duration(rand.Int63n(int64(c.retryBase)))
	if d > c.retryMax {
		d = c.retryMax
	}
	return d
}

type graphqlError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// GraphQL posts a query and decodes the data object into out. Responses whose
// errors mention a rate limit are retried; exhaustion surfaces as
// domain.ErrRateLimited so callers can distinguish it from query errors.
func (c *Client) GraphQL(ctx domain.Context, query string, vars map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return fmt.Errorf("op=github.GraphQL: %w", err)
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.roundTrip(ctx, http.MethodPost, c.graphqlURL, payload, "application/json")
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= c.maxRetries {
				return fmt.Errorf("op=github.GraphQL: %w", err)
			}
			if serr := c.sleep(ctx, c.backoffDelay(attempt)); serr != nil {
				return serr
			}
			continue
		}
		if retryableStatus(resp) {
			if attempt >= c.maxRetries {
				return fmt.Errorf("op=github.GraphQL status=%d: %w", resp.StatusCode, domain.ErrRateLimited)
			}
			if err := c.sleep(ctx, c.retryDelay(resp, attempt)); err != nil {
				return err
			}
			continue
		}
		if !resp.OK() {
			return fmt.Errorf("op=github.GraphQL status=%d body=%s: %w", resp.StatusCode, truncate(resp.Body, 200), domain.ErrInternal)
		}

		var env graphqlEnvelope
		if err := json.Unmarshal(resp.Body, &env); err != nil {
			return fmt.Errorf("op=github.GraphQL decode: %w", err)
		}
		if len(env.Errors) > 0 {
			if graphqlRateLimited(env.Errors) {
				if attempt >= c.maxRetries {
					return fmt.Errorf("op=github.GraphQL: %w", domain.ErrRateLimited)
				}
				if err := c.sleep(ctx, c.backoffDelay(attempt)); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("op=github.GraphQL: %s: %w", env.Errors[0].Message, domain.ErrInternal)
		}
		if out != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("op=github.GraphQL decode data: %w", err)
			}
		}
		return nil
	}
}

func graphqlRateLimited(errs []graphqlError) bool {
	for _, e := range errs {
		if strings.Contains(strings.ToLower(e.Message), "rate limit") ||
			strings.Contains(strings.ToLower(e.Type), "rate limit") ||
			strings.EqualFold(e.Type, "RATE_LIMITED") {
			return true
		}
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
