// Package upstream provides the minimal HTTP client the capability prober
// and the default tool handlers use to talk to the storefront platform.
//
// The executor never calls this package directly since it only sees tool
// handlers. Retry/backoff for transient network errors lives here, behind
// the Doer interface, and never inside the plan executor.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okonuma/hanbai/common/retry"
)

// Response is the decoded upstream reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// Doer issues one request against the storefront API. Implementations must
// return an error only for transport-level failures (no response at all);
// an HTTP error status is a valid Response.
type Doer interface {
	Do(ctx context.Context, method, endpoint string, payload map[string]any) (*Response, error)
}

// Client is the default Doer backed by net/http.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retryCfg   retry.Config
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry overrides the transient-error retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// NewClient creates a Client for the given base URL and API key.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryCfg:   retry.DefaultConfig,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do issues method endpoint with a JSON-encoded payload. Transport errors
// are retried with backoff; HTTP statuses are returned to the caller
// unjudged so each consumer can apply its own classification (the
// capability prober maps them to support verdicts, tool handlers map them
// to tool errors).
func (c *Client) Do(ctx context.Context, method, endpoint string, payload map[string]any) (*Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request payload: %w", err)
		}
	}

	var resp *Response
	err := retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("upstream request failed: %w", err)
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("failed to read upstream response: %w", err)
		}

		resp = &Response{StatusCode: httpResp.StatusCode, Body: data}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
