// Package collector uploads serialized failure reports to the remote
// collector over HTTP. Delivery is at-most-once: nothing is retried or queued.
package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "http://localhost:3000/api/failure-data"
	DefaultTimeout  = 5 * time.Second
)

// UploadError wraps a failed delivery attempt.
type UploadError struct {
	Endpoint   string
	StatusCode int // non-zero only when strict status checking rejected a response
	Err        error
}

func (e *UploadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upload to %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("upload to %s: %v", e.Endpoint, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Result is the outcome of one upload. It is meant for logging and metrics;
// callers never branch their control flow on it.
type Result struct {
	StatusCode int
	Duration   time.Duration
	Err        error
}

// OK reports whether the request was delivered.
func (r Result) OK() bool { return r.Err == nil }

// Uploader sends one JSON document to a collector.
type Uploader interface {
	Upload(ctx context.Context, body []byte) Result
	Endpoint() string
}

// Client is the HTTP Uploader.
type Client struct {
	client       *http.Client
	endpoint     string
	strictStatus bool
}

type Option func(*Client)

// WithTimeout bounds each upload, including connection setup and reading
// the response headers.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying client (tests, custom transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithStrictStatus makes responses with status >= 300 count as failures.
// Off by default: the collector's status code is otherwise not inspected.
func WithStrictStatus(strict bool) Option {
	return func(c *Client) { c.strictStatus = strict }
}

func New(endpoint string, opts ...Option) *Client {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{client: &http.Client{Timeout: DefaultTimeout}, endpoint: endpoint}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Endpoint() string { return c.endpoint }

// Upload issues a single POST with body as application/json.
func (c *Client) Upload(ctx context.Context, body []byte) Result {
	start := time.Now()
	res := c.do(ctx, body)
	res.Duration = time.Since(start)
	return res
}

func (c *Client) do(ctx context.Context, body []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Err: &UploadError{Endpoint: c.endpoint, Err: err}}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Err: &UploadError{Endpoint: c.endpoint, Err: err}}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res := Result{StatusCode: resp.StatusCode}
	if c.strictStatus && resp.StatusCode >= 300 {
		res.Err = &UploadError{Endpoint: c.endpoint, StatusCode: resp.StatusCode}
	}
	return res
}
