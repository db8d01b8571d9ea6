// Package client is the host-side submission API for the task broker.
// Submissions block until the task reaches a terminal state, so callers get
// one round trip per task and a typed fault on every failure path.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/scriptbroker/scriptbroker/internal/protocol"
)

// Client talks to a broker over its HTTP surface.
type Client struct {
	http *resty.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout caps the whole submission round trip, queue wait included.
// It should exceed the task timeout or the transport gives up first.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithRetries retries transport-level failures. Task faults are never
// retried; a completed-with-error task is a terminal answer.
func WithRetries(n int) Option {
	return func(c *Client) {
		c.http.SetRetryCount(n)
	}
}

// New creates a client for the broker at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(5 * time.Minute).
			SetHeader("Content-Type", "application/json"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends one task and waits for its terminal outcome. The returned
// response is non-nil whenever the broker produced one, including for
// failed tasks; err carries the task's fault in that case so callers can
// use errors.Is against protocol fault codes.
func (c *Client) Submit(ctx context.Context, req protocol.SubmitRequest) (*protocol.SubmitResponse, error) {
	var out protocol.SubmitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/v1/tasks")
	if err != nil {
		return nil, fmt.Errorf("submit failed: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusOK:
		if out.Fault != nil {
			return &out, out.Fault
		}
		return &out, nil
	case resp.StatusCode() == http.StatusServiceUnavailable && out.Fault != nil:
		return &out, out.Fault
	default:
		return nil, fmt.Errorf("broker returned %d: %s", resp.StatusCode(), resp.Body())
	}
}

// RunJS submits JavaScript source with an optional input document.
func (c *Client) RunJS(ctx context.Context, code string, input interface{}) (json.RawMessage, error) {
	return c.run(ctx, protocol.LanguageJS, code, input)
}

// RunPython submits Python source with an optional input document.
func (c *Client) RunPython(ctx context.Context, code string, input interface{}) (json.RawMessage, error) {
	return c.run(ctx, protocol.LanguagePython, code, input)
}

func (c *Client) run(ctx context.Context, lang protocol.Language, code string, input interface{}) (json.RawMessage, error) {
	req := protocol.SubmitRequest{Language: lang, Code: code}
	if input != nil {
		raw, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("input is not JSON-serializable: %w", err)
		}
		req.Input = raw
	}

	out, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.Payload, nil
}

// Health reports whether the broker is up and how many runners it holds.
func (c *Client) Health(ctx context.Context) (int, error) {
	var body struct {
		Status  string `json:"status"`
		Runners int    `json:"runners"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/health")
	if err != nil {
		return 0, fmt.Errorf("health check failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("broker unhealthy: %d", resp.StatusCode())
	}
	return body.Runners, nil
}
