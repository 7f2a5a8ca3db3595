// Package history reports finished call attempts to the call history
// service.
package history

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bt-bridge/voicecall/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Record is one finished call attempt. Outcome and Reason carry the
// voicecall Outcome and Reason values.
type Record struct {
	CallId   string
	PeerId   string
	Role     string
	Duration time.Duration
	Outcome  string
	Reason   string
}

func (r Record) Json() map[string]any {
	return map[string]any{
		"callId":   r.CallId,
		"peerId":   r.PeerId,
		"role":     r.Role,
		"duration": int(r.Duration / time.Second),
		"outcome":  r.Outcome,
		"reason":   r.Reason,
	}
}

// Nop drops every record. It is used when no history service is configured.
type Nop struct{}

func (Nop) RecordOutcome(context.Context, Record) error { return nil }

type Client struct {
	logger  shared.LoggerAdapter
	url     string
	token   string
	timeout time.Duration
	http    *fasthttp.Client
}

type ClientOption func(*Client)

// WithDial replaces the dialer of the underlying HTTP client.
func WithDial(dial func(addr string) (net.Conn, error)) ClientOption {
	return func(c *Client) {
		c.http.Dial = dial
	}
}

func NewClient(logger shared.LoggerAdapter, cfg shared.HistoryConfig, opts ...ClientOption) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: history url is empty", shared.ErrNoConfig)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		logger:  logger.With(zap.String("component", "history")),
		url:     cfg.URL,
		token:   cfg.Token,
		timeout: timeout,
		http: &fasthttp.Client{
			Name:         "voicecall/" + shared.Version,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RecordOutcome posts rec as JSON. Any non 2xx answer is an error.
func (c *Client) RecordOutcome(ctx context.Context, rec Record) error {
	if rec.CallId == "" {
		return errors.New("record has no call id")
	}
	body, err := sonic.Marshal(rec.Json())
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.SetBody(body)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("performing HTTP request: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("unexpected status code: %d, body: %s", code, string(resp.Body()))
	}
	c.logger.Debug("call outcome recorded",
		zap.String("call_id", rec.CallId),
		zap.String("outcome", rec.Outcome),
	)
	return nil
}
