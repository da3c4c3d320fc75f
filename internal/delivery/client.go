package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"claude-pulse/internal/protocol"

	"github.com/klauspost/compress/zstd"
)

// ErrUnknownDaemon is returned when the collector answers 404: it has no
// record of this daemon and expects a new registration.
var ErrUnknownDaemon = errors.New("collector does not know this daemon")

const (
	defaultCallTimeout = 10 * time.Second
	maxErrorBody       = 4 << 10

	pathRegister   = "/api/daemon/register"
	pathHeartbeat  = "/api/daemon/heartbeat"
	pathIngest     = "/api/daemon/ingest"
	pathDeregister = "/api/daemon/deregister"
)

// StatusError is a non-2xx answer other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector returned %d: %s", e.Code, e.Body)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout bounds each call. Defaults to 10s.
	Timeout time.Duration
	// Compress sends request bodies zstd-encoded.
	Compress   bool
	Breaker    *Breaker
	HTTPClient *http.Client
}

// Client talks to the collector's daemon endpoints. Every call goes
// through the circuit breaker.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	breaker *Breaker
	encoder *zstd.Encoder
}

// NewClient creates a client for the collector at baseURL.
func NewClient(baseURL string, opts ClientOptions) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("collector URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}
	if opts.Breaker == nil {
		opts.Breaker = NewBreaker(0, 0, nil)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		breaker: opts.Breaker,
	}
	if opts.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.encoder = enc
	}
	return c, nil
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) error {
	return c.call(ctx, pathRegister, req)
}

func (c *Client) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error {
	return c.call(ctx, pathHeartbeat, req)
}

func (c *Client) Ingest(ctx context.Context, req protocol.IngestRequest) error {
	return c.call(ctx, pathIngest, req)
}

func (c *Client) Deregister(ctx context.Context, req protocol.DeregisterRequest) error {
	return c.call(ctx, pathDeregister, req)
}

func (c *Client) call(ctx context.Context, path string, body interface{}) error {
	return c.breaker.Execute(func() error {
		return c.post(ctx, path, body)
	}, countsAsFailure)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if c.encoder != nil {
		data = c.encoder.EncodeAll(data, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.encoder != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrUnknownDaemon
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
}

// countsAsFailure reports whether err means the collector is unhealthy.
// A definite answer such as 404 or a 4xx rejection does not.
func countsAsFailure(err error) bool {
	if errors.Is(err, ErrUnknownDaemon) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}
