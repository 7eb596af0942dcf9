// Package gateway makes the two outbound calls the broker relays to a paired gateway:
// a status probe and a session message. Gateway responses are passed through, never
// interpreted, and transport failures become synthesized results rather than errors.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/infi-control/gateway-broker/internal/config"
	"github.com/infi-control/gateway-broker/internal/telemetry"
)

const (
	// DefaultSessionKey is used by Send when the caller names no session.
	DefaultSessionKey = "agent:main:main"

	// DefaultTimeout bounds each outbound call when no timeout is configured.
	DefaultTimeout = 10 * time.Second

	statusPath = "/v1/status"
	sendPath   = "/v1/sessions/send"

	// maxBodyBytes caps how much of a gateway response is relayed.
	maxBodyBytes = 1 << 20
)

// Outcome labels for gateway_requests_total.
const (
	outcomeOK          = "ok"
	outcomeErrorStatus = "error_status"
	outcomeUnreachable = "unreachable"
	outcomeTimeout     = "timeout"
	outcomeCircuitOpen = "circuit_open"
)

// Result is relayed to the browser as-is: ok mirrors a 2xx status, data is the parsed
// JSON body or {"raw": text} when the body is not JSON.
type Result struct {
	OK     bool `json:"ok"`
	Status int  `json:"status"`
	Data   any  `json:"data"`
}

// Target is a resolved connection's endpoint and credential.
type Target struct {
	BaseURL string
	Token   string
}

// Client performs outbound gateway calls. It never retries.
type Client struct {
	http              *http.Client
	timeout           time.Duration
	defaultSessionKey string
	breakers          *breakerRegistry
	logger            *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a Client from the gateway config section.
func NewClient(cfg config.GatewayConfig, opts ...Option) *Client {
	c := &Client{
		http:              &http.Client{},
		timeout:           cfg.Timeout,
		defaultSessionKey: cfg.DefaultSessionKey,
		logger:            slog.Default(),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.defaultSessionKey == "" {
		c.defaultSessionKey = DefaultSessionKey
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.CircuitBreaker.Enabled {
		c.breakers = newBreakerRegistry(cfg.CircuitBreaker, c.logger)
	}
	return c
}

// Health probes GET {baseUrl}/v1/status.
func (c *Client) Health(ctx context.Context, t Target) Result {
	return c.do(ctx, "health", t, http.MethodGet, statusPath, nil)
}

// SendInput is a message for one gateway session.
type SendInput struct {
	SessionKey string
	Message    string
}

// Send posts {sessionKey, message} to {baseUrl}/v1/sessions/send. An empty session
// key falls back to the configured default.
func (c *Client) Send(ctx context.Context, t Target, in SendInput) Result {
	sessionKey := in.SessionKey
	if sessionKey == "" {
		sessionKey = c.defaultSessionKey
	}
	body, err := json.Marshal(map[string]string{"sessionKey": sessionKey, "message": in.Message})
	if err != nil {
		return synthesized(http.StatusInternalServerError, "failed to encode request")
	}
	return c.do(ctx, "send", t, http.MethodPost, sendPath, body)
}

func (c *Client) do(ctx context.Context, op string, t Target, method, path string, body []byte) Result {
	start := time.Now()
	res, outcome := c.call(ctx, t, method, path, body)
	telemetry.GatewayRequestsTotal.WithLabelValues(op, outcome).Inc()
	telemetry.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if outcome != outcomeOK && outcome != outcomeErrorStatus {
		c.logger.Warn("gateway call failed", "op", op, "gateway", breakerName(t.BaseURL), "outcome", outcome)
	}
	return res
}

func (c *Client) call(ctx context.Context, t Target, method, path string, body []byte) (Result, string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, bodyReader(body))
	if err != nil {
		return synthesized(http.StatusBadGateway, "invalid gateway url"), outcomeUnreachable
	}
	req.Header.Set("Authorization", "Bearer "+t.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.roundTrip(ctx, t.BaseURL, req)
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return synthesized(http.StatusServiceUnavailable, "gateway circuit open"), outcomeCircuitOpen
		case errors.Is(err, context.DeadlineExceeded):
			return synthesized(http.StatusGatewayTimeout, "gateway timeout"), outcomeTimeout
		default:
			return synthesized(http.StatusBadGateway, "gateway unreachable"), outcomeUnreachable
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return synthesized(http.StatusGatewayTimeout, "gateway timeout"), outcomeTimeout
		}
		return synthesized(http.StatusBadGateway, "gateway response unreadable"), outcomeUnreachable
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	outcome := outcomeOK
	if !ok {
		outcome = outcomeErrorStatus
	}
	return Result{OK: ok, Status: resp.StatusCode, Data: decodeBody(raw)}, outcome
}

// roundTrip sends req through the gateway's breaker when breakers are enabled. Only
// transport failures count against the breaker; any HTTP response is a success.
func (c *Client) roundTrip(ctx context.Context, baseURL string, req *http.Request) (*http.Response, error) {
	if c.breakers == nil {
		return c.http.Do(req)
	}
	return c.breakers.get(breakerName(baseURL)).Execute(func() (*http.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// decodeBody parses JSON, falling back to {"raw": text}.
func decodeBody(raw []byte) any {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]string{"raw": string(raw)}
	}
	return data
}

func synthesized(status int, message string) Result {
	return Result{OK: false, Status: status, Data: map[string]string{"error": message}}
}
