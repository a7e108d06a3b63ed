// Package chain is the HTTP gateway to the remote smart-contract API.
//
// Every call goes through a per-host circuit breaker, is traced, and is
// counted in Prometheus. Failures surface as *APIError; IsRetryable decides
// whether the settlement queue should try again later.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/circuitbreaker"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/traces"
	"github.com/mbd888/settlement/internal/validation"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultTokenTTL      = 50 * time.Minute
	DefaultBlockCacheTTL = 30 * time.Second
	DefaultExecutePath   = "/contracts/{address}/execute"

	maxResponseBytes = 4 << 20
	// unparsed response bodies echoed into an error are cut to this many bytes
	maxRawMessage = 200
)

// Config configures a Client.
type Config struct {
	BaseURL       string // e.g. "https://chain.example.com/api"
	APIKey        string // sent as X-API-Key when set
	AdminEmail    string
	AdminPassword string
	ExecutePath   string // {address} is replaced with the contract address
	Timeout       time.Duration
	TokenTTL      time.Duration // used when the login response has no expiresIn
	BlockCacheTTL time.Duration

	BreakerThreshold int
	BreakerOpenFor   time.Duration
}

// Response is a decoded 2xx response. Non-JSON bodies are wrapped as {"raw": text}.
type Response struct {
	Status int            `json:"status"`
	Body   map[string]any `json:"body"`
}

// APIError is returned for non-2xx responses, success:false payloads,
// transport failures (Status 0) and open circuits (Status 0).
type APIError struct {
	Status  int            `json:"status"`
	Path    string         `json:"path"`
	Message string         `json:"message"`
	Body    map[string]any `json:"body,omitempty"`
	Err     error          `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chain api %s: status %d: %s", e.Path, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *APIError) Retryable() bool { return IsRetryableStatus(e.Status) }

// ErrCircuitOpen is wrapped by the APIError returned while the breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// IsRetryableStatus classifies an HTTP status. 0 stands for "no response".
func IsRetryableStatus(code int) bool {
	switch code {
	case 0, http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRetryable classifies any error. Errors that are not *APIError count as
// status 0 and are therefore retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker shares a circuit breaker between clients.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithClock overrides the clock used by the block cache.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client talks to the remote chain API.
type Client struct {
	cfg     Config
	host    string
	http    *http.Client
	creds   *CredentialCache
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	now     func() time.Time

	loginMu sync.Mutex

	blockMu      sync.Mutex
	blockCache   *Response
	blockFetched time.Time
}

// New creates a Client. creds is required and should be process-scoped.
func New(cfg Config, creds *CredentialCache, logger *slog.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.BlockCacheTTL <= 0 {
		cfg.BlockCacheTTL = DefaultBlockCacheTTL
	}
	if cfg.ExecutePath == "" {
		cfg.ExecutePath = DefaultExecutePath
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	host := cfg.BaseURL
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}

	c := &Client{
		cfg:     cfg,
		host:    host,
		http:    &http.Client{Timeout: cfg.Timeout},
		creds:   creds,
		breaker: circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host is the breaker key for this client.
func (c *Client) Host() string { return c.host }

// BreakerState reports the circuit state for the API host.
func (c *Client) BreakerState() circuitbreaker.State { return c.breaker.State(c.host) }

// Login exchanges the admin credentials for a bearer token and caches it.
// With no credentials configured it returns ("", nil) without a request.
func (c *Client) Login(ctx context.Context) (string, error) {
	if c.cfg.AdminEmail == "" || c.cfg.AdminPassword == "" {
		return "", nil
	}

	resp, err := c.Call(ctx, "/login", http.MethodPost, map[string]string{
		"email":    c.cfg.AdminEmail,
		"password": c.cfg.AdminPassword,
	}, false)
	if err != nil {
		return "", err
	}

	token := tokenFrom(resp.Body)
	if token == "" {
		return "", &APIError{Status: resp.Status, Path: "/login", Message: "login response has no token", Body: resp.Body}
	}

	ttl := c.cfg.TokenTTL
	if secs, ok := intFrom(resp.Body["expiresIn"]); ok && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.creds.Store(token, ttl)
	c.logger.Debug("chain api login succeeded", "ttl", ttl)
	return token, nil
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	if token, ok := c.creds.Token(); ok {
		return token, nil
	}
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if token, ok := c.creds.Token(); ok {
		return token, nil
	}
	return c.Login(ctx)
}

// Call performs one request against path. body is JSON-encoded when non-nil.
// requireAuth attaches the bearer token, logging in first if needed.
func (c *Client) Call(ctx context.Context, path, method string, body any, requireAuth bool) (*Response, error) {
	endpoint := endpointLabel(path)
	ctx, span := traces.StartSpan(ctx, "chain.call", traces.Endpoint(endpoint))
	defer span.End()

	if !c.breaker.Allow(c.host) {
		metrics.ChainCallsTotal.WithLabelValues(endpoint, "circuit_open").Inc()
		err := &APIError{Status: 0, Path: path, Message: ErrCircuitOpen.Error(), Err: ErrCircuitOpen}
		traces.Fail(span, err)
		return nil, err
	}

	start := time.Now()
	resp, err := c.do(ctx, path, method, body, requireAuth)
	metrics.ChainCallDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		c.breaker.RecordSuccess(c.host)
		metrics.ChainCallsTotal.WithLabelValues(endpoint, "success").Inc()
		span.SetAttributes(traces.HTTPStatus(resp.Status))
		return resp, nil
	case ctx.Err() != nil:
		// Caller gave up; says nothing about the remote side.
		metrics.ChainCallsTotal.WithLabelValues(endpoint, "cancelled").Inc()
	case IsRetryable(err):
		c.breaker.RecordFailure(c.host)
		metrics.ChainCallsTotal.WithLabelValues(endpoint, "retryable").Inc()
	default:
		c.breaker.RecordSuccess(c.host)
		metrics.ChainCallsTotal.WithLabelValues(endpoint, "permanent").Inc()
	}
	traces.Fail(span, err)
	return nil, err
}

func (c *Client) do(ctx context.Context, path, method string, body any, requireAuth bool) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("chain: marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, &APIError{Status: 0, Path: path, Message: err.Error(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if requireAuth {
		token, err := c.bearer(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Status: 0, Path: path, Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &APIError{Status: 0, Path: path, Message: "read response: " + err.Error(), Err: err}
	}
	parsed := parseBody(raw)

	if resp.StatusCode == http.StatusUnauthorized {
		c.creds.Clear()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Path: path, Message: messageFrom(parsed, resp.Status), Body: parsed}
	}
	if ok, present := parsed["success"].(bool); present && !ok {
		return nil, &APIError{Status: resp.StatusCode, Path: path, Message: messageFrom(parsed, "request unsuccessful"), Body: parsed}
	}
	return &Response{Status: resp.StatusCode, Body: parsed}, nil
}

func parseBody(raw []byte) map[string]any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj
	}
	var anyVal any
	if err := json.Unmarshal(raw, &anyVal); err == nil {
		return map[string]any{"data": anyVal}
	}
	return map[string]any{"raw": string(raw)}
}

func messageFrom(body map[string]any, fallback string) string {
	for _, key := range []string{"message", "error"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	if s, ok := body["raw"].(string); ok && s != "" {
		return validation.Truncate(s, maxRawMessage)
	}
	return fallback
}

func tokenFrom(body map[string]any) string {
	for _, key := range []string{"token", "accessToken"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	if data, ok := body["data"].(map[string]any); ok {
		if s, ok := data["token"].(string); ok {
			return s
		}
	}
	return ""
}

// endpointLabel collapses contract addresses out of paths so metric labels
// stay bounded.
func endpointLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "0x") && len(p) == 42 {
			parts[i] = ":address"
		}
	}
	return "/" + strings.Join(parts, "/")
}
