package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for connecting to the settlement API.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	CallerAddress string // default caller for contract calls; also sent as X-Caller-Address
	Timeout       time.Duration
}

// SettlementClient is a thin HTTP client for the settlement API.
type SettlementClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSettlementClient creates a new client for the settlement API.
func NewSettlementClient(cfg Config) *SettlementClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &SettlementClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Caller returns the configured default caller address.
func (c *SettlementClient) Caller() string { return c.cfg.CallerAddress }

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	CallID  string `json:"callId"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *SettlementClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.CallerAddress != "" {
		req.Header.Set("X-Caller-Address", c.cfg.CallerAddress)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.CallID != "" {
				return nil, fmt.Errorf("API error (%d): %s (call %s)", resp.StatusCode, apiErr.Message, apiErr.CallID)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// CallInput is a contract call submitted through the API.
type CallInput struct {
	Method  string `json:"method"`
	Args    []any  `json:"args"`
	Caller  string `json:"caller"`
	Value   int64  `json:"value,omitempty"`
	OrderID *int64 `json:"orderId,omitempty"`
}

// ExecuteCall attempts a contract call inline; transient failures come back queued.
func (c *SettlementClient) ExecuteCall(ctx context.Context, in CallInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/settlement/execute", nil, in)
}

// EnqueueCall stores a contract call for the worker without attempting it.
func (c *SettlementClient) EnqueueCall(ctx context.Context, in CallInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/settlement/enqueue", nil, in)
}

// GetCall returns one settlement job.
func (c *SettlementClient) GetCall(ctx context.Context, callID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/settlement/calls/"+url.PathEscape(callID), nil, nil)
}

// ListCalls lists settlement jobs, newest first.
func (c *SettlementClient) ListCalls(ctx context.Context, status, caller string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if caller != "" {
		q.Set("caller", caller)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/settlement/calls", q, nil)
}

// RunWorker triggers one worker tick.
func (c *SettlementClient) RunWorker(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/settlement/worker/run", nil, nil)
}

// OrderInput creates an escrow order.
type OrderInput struct {
	CustomerID      int64  `json:"customerId"`
	ProductID       int64  `json:"productId"`
	Quantity        int    `json:"quantity,omitempty"`
	WalletAddress   string `json:"walletAddress"`
	ShippingAddress string `json:"shippingAddress,omitempty"`
}

// CreateOrder creates an escrow order and burns its settlement fee.
func (c *SettlementClient) CreateOrder(ctx context.Context, in OrderInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/escrow", nil, in)
}

// GetOrder returns an order with its latest escrow snapshot.
func (c *SettlementClient) GetOrder(ctx context.Context, orderID int64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+strconv.FormatInt(orderID, 10), nil, nil)
}

// TransitionOrder completes or cancels a pending order. action is
// "complete" or "cancel".
func (c *SettlementClient) TransitionOrder(ctx context.Context, orderID int64, action string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/"+strconv.FormatInt(orderID, 10)+"/"+action, nil, nil)
}

// ListAlerts returns recent settlement alerts.
func (c *SettlementClient) ListAlerts(ctx context.Context, severity string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if severity != "" {
		q.Set("severity", severity)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/alerts", q, nil)
}
