package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SettlementClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SettlementClient) *Handlers {
	return &Handlers{client: client}
}

func (h *Handlers) callInput(req mcp.CallToolRequest) (CallInput, error) {
	in := CallInput{
		Method: req.GetString("method", ""),
		Caller: req.GetString("caller", h.client.Caller()),
		Args:   []any{},
	}
	if in.Method == "" {
		return in, fmt.Errorf("method is required")
	}
	if in.Caller == "" {
		return in, fmt.Errorf("caller is required (no default caller configured)")
	}
	if raw, ok := req.GetArguments()["args"]; ok && raw != nil {
		args, ok := raw.([]any)
		if !ok {
			return in, fmt.Errorf("args must be an array")
		}
		in.Args = args
	}
	if id := req.GetInt("order_id", 0); id > 0 {
		orderID := int64(id)
		in.OrderID = &orderID
	}
	return in, nil
}

// HandleExecuteCall submits a contract call with one inline attempt.
func (h *Handlers) HandleExecuteCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in, err := h.callInput(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.ExecuteCall(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Contract call failed: %v", err)), nil
	}

	var resp struct {
		Job     map[string]any `json:"job"`
		Receipt map[string]any `json:"receipt"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Job == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	var sb strings.Builder
	sb.WriteString(formatCall(resp.Job))
	if resp.Receipt != nil {
		fmt.Fprintf(&sb, "Tx: %s (block %s, gas %s)\n",
			getString(resp.Receipt, "txHash"), getString(resp.Receipt, "blockNumber"), getString(resp.Receipt, "gasUsed"))
	}
	if getString(resp.Job, "status") == "QUEUED" {
		sb.WriteString("\nThe chain was unavailable; the worker will retry automatically.")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleEnqueueCall stores a contract call for the worker.
func (h *Handlers) HandleEnqueueCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in, err := h.callInput(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.EnqueueCall(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to queue call: %v", err)), nil
	}

	var resp struct {
		Job map[string]any `json:"job"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unexpected enqueue response: %s", string(raw))), nil
	}
	return mcp.NewToolResultText("Queued.\n" + formatCall(resp.Job)), nil
}

// HandleGetCall returns one call.
func (h *Handlers) HandleGetCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID := req.GetString("call_id", "")
	if callID == "" {
		return mcp.NewToolResultError("call_id is required"), nil
	}

	raw, err := h.client.GetCall(ctx, callID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get call: %v", err)), nil
	}

	var resp struct {
		Call map[string]any `json:"call"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Call == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unexpected call response: %s", string(raw))), nil
	}
	return mcp.NewToolResultText(formatCall(resp.Call)), nil
}

// HandleListCalls lists recent calls.
func (h *Handlers) HandleListCalls(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListCalls(ctx,
		req.GetString("status", ""), req.GetString("caller", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list calls: %v", err)), nil
	}

	var resp struct {
		Calls []map[string]any `json:"calls"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse calls: %v", err)), nil
	}
	if len(resp.Calls) == 0 {
		return mcp.NewToolResultText("No settlement calls found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d call(s):\n", len(resp.Calls))
	for i, c := range resp.Calls {
		fmt.Fprintf(&sb, "%d. %s %s [%s] retries %s/%s\n", i+1,
			getString(c, "id"), getString(c, "method"), getString(c, "status"),
			getString(c, "retries"), getString(c, "maxRetries"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRunWorker triggers one worker pass.
func (h *Handlers) HandleRunWorker(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunWorker(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Worker run failed: %v", err)), nil
	}

	var resp struct {
		Summary map[string]any `json:"summary"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Summary == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	s := resp.Summary
	return mcp.NewToolResultText(fmt.Sprintf(
		"Worker pass: %s eligible, %s succeeded, %s requeued, %s failed, %s skipped",
		getString(s, "eligible"), getString(s, "succeeded"), getString(s, "requeued"),
		getString(s, "failed"), getString(s, "skipped"))), nil
}

// HandleCreateOrder creates an escrow order.
func (h *Handlers) HandleCreateOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := OrderInput{
		CustomerID:      int64(req.GetInt("customer_id", 0)),
		ProductID:       int64(req.GetInt("product_id", 0)),
		Quantity:        req.GetInt("quantity", 0),
		WalletAddress:   req.GetString("wallet_address", ""),
		ShippingAddress: req.GetString("shipping_address", ""),
	}
	if in.CustomerID <= 0 || in.ProductID <= 0 {
		return mcp.NewToolResultError("customer_id and product_id are required"), nil
	}
	if in.WalletAddress == "" {
		return mcp.NewToolResultError("wallet_address is required"), nil
	}

	raw, err := h.client.CreateOrder(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Order creation failed: %v", err)), nil
	}

	var resp struct {
		Order   map[string]any `json:"order"`
		Message string         `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Order == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unexpected order response: %s", string(raw))), nil
	}

	o := resp.Order
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order #%s: %s\n", getString(o, "orderId"), getString(o, "status"))
	fmt.Fprintf(&sb, "Total: %s | Settlement fee: %s\n", getString(o, "totalAmount"), getString(o, "settlementFee"))
	fmt.Fprintf(&sb, "Settlement call: %s [%s]\n", getString(o, "settlementCallId"), getString(o, "settlementStatus"))
	if esc, ok := o["escrow"].(map[string]any); ok {
		fmt.Fprintf(&sb, "Escrow: %s (tx %s)\n", getString(esc, "status"), getString(esc, "txHash"))
	}
	if resp.Message != "" {
		fmt.Fprintf(&sb, "\n%s", resp.Message)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetOrder returns one order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := int64(req.GetInt("order_id", 0))
	if orderID <= 0 {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleUpdateOrder completes or cancels an order.
func (h *Handlers) HandleUpdateOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := int64(req.GetInt("order_id", 0))
	if orderID <= 0 {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	action := req.GetString("action", "")
	if action != "complete" && action != "cancel" {
		return mcp.NewToolResultError("action must be 'complete' or 'cancel'"), nil
	}

	raw, err := h.client.TransitionOrder(ctx, orderID, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s order: %v", action, err)), nil
	}

	var resp struct {
		Order  map[string]any `json:"order"`
		Escrow map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Order == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	text := fmt.Sprintf("Order #%d is now %s", orderID, getString(resp.Order, "status"))
	if resp.Escrow != nil {
		text += fmt.Sprintf("; escrow %s", getString(resp.Escrow, "status"))
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListAlerts lists settlement alerts.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListAlerts(ctx, req.GetString("severity", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}

	var resp struct {
		Alerts []map[string]any `json:"alerts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alerts: %v", err)), nil
	}
	if len(resp.Alerts) == 0 {
		return mcp.NewToolResultText("No alerts."), nil
	}

	var sb strings.Builder
	for _, a := range resp.Alerts {
		fmt.Fprintf(&sb, "[%s] %s", strings.ToUpper(getString(a, "severity")), getString(a, "message"))
		if id := getString(a, "callId"); id != "" {
			fmt.Fprintf(&sb, " (call %s)", id)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatCall(c map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Call %s: %s [%s]\n", getString(c, "id"), getString(c, "method"), getString(c, "status"))
	fmt.Fprintf(&sb, "Retries: %s/%s\n", getString(c, "retries"), getString(c, "maxRetries"))
	if v := getString(c, "lastError"); v != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", v)
	}
	if v := getString(c, "nextRunAt"); v != "" {
		fmt.Fprintf(&sb, "Next retry: %s\n", v)
	}
	if v := getString(c, "orderId"); v != "" {
		fmt.Fprintf(&sb, "Order: #%s\n", v)
	}
	return sb.String()
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a value from a map as text, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch v := v.(type) {
			case string:
				return v
			case float64:
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
	}
	return ""
}
