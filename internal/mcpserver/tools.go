package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the settlement MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolExecuteCall = mcp.NewTool("execute_contract_call",
	mcp.WithDescription(
		"Execute a settlement contract call (e.g. burn, transfer) now. "+
			"If the chain is temporarily unavailable the call is queued and retried automatically; "+
			"the result shows the call ID and its status (SUCCESS, QUEUED or FAILED)."),
	mcp.WithString("method",
		mcp.Required(),
		mcp.Description("Contract method: burn, mint, transfer, approve or setPaused")),
	mcp.WithArray("args",
		mcp.Description("Positional method arguments, e.g. [1000] for burn or [\"0xabc...\", 500] for transfer")),
	mcp.WithString("caller",
		mcp.Description("Wallet address submitting the call. Defaults to the configured caller.")),
	mcp.WithNumber("order_id",
		mcp.Description("Escrow order this call settles, if any")),
)

var ToolEnqueueCall = mcp.NewTool("enqueue_contract_call",
	mcp.WithDescription(
		"Queue a settlement contract call for the background worker without attempting it now."),
	mcp.WithString("method",
		mcp.Required(),
		mcp.Description("Contract method, as for execute_contract_call")),
	mcp.WithArray("args",
		mcp.Description("Positional method arguments")),
	mcp.WithString("caller",
		mcp.Description("Wallet address submitting the call. Defaults to the configured caller.")),
)

var ToolGetCall = mcp.NewTool("get_contract_call",
	mcp.WithDescription(
		"Look up a settlement contract call by ID: status, retries, last error and next retry time."),
	mcp.WithString("call_id",
		mcp.Required(),
		mcp.Description("Call ID, e.g. 'call_4f1e...'")),
)

var ToolListCalls = mcp.NewTool("list_contract_calls",
	mcp.WithDescription(
		"List recent settlement contract calls, newest first."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("PENDING", "QUEUED", "PROCESSING", "SUCCESS", "FAILED")),
	mcp.WithString("caller",
		mcp.Description("Filter by caller wallet address")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of calls to return (default 20, max 200)")),
)

var ToolRunWorker = mcp.NewTool("run_settlement_worker",
	mcp.WithDescription(
		"Run one settlement worker pass now instead of waiting for the next interval. "+
			"Retries every queued call whose retry time has passed."),
)

var ToolCreateOrder = mcp.NewTool("create_escrow_order",
	mcp.WithDescription(
		"Create an escrow order for a product. The settlement fee is burned on-chain; "+
			"if the chain is down the order is still created and the burn is retried."),
	mcp.WithNumber("customer_id",
		mcp.Required(),
		mcp.Description("Buyer user ID")),
	mcp.WithNumber("product_id",
		mcp.Required(),
		mcp.Description("Product ID")),
	mcp.WithNumber("quantity",
		mcp.Description("Quantity, 1 to 50 (default 1)")),
	mcp.WithString("wallet_address",
		mcp.Required(),
		mcp.Description("Buyer wallet address that pays the settlement fee")),
	mcp.WithString("shipping_address",
		mcp.Description("Shipping address. Defaults to the buyer's saved address.")),
)

var ToolGetOrder = mcp.NewTool("get_escrow_order",
	mcp.WithDescription(
		"Get an escrow order with its escrow state (LOCKED, RELEASED, REFUNDED) and settlement status."),
	mcp.WithNumber("order_id",
		mcp.Required(),
		mcp.Description("Order ID")),
)

var ToolUpdateOrder = mcp.NewTool("update_escrow_order",
	mcp.WithDescription(
		"Complete (release escrow to the seller) or cancel (refund the buyer) a pending escrow order."),
	mcp.WithNumber("order_id",
		mcp.Required(),
		mcp.Description("Order ID")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("What to do with the order"),
		mcp.Enum("complete", "cancel")),
)

var ToolListAlerts = mcp.NewTool("list_settlement_alerts",
	mcp.WithDescription(
		"List recent settlement alerts: warnings when a call has one retry left, critical when a call failed for good."),
	mcp.WithString("severity",
		mcp.Description("Filter by severity"),
		mcp.Enum("info", "warning", "critical")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts (default 20)")),
)
