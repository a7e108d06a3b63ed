package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all settlement tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("settlement", "0.1.0")
	h := NewHandlers(NewSettlementClient(cfg))

	s.AddTool(ToolExecuteCall, h.HandleExecuteCall)
	s.AddTool(ToolEnqueueCall, h.HandleEnqueueCall)
	s.AddTool(ToolGetCall, h.HandleGetCall)
	s.AddTool(ToolListCalls, h.HandleListCalls)
	s.AddTool(ToolRunWorker, h.HandleRunWorker)
	s.AddTool(ToolCreateOrder, h.HandleCreateOrder)
	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolUpdateOrder, h.HandleUpdateOrder)
	s.AddTool(ToolListAlerts, h.HandleListAlerts)

	return s
}
