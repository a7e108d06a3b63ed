// Settlement MCP server: exposes the contract call queue and escrow orders as MCP tools.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/settlement/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:        envOrDefault("SETTLEMENT_API_URL", "http://localhost:8080"),
		CallerAddress: os.Getenv("SETTLEMENT_CALLER_ADDRESS"),
	}

	if cfg.CallerAddress == "" {
		fmt.Fprintln(os.Stderr, "SETTLEMENT_CALLER_ADDRESS not set; contract call tools will require a caller argument")
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
