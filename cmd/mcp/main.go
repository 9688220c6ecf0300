// Riskwatch MCP Server - exposes fraud review tools to LLM analyst assistants
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/riskwatch/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("RISKWATCH_API_URL", "http://localhost:8080"),
		AdminSecret: os.Getenv("RISKWATCH_ADMIN_SECRET"),
	}

	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "RISKWATCH_ADMIN_SECRET is not set, requests will be unauthenticated")
	}

	s := mcpserver.NewMCPServer(cfg, Version)
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
