package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all riskwatch tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("riskwatch", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolAnalyzeUserActivity, h.HandleAnalyzeUserActivity)
	s.AddTool(ToolListFraudAlerts, h.HandleListFraudAlerts)
	s.AddTool(ToolResolveFraudAlert, h.HandleResolveFraudAlert)
	s.AddTool(ToolGetFraudStatistics, h.HandleGetFraudStatistics)
	s.AddTool(ToolGetRiskProfile, h.HandleGetRiskProfile)

	return s
}
