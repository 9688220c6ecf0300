package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the riskwatch MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeUserActivity = mcp.NewTool("analyze_user_activity",
	mcp.WithDescription(
		"Score a single user action for fraud risk. "+
			"Returns a 0-100 risk score, the risk level, the indicators that fired, "+
			"and whether the action should be blocked. Creates an alert when the score is high enough."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user performing the action")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Action name, e.g. 'login', 'document.downloaded', 'admin.settings.changed'")),
	mcp.WithString("ip_address",
		mcp.Description("Source IP address of the request")),
	mcp.WithString("user_agent",
		mcp.Description("HTTP User-Agent of the client")),
	mcp.WithString("location",
		mcp.Description("Coarse location label, e.g. 'Berlin, DE'")),
	mcp.WithString("outcome",
		mcp.Description("Result of the action"),
		mcp.Enum("success", "failure", "blocked")),
)

var ToolListFraudAlerts = mcp.NewTool("list_fraud_alerts",
	mcp.WithDescription(
		"List fraud alerts, newest first. "+
			"Use this to review open cases or the alert history of a specific user."),
	mcp.WithString("user_id",
		mcp.Description("Only alerts for this user")),
	mcp.WithString("status",
		mcp.Description("Filter by resolution state (default 'open')"),
		mcp.Enum("open", "resolved", "all")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 20, max 200)")),
)

var ToolResolveFraudAlert = mcp.NewTool("resolve_fraud_alert",
	mcp.WithDescription(
		"Mark a fraud alert as resolved after review. "+
			"Resolution is permanent; resolving an already resolved alert keeps the original resolver."),
	mcp.WithString("alert_id",
		mcp.Required(),
		mcp.Description("The alert ID, e.g. 'fa_...'")),
	mcp.WithString("resolved_by",
		mcp.Required(),
		mcp.Description("Name or ID of the analyst resolving the alert")),
)

var ToolGetFraudStatistics = mcp.NewTool("get_fraud_statistics",
	mcp.WithDescription(
		"Summarize fraud alerts over a time window: totals, resolution counts, "+
			"average score, breakdown by type and risk level, and the trend against the previous window."),
	mcp.WithString("range",
		mcp.Description("Window ending now, e.g. '24h', '7d', '30d' (default '7d')")),
)

var ToolGetRiskProfile = mcp.NewTool("get_risk_profile",
	mcp.WithDescription(
		"Show the learned behavior profile for a user: typical locations, devices and hours, "+
			"plus the risk factors seen most recently."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user to look up")),
)
