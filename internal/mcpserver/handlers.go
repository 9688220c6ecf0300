package mcpserver

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/riskwatch/internal/fraud"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleAnalyzeUserActivity scores one user action.
func (h *Handlers) HandleAnalyzeUserActivity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	event := &fraud.ActivityEvent{
		UserID:    req.GetString("user_id", ""),
		Action:    req.GetString("action", ""),
		IPAddress: req.GetString("ip_address", ""),
		UserAgent: req.GetString("user_agent", ""),
		Location:  req.GetString("location", ""),
		Outcome:   fraud.Outcome(req.GetString("outcome", "")),
	}
	if event.UserID == "" || event.Action == "" {
		return mcp.NewToolResultError("user_id and action are required"), nil
	}

	result, err := h.client.Analyze(ctx, event)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze activity: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAnalysis(result)), nil
}

// HandleListFraudAlerts lists alerts.
func (h *Handlers) HandleListFraudAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := AlertQuery{
		UserID: req.GetString("user_id", ""),
		Limit:  int(req.GetFloat("limit", 20)),
	}
	switch status := req.GetString("status", "open"); status {
	case "open":
		open := false
		q.Resolved = &open
	case "resolved":
		resolved := true
		q.Resolved = &resolved
	case "all":
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown status %q, use open, resolved or all", status)), nil
	}

	alerts, err := h.client.ListAlerts(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAlertList(alerts)), nil
}

// HandleResolveFraudAlert resolves one alert.
func (h *Handlers) HandleResolveFraudAlert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	alertID := req.GetString("alert_id", "")
	resolvedBy := strings.TrimSpace(req.GetString("resolved_by", ""))
	if alertID == "" || resolvedBy == "" {
		return mcp.NewToolResultError("alert_id and resolved_by are required"), nil
	}

	alert, err := h.client.ResolveAlert(ctx, alertID, resolvedBy)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve alert: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Alert %s resolved by %s", alert.ID, alert.ResolvedBy)
	if alert.ResolvedAt != nil {
		fmt.Fprintf(&sb, " at %s", alert.ResolvedAt.UTC().Format(time.RFC3339))
	}
	sb.WriteString(".\n")
	if alert.ResolvedBy != resolvedBy {
		sb.WriteString("Note: the alert was already resolved; the original resolver is kept.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetFraudStatistics summarizes alerts over a window.
func (h *Handlers) HandleGetFraudStatistics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := h.client.GetStats(ctx, req.GetString("range", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get statistics: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStats(stats)), nil
}

// HandleGetRiskProfile returns a user's behavior profile.
func (h *Handlers) HandleGetRiskProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	p, err := h.client.GetProfile(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get profile: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Profile for %s:\n", p.UserID)
	fmt.Fprintf(&sb, "  Locations:    %s\n", listOrNone(p.TypicalLocations))
	fmt.Fprintf(&sb, "  Devices:      %d known\n", len(p.TypicalDevices))
	hours := make([]string, len(p.TypicalTimes))
	for i, hr := range p.TypicalTimes {
		hours[i] = fmt.Sprintf("%02d:00", hr)
	}
	fmt.Fprintf(&sb, "  Active hours: %s\n", listOrNone(hours))
	fmt.Fprintf(&sb, "  Risk factors: %s\n", listOrNone(p.RiskFactors))
	if !p.LastAnalyzed.IsZero() {
		fmt.Fprintf(&sb, "  Last seen:    %s\n", p.LastAnalyzed.UTC().Format(time.RFC3339))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatAnalysis(r *fraud.FraudAnalysisResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk for %s: %d/100 (%s)\n", r.UserID, r.RiskScore, r.RiskLevel)
	fmt.Fprintf(&sb, "Recommended action: %s\n", r.RecommendedAction)
	if r.ShouldBlock {
		sb.WriteString("Decision: BLOCK\n")
	} else {
		sb.WriteString("Decision: allow\n")
	}
	fmt.Fprintf(&sb, "Indicators: %s\n", listOrNone(r.Indicators))
	if r.AlertID != "" {
		fmt.Fprintf(&sb, "Alert created: %s\n", r.AlertID)
	}
	return sb.String()
}

func formatAlertList(alerts []*fraud.FraudAlert) string {
	if len(alerts) == 0 {
		return "No alerts found."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d alert(s):\n\n", len(alerts))
	for i, a := range alerts {
		state := "open"
		if a.IsResolved {
			state = "resolved by " + a.ResolvedBy
		}
		fmt.Fprintf(&sb, "%d. %s  user=%s  type=%s  score=%d  (%s)\n",
			i+1, a.ID, a.UserID, a.AlertType, a.RiskScore, state)
		fmt.Fprintf(&sb, "   created %s\n", a.CreatedAt.UTC().Format(time.RFC3339))
		if indicators, ok := a.Details["indicators"].([]any); ok && len(indicators) > 0 {
			parts := make([]string, 0, len(indicators))
			for _, ind := range indicators {
				parts = append(parts, fmt.Sprint(ind))
			}
			fmt.Fprintf(&sb, "   indicators: %s\n", strings.Join(parts, ", "))
		}
	}
	return sb.String()
}

func formatStats(s *fraud.FraudStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Fraud statistics %s to %s:\n",
		s.Range.From.UTC().Format(time.RFC3339), s.Range.To.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "  Total alerts:  %d (%d resolved, %d open)\n", s.TotalAlerts, s.ResolvedAlerts, s.UnresolvedAlerts)
	fmt.Fprintf(&sb, "  Average score: %.1f\n", s.AverageRiskScore)
	fmt.Fprintf(&sb, "  Trend:         %s (%+.1f%%)\n", s.Trend.Direction, s.Trend.PercentChange)

	if len(s.AlertsByType) > 0 {
		sb.WriteString("  By type:\n")
		for _, k := range slices.Sorted(maps.Keys(s.AlertsByType)) {
			fmt.Fprintf(&sb, "    %s: %d\n", k, s.AlertsByType[k])
		}
	}
	if len(s.RiskDistribution) > 0 {
		sb.WriteString("  By risk level:\n")
		for _, level := range []fraud.RiskLevel{fraud.RiskLow, fraud.RiskMedium, fraud.RiskHigh, fraud.RiskCritical} {
			if n, ok := s.RiskDistribution[level]; ok {
				fmt.Fprintf(&sb, "    %s: %d\n", level, n)
			}
		}
	}
	return sb.String()
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
