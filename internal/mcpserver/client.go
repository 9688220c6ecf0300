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
	"time"

	"github.com/mbd888/riskwatch/internal/fraud"
)

// Config holds the configuration for connecting to a riskwatch server.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as a bearer token on every call
}

// Client is a pure HTTP client for the riskwatch admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 4 << 20

// doRequest makes an HTTP request and decodes the JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.cfg.AdminSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Analyze runs the synchronous risk check for one event.
func (c *Client) Analyze(ctx context.Context, event *fraud.ActivityEvent) (*fraud.FraudAnalysisResult, error) {
	var resp struct {
		Analysis *fraud.FraudAnalysisResult `json:"analysis"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/fraud/analyze", nil, event, &resp); err != nil {
		return nil, err
	}
	if resp.Analysis == nil {
		return nil, fmt.Errorf("response has no analysis")
	}
	return resp.Analysis, nil
}

// AlertQuery narrows ListAlerts. Zero values are omitted.
type AlertQuery struct {
	UserID   string
	Resolved *bool
	Limit    int
}

// ListAlerts returns alerts newest first.
func (c *Client) ListAlerts(ctx context.Context, q AlertQuery) ([]*fraud.FraudAlert, error) {
	params := url.Values{}
	if q.UserID != "" {
		params.Set("userId", q.UserID)
	}
	if q.Resolved != nil {
		params.Set("resolved", strconv.FormatBool(*q.Resolved))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var resp struct {
		Alerts []*fraud.FraudAlert `json:"alerts"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/fraud/alerts", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// ResolveAlert marks an alert resolved.
func (c *Client) ResolveAlert(ctx context.Context, alertID, resolvedBy string) (*fraud.FraudAlert, error) {
	path := "/v1/fraud/alerts/" + url.PathEscape(alertID) + "/resolve"
	var resp struct {
		Alert *fraud.FraudAlert `json:"alert"`
	}
	body := fraud.ResolveRequest{ResolvedBy: resolvedBy}
	if err := c.doRequest(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Alert, nil
}

// GetStats returns alert statistics for a range such as "24h" or "30d".
func (c *Client) GetStats(ctx context.Context, timeRange string) (*fraud.FraudStats, error) {
	params := url.Values{}
	if timeRange != "" {
		params.Set("range", timeRange)
	}
	var resp struct {
		Stats *fraud.FraudStats `json:"stats"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/fraud/stats", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

// GetProfile returns a user's behavior profile.
func (c *Client) GetProfile(ctx context.Context, userID string) (*fraud.BehaviorProfile, error) {
	var resp struct {
		Profile *fraud.BehaviorProfile `json:"profile"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/fraud/profiles/"+url.PathEscape(userID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Profile, nil
}
