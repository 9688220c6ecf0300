// Package admin provides admin-only operational endpoints for the fraud
// service: a runtime state snapshot and on-demand history retention.
package admin

import (
	"time"

	"github.com/mbd888/riskwatch/internal/realtime"
)

// AnalyzerState describes the live-activity analyzer.
type AnalyzerState struct {
	Running    bool `json:"running"`
	QueueDepth int  `json:"queueDepth"`
}

// State is the body of GET /admin/state.
type State struct {
	Version   string             `json:"version"`
	Uptime    string             `json:"uptime"`
	Analyzer  AnalyzerState      `json:"analyzer"`
	Realtime  *realtime.HubStats `json:"realtime,omitempty"`
	Retention bool               `json:"retentionEnabled"`
	Timestamp time.Time          `json:"timestamp"`
}

// PruneReport is the body of POST /admin/history/prune.
type PruneReport struct {
	Pruned     int64         `json:"pruned"`
	Duration   time.Duration `json:"durationMs"`
	FinishedAt time.Time     `json:"finishedAt"`
}
