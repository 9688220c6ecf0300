package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/realtime"
)

// AnalyzerInspector exposes analyzer health.
type AnalyzerInspector interface {
	Running() bool
	QueueDepth() int
}

// HubInspector exposes realtime hub counters.
type HubInspector interface {
	Stats() realtime.HubStats
}

// HistorySweeper prunes activity history once.
type HistorySweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	version  string
	started  time.Time
	analyzer AnalyzerInspector
	hub      HubInspector
	sweeper  HistorySweeper
	now      func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(version string) *Handler {
	return &Handler{version: version, started: time.Now(), now: time.Now}
}

// WithAnalyzer sets the analyzer reported by /admin/state.
func (h *Handler) WithAnalyzer(a AnalyzerInspector) *Handler {
	h.analyzer = a
	return h
}

// WithHub sets the realtime hub reported by /admin/state.
func (h *Handler) WithHub(hub HubInspector) *Handler {
	h.hub = hub
	return h
}

// WithSweeper enables on-demand history pruning.
func (h *Handler) WithSweeper(s HistorySweeper) *Handler {
	h.sweeper = s
	return h
}

// RegisterRoutes sets up admin routes under /admin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin")
	g.GET("/state", h.getState)
	g.POST("/history/prune", h.pruneHistory)
}

func (h *Handler) getState(c *gin.Context) {
	now := h.now()
	state := State{
		Version:   h.version,
		Uptime:    now.Sub(h.started).Truncate(time.Second).String(),
		Retention: h.sweeper != nil,
		Timestamp: now.UTC(),
	}
	if h.analyzer != nil {
		state.Analyzer = AnalyzerState{Running: h.analyzer.Running(), QueueDepth: h.analyzer.QueueDepth()}
	}
	if h.hub != nil {
		stats := h.hub.Stats()
		state.Realtime = &stats
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// pruneHistory runs an on-demand retention sweep.
func (h *Handler) pruneHistory(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "History retention is not configured",
		})
		return
	}

	start := h.now()
	n, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("on-demand history prune failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to prune history",
		})
		return
	}

	end := h.now()
	c.JSON(http.StatusOK, gin.H{"report": PruneReport{
		Pruned:     n,
		Duration:   end.Sub(start) / time.Millisecond,
		FinishedAt: end.UTC(),
	}})
}
