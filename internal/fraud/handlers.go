package fraud

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskwatch/internal/pagination"
)

// Handler provides HTTP endpoints for fraud analysis and alert management.
type Handler struct {
	engine   *Engine
	analyzer *Analyzer
}

// NewHandler creates a fraud handler. analyzer may be nil when live
// ingestion is served elsewhere.
func NewHandler(engine *Engine, analyzer *Analyzer) *Handler {
	return &Handler{engine: engine, analyzer: analyzer}
}

// RegisterRoutes sets up the admin fraud routes under /fraud.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/fraud")
	g.POST("/analyze", h.Analyze)
	g.GET("/alerts", h.ListAlerts)
	g.GET("/alerts/:id", h.GetAlert)
	g.POST("/alerts/:id/resolve", h.ResolveAlert)
	g.GET("/stats", h.GetStats)
	g.GET("/profiles/:userId", h.GetProfile)
}

// RegisterIngestRoutes sets up the activity ingestion route.
func (h *Handler) RegisterIngestRoutes(r *gin.RouterGroup) {
	r.POST("/activity", h.IngestActivity)
}

// Analyze handles POST /v1/fraud/analyze
func (h *Handler) Analyze(c *gin.Context) {
	var event ActivityEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result := h.engine.AnalyzeUserBehavior(c.Request.Context(), &event)
	c.JSON(http.StatusOK, gin.H{"analysis": result})
}

// ListAlerts handles GET /v1/fraud/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}
	// One extra row tells us whether another page exists.
	filter := AlertFilter{UserID: c.Query("userId"), Limit: limit + 1, After: cursor}
	if r := c.Query("resolved"); r != "" {
		resolved, err := strconv.ParseBool(r)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "resolved must be true or false",
			})
			return
		}
		filter.Resolved = &resolved
	}
	for param, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := c.Query(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": param + " must be an RFC3339 timestamp",
				})
				return
			}
			*dst = t
		}
	}

	alerts, err := h.engine.Alerts().ListAlerts(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list alerts",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(alerts, limit, func(a *FraudAlert) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	resp := gin.H{
		"alerts":  page,
		"count":   len(page),
		"hasMore": hasMore,
	}
	if hasMore {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetAlert handles GET /v1/fraud/alerts/:id
func (h *Handler) GetAlert(c *gin.Context) {
	alert, err := h.engine.Alerts().GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Alert not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get alert",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// ResolveRequest is the body of POST /v1/fraud/alerts/:id/resolve.
type ResolveRequest struct {
	ResolvedBy string `json:"resolvedBy" binding:"required"`
}

// ResolveAlert handles POST /v1/fraud/alerts/:id/resolve
func (h *Handler) ResolveAlert(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolvedBy is required",
		})
		return
	}

	alert, err := h.engine.Alerts().ResolveAlert(c.Request.Context(), c.Param("id"), req.ResolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlertNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Alert not found",
			})
		case errors.Is(err, ErrInvalidResolver):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to resolve alert",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// GetStats handles GET /v1/fraud/stats
func (h *Handler) GetStats(c *gin.Context) {
	tr, err := ParseTimeRange(c.Query("range"), time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	stats, err := h.engine.Alerts().GetFraudStatistics(c.Request.Context(), tr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute statistics",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetProfile handles GET /v1/fraud/profiles/:userId
func (h *Handler) GetProfile(c *gin.Context) {
	profile, err := h.engine.Profile(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Profile not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get profile",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

// IngestActivity handles POST /v1/activity
func (h *Handler) IngestActivity(c *gin.Context) {
	if h.analyzer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "Activity analyzer is not running",
		})
		return
	}

	var event ActivityEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := ValidateEvent(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	if !h.analyzer.Submit(&event) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "queue_full",
			"message": "Activity event dropped, retry later",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}
