// Package metrics provides Prometheus instrumentation for riskwatch.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "riskwatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// FraudAnalysesTotal counts synchronous analyses by resulting risk level.
	FraudAnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Subsystem: "fraud",
			Name:      "analyses_total",
			Help:      "Total synchronous fraud analyses by risk level.",
		},
		[]string{"level"},
	)

	// FraudAnalysisDuration observes synchronous analysis latency.
	FraudAnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riskwatch",
		Subsystem: "fraud",
		Name:      "analysis_duration_seconds",
		Help:      "Latency of AnalyzeUserBehavior in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// SignalErrorsTotal counts evaluator failures that contributed 0 (fail-open).
	SignalErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Subsystem: "fraud",
			Name:      "signal_errors_total",
			Help:      "Signal evaluator failures by signal name.",
		},
		[]string{"signal"},
	)

	// AlertsCreatedTotal counts fraud alerts by type.
	AlertsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Subsystem: "fraud",
			Name:      "alerts_created_total",
			Help:      "Total fraud alerts created by alert type.",
		},
		[]string{"type"},
	)

	// AlertsResolvedTotal counts resolved fraud alerts.
	AlertsResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskwatch",
		Subsystem: "fraud",
		Name:      "alerts_resolved_total",
		Help:      "Total fraud alerts resolved.",
	})

	// ActivityEventsTotal counts live activity events by result
	// (processed, dropped, invalid, failed).
	ActivityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Subsystem: "activity",
			Name:      "events_total",
			Help:      "Live activity events by processing result.",
		},
		[]string{"result"},
	)

	// AnalyzerQueueDepth tracks events waiting in the analyzer partitions.
	AnalyzerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskwatch",
		Subsystem: "activity",
		Name:      "queue_depth",
		Help:      "Events queued for the live activity analyzer.",
	})

	// StoreErrorsTotal counts degraded storage operations by store and op.
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Subsystem: "fraud",
			Name:      "store_errors_total",
			Help:      "Storage failures absorbed by the fraud engine.",
		},
		[]string{"store", "op"},
	)

	// StreamMessagesTotal counts Kafka messages by topic and result
	// (submitted, dropped, malformed, published, publish_failed).
	StreamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Kafka messages consumed or published, by result.",
		},
		[]string{"topic", "result"},
	)

	// IPReputationLookupsTotal counts reputation provider calls by result
	// (ok, error, circuit_open).
	IPReputationLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Subsystem: "iprep",
			Name:      "lookups_total",
			Help:      "IP reputation lookups by result.",
		},
		[]string{"result"},
	)

	// WebhookDeliveriesTotal counts alert webhook deliveries by result
	// (delivered, failed, dropped).
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Alert webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// HistoryPrunedTotal counts activity events removed by retention.
	HistoryPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskwatch",
		Subsystem: "history",
		Name:      "pruned_total",
		Help:      "Activity history events deleted by the retention sweeper.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "riskwatch",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// RealtimeDropsTotal counts notifications the realtime hub could not
	// deliver, by reason (queue_full, slow_client).
	RealtimeDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Subsystem: "realtime",
			Name:      "drops_total",
			Help:      "Realtime notifications dropped before reaching a client.",
		},
		[]string{"reason"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskwatch", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskwatch", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskwatch", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		FraudAnalysesTotal,
		FraudAnalysisDuration,
		SignalErrorsTotal,
		AlertsCreatedTotal,
		AlertsResolvedTotal,
		ActivityEventsTotal,
		AnalyzerQueueDepth,
		StoreErrorsTotal,
		StreamMessagesTotal,
		IPReputationLookupsTotal,
		WebhookDeliveriesTotal,
		HistoryPrunedTotal,
		ActiveWebSocketClients,
		RealtimeDropsTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
