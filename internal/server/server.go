// Package server wires the fraud engine, its stores and transports into an
// HTTP service.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	adminapi "github.com/mbd888/riskwatch/internal/admin"
	"github.com/mbd888/riskwatch/internal/auth"
	"github.com/mbd888/riskwatch/internal/config"
	"github.com/mbd888/riskwatch/internal/fraud"
	"github.com/mbd888/riskwatch/internal/health"
	"github.com/mbd888/riskwatch/internal/iprep"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/ratelimit"
	"github.com/mbd888/riskwatch/internal/realtime"
	"github.com/mbd888/riskwatch/internal/security"
	"github.com/mbd888/riskwatch/internal/stream"
	"github.com/mbd888/riskwatch/internal/validation"
	"github.com/mbd888/riskwatch/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	version       string
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil unless REDIS_URL is set
	engine        *fraud.Engine
	analyzer      *fraud.Analyzer
	realtimeHub   *realtime.Hub
	consumer      *stream.Consumer     // nil unless Kafka is configured
	publisher     *stream.Publisher    // nil unless Kafka is configured
	webhooks      *webhooks.Dispatcher // nil unless ALERT_WEBHOOK_URL is set
	sweeper       *fraud.RetentionSweeper
	ingestLimiter *ratelimit.Limiter
	checks        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	stopConsumer  context.CancelFunc
	consumerDone  sync.WaitGroup
	shutdownOnce  sync.Once

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		checks:  health.NewRegistry(health.DefaultTimeout),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	var (
		profiles fraud.ProfileStore = fraud.NewMemoryProfileStore()
		history  fraud.HistoryStore = fraud.NewMemoryHistoryStore()
		alerts   fraud.AlertStore   = fraud.NewMemoryAlertStore()
	)

	// Postgres holds alerts, history and (unless Redis is set) profiles.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		store := fraud.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate fraud store", "error", err)
		}
		s.db = db
		profiles, history, alerts = store, store, store
		s.checks.Register("database", health.Ping("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, fraud data is kept in memory")
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		profileStore := fraud.NewRedisProfileStore(client, cfg.ProfileTTL)
		if err := profileStore.Ping(ctx); err != nil {
			_ = client.Close()
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		profiles = profileStore
		s.checks.Register("redis", health.Ping("redis", profileStore.Ping))
		s.logger.Info("using Redis profile store", "addr", redisOpts.Addr, "ttl", cfg.ProfileTTL)
	}

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	notifier := fraud.MultiNotifier{s.realtimeHub}
	if cfg.KafkaEnabled() {
		s.publisher = stream.NewPublisher(cfg.KafkaBrokers, cfg.KafkaAlertsTopic, s.logger)
		notifier = append(notifier, s.publisher)
	}
	if cfg.AlertWebhookURL != "" {
		s.webhooks = webhooks.NewDispatcher(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, s.logger)
		notifier = append(notifier, s.webhooks)
		s.logger.Info("alert webhook enabled", "signed", cfg.AlertWebhookSecret != "")
	}

	if pruner, ok := history.(fraud.HistoryPruner); ok {
		s.sweeper = fraud.NewRetentionSweeper(pruner, cfg.HistoryRetention, cfg.HistoryPruneInterval, s.logger)
	}

	proxyPrefixes, err := cfg.ProxyPrefixes()
	if err != nil {
		s.closeStores()
		return nil, err
	}
	var reputation fraud.ReputationProvider
	if cfg.IPReputationURL != "" {
		reputation = iprep.New(cfg.IPReputationURL, cfg.IPReputationTimeout)
		s.logger.Info("ip reputation lookups enabled", "timeout", cfg.IPReputationTimeout)
	}
	ipEval := fraud.NewIPReputationEvaluator(cfg.IPBlacklist, proxyPrefixes, reputation)

	s.engine = fraud.NewEngine(profiles, history, fraud.NewAlertManager(alerts, s.logger),
		fraud.WithLogger(s.logger),
		fraud.WithNotifier(notifier),
		fraud.WithEvaluators(fraud.DefaultEvaluators(ipEval)...),
		fraud.WithAlertThreshold(cfg.AlertThreshold),
		fraud.WithBlockThreshold(cfg.BlockThreshold),
	)
	s.analyzer = fraud.NewAnalyzer(s.engine,
		fraud.WithWorkers(cfg.AnalyzerWorkers),
		fraud.WithQueueSize(cfg.AnalyzerQueueSize),
		fraud.WithActivityAlertThreshold(cfg.ActivityAlertThreshold),
		fraud.WithAnalyzerLogger(s.logger),
	)
	s.checks.Register("analyzer", func(context.Context) health.Status {
		if !s.analyzer.Running() {
			return health.Status{Name: "analyzer", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "analyzer", Healthy: true}
	})

	if cfg.KafkaEnabled() {
		s.consumer = stream.NewConsumer(stream.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaAuditTopic,
			GroupID: cfg.KafkaGroupID,
		}, s.analyzer, s.logger)
		s.logger.Info("kafka audit stream enabled",
			"brokers", cfg.KafkaBrokers,
			"audit_topic", cfg.KafkaAuditTopic,
			"alerts_topic", cfg.KafkaAlertsTopic,
		)
	}

	if cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, fraud API is unauthenticated")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.ingestLimiter = ratelimit.New(ratelimit.Config{
		PerSecond: cfg.IngestRateLimit,
		Burst:     cfg.IngestBurst,
	})
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/metrics" || path == "/health/live" || path == "/health/ready":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	requireAdmin := auth.RequireAdmin(s.cfg.AdminSecret)

	// Monitoring feed for analyst dashboards.
	s.router.GET("/ws", requireAdmin, gin.WrapF(s.realtimeHub.HandleWebSocket))

	handler := fraud.NewHandler(s.engine, s.analyzer)
	v1 := s.router.Group("/v1")

	admin := v1.Group("", requireAdmin, validation.ParamMiddleware("id", "userId"))
	handler.RegisterRoutes(admin)

	ops := adminapi.NewHandler(s.version).
		WithAnalyzer(s.analyzer).
		WithHub(s.realtimeHub)
	if s.sweeper != nil {
		ops = ops.WithSweeper(s.sweeper)
	}
	ops.RegisterRoutes(admin)

	ingest := v1.Group("", requireAdmin, s.ingestLimiter.Middleware(func(*gin.Context) {
		metrics.ActivityEventsTotal.WithLabelValues("rate_limited").Inc()
	}))
	handler.RegisterIngestRoutes(ingest)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    []health.Status   `json:"checks,omitempty"`
	Realtime  realtime.HubStats `json:"realtime"`
	Queue     int               `json:"analyzerQueueDepth"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
		Realtime:  s.realtimeHub.Stats(),
		Queue:     s.analyzer.QueueDepth(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers (realtime hub, webhook delivery,
// analyzer partitions, retention sweeper, Kafka consumer, DB stats sampler).
// Run calls it; tests call it directly to exercise the pipeline without a
// listener.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	if s.webhooks != nil {
		s.webhooks.Start(runCtx)
	}
	s.analyzer.Start(runCtx)
	if s.sweeper != nil && s.cfg.HistoryPruneInterval > 0 {
		go s.sweeper.Start(runCtx)
	}

	if s.consumer != nil {
		consumerCtx, stop := context.WithCancel(runCtx)
		s.stopConsumer = stop
		s.consumerDone.Add(1)
		go func() {
			defer s.consumerDone.Done()
			if err := s.consumer.Run(consumerCtx); err != nil {
				s.logger.Error("audit stream consumer stopped", "error", err)
				s.healthy.Store(false)
			}
		}()
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops intake first and drains the analyzer before closing the
// stores it writes to.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() { err = s.shutdown() })
	return err
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.stopConsumer != nil {
		s.stopConsumer()
		s.consumerDone.Wait()
		if err := s.consumer.Close(); err != nil {
			s.logger.Warn("kafka consumer close error", "error", err)
		}
		s.logger.Info("audit stream consumer stopped")
	}

	s.analyzer.Stop()
	s.logger.Info("activity analyzer drained")

	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.webhooks != nil {
		s.webhooks.Close()
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("kafka publisher close error", "error", err)
		}
	}

	s.ingestLimiter.Stop()
	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine exposes the fraud engine for in-process callers such as the MCP
// server.
func (s *Server) Engine() *fraud.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
