// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port            string
	Env             string // "development", "staging", "production"
	LogLevel        string
	LogFormat       string // "json" or "text"
	ShutdownTimeout time.Duration

	// Storage. Each backend is optional; unset means in-memory.
	DatabaseURL string
	RedisURL    string
	ProfileTTL  time.Duration // Redis profile expiry, 0 keeps profiles forever

	// Activity history retention. A zero interval disables the sweeper.
	HistoryRetention     time.Duration
	HistoryPruneInterval time.Duration

	// Audit stream
	KafkaBrokers     []string
	KafkaAuditTopic  string
	KafkaAlertsTopic string
	KafkaGroupID     string

	// Alert webhook
	AlertWebhookURL    string
	AlertWebhookSecret string

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret     string
	CORSOrigins     []string
	IngestRateLimit float64 // activity events per second per source IP
	IngestBurst     int

	// IP reputation
	IPBlacklist         []string
	ProxyCIDRs          []string
	IPReputationURL     string
	IPReputationTimeout time.Duration

	// Analyzer and thresholds
	AnalyzerWorkers        int
	AnalyzerQueueSize      int
	AlertThreshold         int
	ActivityAlertThreshold int
	BlockThreshold         int
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultShutdownTimeout        = 15 * time.Second
	DefaultAuditTopic             = "audit-events"
	DefaultAlertsTopic            = "fraud-alerts"
	DefaultGroupID                = "riskwatch"
	DefaultIPReputationTimeout    = 500 * time.Millisecond
	DefaultAnalyzerWorkers        = 8
	DefaultAnalyzerQueueSize      = 1024
	DefaultAlertThreshold         = 40
	DefaultActivityAlertThreshold = 50
	DefaultBlockThreshold         = 90
	DefaultIngestRateLimit        = 500
	DefaultIngestBurst            = 1000
	DefaultHistoryRetention       = 30 * 24 * time.Hour
	MinHistoryRetention           = 30 * 24 * time.Hour
	DefaultHistoryPruneInterval   = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		ShutdownTimeout:        getEnvDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		ProfileTTL:             getEnvDuration("PROFILE_TTL", 0),
		HistoryRetention:       getEnvDuration("HISTORY_RETENTION", DefaultHistoryRetention),
		HistoryPruneInterval:   getEnvDuration("HISTORY_PRUNE_INTERVAL", DefaultHistoryPruneInterval),
		KafkaBrokers:           getEnvList("KAFKA_BROKERS"),
		KafkaAuditTopic:        getEnv("KAFKA_AUDIT_TOPIC", DefaultAuditTopic),
		KafkaAlertsTopic:       getEnv("KAFKA_ALERTS_TOPIC", DefaultAlertsTopic),
		KafkaGroupID:           getEnv("KAFKA_GROUP_ID", DefaultGroupID),
		AlertWebhookURL:        os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:     os.Getenv("ALERT_WEBHOOK_SECRET"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		CORSOrigins:            getEnvList("CORS_ORIGINS"),
		IngestRateLimit:        float64(getEnvInt("INGEST_RATE_LIMIT", DefaultIngestRateLimit)),
		IngestBurst:            getEnvInt("INGEST_BURST", DefaultIngestBurst),
		IPBlacklist:            getEnvList("IP_BLACKLIST"),
		ProxyCIDRs:             getEnvList("PROXY_CIDRS"),
		IPReputationURL:        os.Getenv("IP_REPUTATION_URL"),
		IPReputationTimeout:    getEnvDuration("IP_REPUTATION_TIMEOUT", DefaultIPReputationTimeout),
		AnalyzerWorkers:        getEnvInt("ANALYZER_WORKERS", DefaultAnalyzerWorkers),
		AnalyzerQueueSize:      getEnvInt("ANALYZER_QUEUE_SIZE", DefaultAnalyzerQueueSize),
		AlertThreshold:         getEnvInt("ALERT_THRESHOLD", DefaultAlertThreshold),
		ActivityAlertThreshold: getEnvInt("ACTIVITY_ALERT_THRESHOLD", DefaultActivityAlertThreshold),
		BlockThreshold:         getEnvInt("BLOCK_THRESHOLD", DefaultBlockThreshold),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges and formats of the loaded values.
func (c *Config) Validate() error {
	for name, v := range map[string]int{
		"ALERT_THRESHOLD":          c.AlertThreshold,
		"ACTIVITY_ALERT_THRESHOLD": c.ActivityAlertThreshold,
		"BLOCK_THRESHOLD":          c.BlockThreshold,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be between 0 and 100, got %d", name, v)
		}
	}
	if c.AnalyzerWorkers < 1 {
		return fmt.Errorf("ANALYZER_WORKERS must be at least 1")
	}
	if c.AnalyzerQueueSize < 1 {
		return fmt.Errorf("ANALYZER_QUEUE_SIZE must be at least 1")
	}
	if c.IngestRateLimit <= 0 || c.IngestBurst < 1 {
		return fmt.Errorf("INGEST_RATE_LIMIT and INGEST_BURST must be positive")
	}
	if c.IPReputationTimeout <= 0 {
		return fmt.Errorf("IP_REPUTATION_TIMEOUT must be positive")
	}
	// Location and time-pattern signals read 30 days of history.
	if c.HistoryRetention < MinHistoryRetention {
		return fmt.Errorf("HISTORY_RETENTION must be at least %s, got %s", MinHistoryRetention, c.HistoryRetention)
	}
	if c.AlertWebhookURL != "" {
		u, err := url.Parse(c.AlertWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ALERT_WEBHOOK_URL must be an absolute http(s) URL")
		}
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		return err
	}
	for _, ip := range c.IPBlacklist {
		if _, err := netip.ParseAddr(ip); err != nil {
			return fmt.Errorf("IP_BLACKLIST: invalid address %q", ip)
		}
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// ProxyPrefixes parses PROXY_CIDRS.
func (c *Config) ProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.ProxyCIDRs))
	for _, cidr := range c.ProxyCIDRs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("PROXY_CIDRS: invalid CIDR %q", cidr)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// KafkaEnabled reports whether an audit stream is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
