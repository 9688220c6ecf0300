package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/riskwatch/internal/idgen"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/retry"
	"github.com/mbd888/riskwatch/internal/syncutil"
	"github.com/mbd888/riskwatch/internal/traces"
)

// Anomaly tags raised by the live activity pass.
const (
	TagUnusualTimeActivity     = "unusual_time_activity"
	TagNewLocationActivity     = "new_location_activity"
	TagHighFrequencyActivity   = "high_frequency_activity"
	TagExcessiveDocumentAccess = "excessive_document_access"
	TagMassDocumentDownload    = "mass_document_download"
	TagRepeatedFailures        = "repeated_failures"
)

// activityWeights is the live-path score table.
var activityWeights = map[string]int{
	TagUnusualTimeActivity:     15,
	TagNewLocationActivity:     20,
	TagHighFrequencyActivity:   30,
	TagExcessiveDocumentAccess: 35,
	TagMassDocumentDownload:    50,
	TagRepeatedFailures:        25,
}

const (
	failureWeight     = 15
	adminActionWeight = 20

	sameActionHourlyLimit = 20
	documentDailyLimit    = 15
	downloadDailyLimit    = 5
	failureHourlyLimit    = 5

	defaultAnalyzerWorkers   = 8
	defaultAnalyzerQueueSize = 1024
)

// Activity alert recommendations.
const (
	RecommendInvestigate = "Immediate investigation required"
	RecommendEnhanced    = "Enhanced monitoring recommended"
	RecommendContinue    = "Continue monitoring"
)

// Analyzer is the live activity pass. Events are partitioned by user so each
// user's events are handled in order by a single worker, while different
// users proceed in parallel.
type Analyzer struct {
	engine     *Engine
	partitions []chan *ActivityEvent
	threshold  int
	logger     *slog.Logger

	depth   atomic.Int64
	running atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*analyzerConfig)

type analyzerConfig struct {
	workers   int
	queueSize int
	threshold int
	logger    *slog.Logger
}

// WithWorkers sets the number of partition workers.
func WithWorkers(n int) AnalyzerOption {
	return func(c *analyzerConfig) { c.workers = n }
}

// WithQueueSize sets each partition's buffer.
func WithQueueSize(n int) AnalyzerOption {
	return func(c *analyzerConfig) { c.queueSize = n }
}

// WithActivityAlertThreshold sets the score an activity must exceed to raise an alert.
func WithActivityAlertThreshold(t int) AnalyzerOption {
	return func(c *analyzerConfig) { c.threshold = t }
}

// WithAnalyzerLogger sets the analyzer logger.
func WithAnalyzerLogger(l *slog.Logger) AnalyzerOption {
	return func(c *analyzerConfig) { c.logger = l }
}

// NewAnalyzer creates a live analyzer sharing state with engine.
func NewAnalyzer(engine *Engine, opts ...AnalyzerOption) *Analyzer {
	cfg := analyzerConfig{
		workers:   defaultAnalyzerWorkers,
		queueSize: defaultAnalyzerQueueSize,
		threshold: DefaultActivityAlertThreshold,
		logger:    engine.logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers <= 0 {
		cfg.workers = defaultAnalyzerWorkers
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = defaultAnalyzerQueueSize
	}
	if cfg.threshold <= 0 || cfg.threshold > 100 {
		cfg.threshold = DefaultActivityAlertThreshold
	}

	a := &Analyzer{
		engine:     engine,
		partitions: make([]chan *ActivityEvent, cfg.workers),
		threshold:  cfg.threshold,
		logger:     cfg.logger,
		stop:       make(chan struct{}),
	}
	for i := range a.partitions {
		a.partitions[i] = make(chan *ActivityEvent, cfg.queueSize)
	}
	return a
}

// Running reports whether the workers are started.
func (a *Analyzer) Running() bool { return a.running.Load() && !a.stopped.Load() }

// QueueDepth returns the number of events waiting across all partitions.
func (a *Analyzer) QueueDepth() int { return int(a.depth.Load()) }

// Submit enqueues an event without blocking. It returns false when the event
// was dropped: missing user, analyzer stopped, or partition full.
func (a *Analyzer) Submit(event *ActivityEvent) bool {
	if event == nil || strings.TrimSpace(event.UserID) == "" {
		metrics.ActivityEventsTotal.WithLabelValues("invalid").Inc()
		return false
	}
	if a.stopped.Load() {
		metrics.ActivityEventsTotal.WithLabelValues("dropped").Inc()
		a.logger.Warn("activity event dropped: analyzer stopped", "user_id", event.UserID)
		return false
	}

	ev := *event
	q := a.partitions[syncutil.Shard(ev.UserID, len(a.partitions))]
	select {
	case q <- &ev:
		metrics.AnalyzerQueueDepth.Set(float64(a.depth.Add(1)))
		return true
	default:
		metrics.ActivityEventsTotal.WithLabelValues("dropped").Inc()
		a.logger.Warn("activity event dropped: queue full",
			"user_id", ev.UserID, "action", ev.Action)
		return false
	}
}

// Start launches one worker per partition and returns immediately.
func (a *Analyzer) Start(ctx context.Context) {
	if !a.running.CompareAndSwap(false, true) {
		return
	}
	for i, q := range a.partitions {
		a.wg.Add(1)
		go a.worker(ctx, i, q)
	}
	a.logger.Info("activity analyzer started", "workers", len(a.partitions))
}

// Stop stops accepting events, processes what is already queued and waits
// for the workers to exit.
func (a *Analyzer) Stop() {
	a.once.Do(func() {
		a.stopped.Store(true)
		close(a.stop)
	})
	a.wg.Wait()
}

func (a *Analyzer) worker(ctx context.Context, idx int, q chan *ActivityEvent) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			for {
				select {
				case ev := <-q:
					a.dequeued()
					a.safeProcess(ctx, idx, ev)
				default:
					return
				}
			}
		case ev := <-q:
			a.dequeued()
			a.safeProcess(ctx, idx, ev)
		}
	}
}

func (a *Analyzer) dequeued() {
	metrics.AnalyzerQueueDepth.Set(float64(a.depth.Add(-1)))
}

func (a *Analyzer) safeProcess(ctx context.Context, idx int, ev *ActivityEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ActivityEventsTotal.WithLabelValues("failed").Inc()
			a.logger.Error("panic in activity analyzer",
				"partition", idx, "user_id", ev.UserID, "panic", fmt.Sprint(r))
		}
	}()
	if _, err := a.Process(ctx, ev); err != nil {
		a.logger.Warn("activity event rejected", "partition", idx, "error", err)
	}
}

// Process runs the live pass for one event synchronously. Only validation
// errors are returned; storage failures are logged and absorbed.
func (a *Analyzer) Process(ctx context.Context, event *ActivityEvent) (*ActivityResult, error) {
	if err := ValidateEvent(event); err != nil {
		metrics.ActivityEventsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ev := *NormalizeEvent(event)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.engine.now().UTC()
	}
	if ev.ID == "" {
		ev.ID = idgen.New()
	}
	now := ev.Timestamp.UTC()

	ctx, span := traces.StartSpan(ctx, "fraud.ProcessActivity",
		traces.UserID(ev.UserID), traces.Action(ev.Action))
	defer span.End()
	ctx = logging.WithUserID(ctx, ev.UserID)

	a.record(ctx, &ev)
	recent := a.engine.recentByUser(ctx, ev.UserID, now.Add(-24*time.Hour), &ev)
	counts := countActivity(recent, &ev, now)

	var anomalies []string
	a.engine.updateProfile(ctx, ev.UserID, func(p *BehaviorProfile) {
		anomalies = detectAnomalies(p, &ev, counts, now)
		p.AddLocation(ev.Location)
		p.AddDevice(ev.DeviceFingerprint)
		p.AddHour(now.Hour())
		p.AddRiskFactors(anomalies...)
		p.LastAnalyzed = now
	})

	result := &ActivityResult{
		UserID:    ev.UserID,
		Anomalies: anomalies,
		RiskScore: ActivityScore(&ev, anomalies),
	}
	span.SetAttributes(traces.RiskScore(result.RiskScore))

	if result.RiskScore > a.threshold {
		a.raiseAlert(ctx, &ev, result, now)
		if result.AlertID != "" {
			span.SetAttributes(traces.AlertID(result.AlertID))
		}
	}

	metrics.ActivityEventsTotal.WithLabelValues("processed").Inc()
	return result, nil
}

func (a *Analyzer) record(ctx context.Context, ev *ActivityEvent) {
	if a.engine.history == nil {
		return
	}
	err := retry.Do(ctx, retry.StoreWrites, func(ctx context.Context) error {
		return a.engine.history.RecordEvent(ctx, ev)
	})
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("history", "record").Inc()
		logging.L(ctx).Warn("failed to record activity event", "error", err)
	}
}

func (a *Analyzer) raiseAlert(ctx context.Context, ev *ActivityEvent, result *ActivityResult, now time.Time) {
	if a.engine.alerts == nil {
		return
	}
	alert, err := a.engine.alerts.CreateAlert(ctx, ev.UserID, AlertSuspiciousPattern, result.RiskScore, map[string]any{
		"anomalies":      result.Anomalies,
		"recommendation": ActivityRecommendation(result.RiskScore),
		"action":         ev.Action,
		"outcome":        ev.Outcome,
		"eventId":        ev.ID,
		"ipAddress":      ev.IPAddress,
	})
	if err != nil {
		logging.L(ctx).Warn("failed to persist activity alert", "error", err)
		return
	}
	result.AlertID = alert.ID
	a.engine.notifier.Notify(ctx, &Notification{
		Kind:      NotifyActivityAlert,
		UserID:    ev.UserID,
		RiskScore: result.RiskScore,
		Anomalies: result.Anomalies,
		Timestamp: now,
	})
}

// activityCounts are the windowed counters the live pass compares against.
// They include the current event.
type activityCounts struct {
	sameActionLastHour int
	failuresLastHour   int
	documentsLastDay   int
	downloadsLastDay   int
}

func countActivity(history []*ActivityEvent, current *ActivityEvent, now time.Time) activityCounts {
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	var c activityCounts
	tally := func(e *ActivityEvent) {
		if e.Timestamp.Before(dayAgo) {
			return
		}
		inHour := !e.Timestamp.Before(hourAgo)
		if inHour && e.Action == current.Action {
			c.sameActionLastHour++
		}
		if inHour && e.Failed() {
			c.failuresLastHour++
		}
		if e.EntityType == EntityDocument {
			c.documentsLastDay++
		}
		if IsDownloadAction(e.Action) {
			c.downloadsLastDay++
		}
	}
	for _, e := range history {
		tally(e)
	}
	tally(current)
	return c
}

// detectAnomalies compares ev with the profile as it was before this event.
func detectAnomalies(p *BehaviorProfile, ev *ActivityEvent, c activityCounts, now time.Time) []string {
	anomalies := []string{}
	if len(p.TypicalTimes) > 0 && !p.HasHour(now.Hour()) {
		anomalies = append(anomalies, TagUnusualTimeActivity)
	}
	if ev.Location != "" && len(p.TypicalLocations) > 0 && !p.HasLocation(ev.Location) {
		anomalies = append(anomalies, TagNewLocationActivity)
	}
	if c.sameActionLastHour > sameActionHourlyLimit {
		anomalies = append(anomalies, TagHighFrequencyActivity)
	}
	if ev.EntityType == EntityDocument {
		if c.documentsLastDay > documentDailyLimit {
			anomalies = append(anomalies, TagExcessiveDocumentAccess)
		}
		if c.downloadsLastDay > downloadDailyLimit {
			anomalies = append(anomalies, TagMassDocumentDownload)
		}
	}
	if ev.Outcome == OutcomeFailure && c.failuresLastHour > failureHourlyLimit {
		anomalies = append(anomalies, TagRepeatedFailures)
	}
	return anomalies
}

// ActivityScore sums the live-path weights for anomalies plus the flat
// failure and admin-action surcharges, capped at 100.
func ActivityScore(ev *ActivityEvent, anomalies []string) int {
	score := 0
	for _, tag := range anomalies {
		score += activityWeights[tag]
	}
	if ev.Outcome == OutcomeFailure {
		score += failureWeight
	}
	if strings.Contains(strings.ToLower(ev.Action), "admin") {
		score += adminActionWeight
	}
	return clampScore(score)
}

// ActivityRecommendation maps an activity score to its alert recommendation.
func ActivityRecommendation(score int) string {
	switch {
	case score > 80:
		return RecommendInvestigate
	case score > 65:
		return RecommendEnhanced
	default:
		return RecommendContinue
	}
}

// IsDownloadAction reports whether an action records a document download.
func IsDownloadAction(action string) bool {
	return strings.Contains(strings.ToLower(action), "download")
}
