package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/retry"
	"github.com/mbd888/riskwatch/internal/syncutil"
	"github.com/mbd888/riskwatch/internal/traces"
)

// Engine runs the synchronous risk check and owns the per-user state shared
// with the live Analyzer.
type Engine struct {
	profiles   ProfileStore
	history    HistoryStore
	alerts     *AlertManager
	evaluators []Evaluator
	aggregator *Aggregator
	locks      *syncutil.ShardedMutex
	notifier   Notifier

	alertThreshold int
	blockThreshold int

	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces the time source used when an event carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifier sets the monitoring notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithEvaluators replaces the default evaluator set.
func WithEvaluators(evs ...Evaluator) Option {
	return func(e *Engine) { e.evaluators = evs }
}

// WithAlertThreshold sets the minimum score that raises a high_risk_detected alert.
func WithAlertThreshold(t int) Option {
	return func(e *Engine) {
		if t > 0 && t <= 100 {
			e.alertThreshold = t
		}
	}
}

// WithBlockThreshold sets the score at which ShouldBlock becomes true.
func WithBlockThreshold(t int) Option {
	return func(e *Engine) { e.blockThreshold = t }
}

// NewEngine creates an engine. alerts may share its store with other engines.
func NewEngine(profiles ProfileStore, history HistoryStore, alerts *AlertManager, opts ...Option) *Engine {
	e := &Engine{
		profiles:       profiles,
		history:        history,
		alerts:         alerts,
		locks:          syncutil.NewShardedMutex(syncutil.DefaultShards),
		alertThreshold: DefaultAlertThreshold,
		blockThreshold: DefaultBlockThreshold,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluators == nil {
		e.evaluators = DefaultEvaluators(nil)
	}
	if e.notifier == nil {
		e.notifier = MultiNotifier(nil)
	}
	e.aggregator = NewAggregator(e.blockThreshold)
	return e
}

// Alerts returns the engine's alert manager.
func (e *Engine) Alerts() *AlertManager { return e.alerts }

// AnalyzeUserBehavior scores event against the user's history and profile.
// It never fails: invalid input and internal errors degrade to a low-risk
// result, and only ShouldBlock is meant to change caller behavior.
func (e *Engine) AnalyzeUserBehavior(ctx context.Context, event *ActivityEvent) *FraudAnalysisResult {
	start := time.Now()
	defer func() { metrics.FraudAnalysisDuration.Observe(time.Since(start).Seconds()) }()

	if err := ValidateEvent(event); err != nil {
		userID := ""
		if event != nil {
			userID = event.UserID
		}
		logging.L(ctx).Warn("fraud analysis skipped", "user_id", userID, "error", err)
		metrics.FraudAnalysesTotal.WithLabelValues(string(RiskLow)).Inc()
		return invalidEventResult(userID, e.now().UTC())
	}
	event = NormalizeEvent(event)

	ctx, span := traces.StartSpan(ctx, "fraud.AnalyzeUserBehavior",
		traces.UserID(event.UserID), traces.Action(event.Action))
	defer span.End()
	ctx = logging.WithUserID(ctx, event.UserID)

	now := eventTime(event, e.now())
	profile, _, err := e.loadProfile(ctx, event.UserID)
	if err != nil {
		logging.L(ctx).Warn("profile unavailable, using transient profile", "error", err)
	}

	in := &SignalInput{
		UserID:    event.UserID,
		Event:     event,
		History:   e.recentByUser(ctx, event.UserID, now.Add(-locationWindow), event),
		IPHistory: e.recentByIP(ctx, event.IPAddress, now.Add(-24*time.Hour), event),
		Profile:   profile,
		Now:       now,
	}

	signals := make([]Signal, 0, len(e.evaluators))
	for _, ev := range e.evaluators {
		signals = append(signals, e.runEvaluator(ctx, ev, in))
	}

	result := e.aggregator.Aggregate(signals)
	result.UserID = event.UserID
	result.AnalyzedAt = now
	span.SetAttributes(traces.RiskScore(result.RiskScore), traces.RiskLevel(string(result.RiskLevel)))

	if result.RiskScore >= e.alertThreshold && e.alerts != nil {
		alert, err := e.alerts.CreateAlert(ctx, event.UserID, AlertHighRisk, result.RiskScore, map[string]any{
			"indicators":        result.Indicators,
			"riskLevel":         result.RiskLevel,
			"recommendedAction": result.RecommendedAction,
			"shouldBlock":       result.ShouldBlock,
			"signals":           signals,
			"action":            event.Action,
			"ipAddress":         event.IPAddress,
		})
		if err != nil {
			logging.L(ctx).Warn("failed to persist fraud alert", "error", err)
			traces.RecordError(span, err)
		} else {
			result.AlertID = alert.ID
			span.SetAttributes(traces.AlertID(alert.ID))
		}
	}

	e.updateProfile(ctx, event.UserID, func(p *BehaviorProfile) {
		p.AddLocation(event.Location)
		p.AddDevice(event.DeviceFingerprint)
		p.AddHour(now.Hour())
		p.AddRiskFactors(result.Indicators...)
		p.BaselineScore = result.RiskScore
		p.LastAnalyzed = now
	})

	metrics.FraudAnalysesTotal.WithLabelValues(string(result.RiskLevel)).Inc()
	e.notifier.Notify(ctx, &Notification{
		Kind:      NotifyAnalysis,
		UserID:    event.UserID,
		Analysis:  result,
		Timestamp: now,
	})

	if result.ShouldBlock {
		logging.L(ctx).Warn("fraud analysis recommends block",
			"risk_score", result.RiskScore, "indicators", result.Indicators)
	} else {
		logging.L(ctx).Debug("fraud analysis complete",
			"risk_score", result.RiskScore, "risk_level", result.RiskLevel)
	}
	return result
}

// Profile returns the stored profile for userID.
func (e *Engine) Profile(ctx context.Context, userID string) (*BehaviorProfile, error) {
	p, err := e.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProfileStore, err)
	}
	return p, nil
}

// runEvaluator isolates one evaluator: errors and panics contribute 0.
func (e *Engine) runEvaluator(ctx context.Context, ev Evaluator, in *SignalInput) (sig Signal) {
	name := ev.Name()
	defer func() {
		if r := recover(); r != nil {
			metrics.SignalErrorsTotal.WithLabelValues(name).Inc()
			logging.L(ctx).Warn("signal evaluator panicked", "signal", name, "panic", fmt.Sprint(r))
			sig = Signal{Name: name}
		}
	}()

	sig, err := ev.Evaluate(ctx, in)
	if err != nil {
		metrics.SignalErrorsTotal.WithLabelValues(name).Inc()
		logging.L(ctx).Warn("signal evaluation failed", "signal", name,
			"error", fmt.Errorf("%w: %s: %v", ErrSignalEvaluation, name, err))
		if !errors.Is(err, ErrReputationUnavailable) {
			return Signal{Name: name}
		}
	}
	sig.Name = name
	sig.Score = clampScore(sig.Score)
	return sig
}

// loadProfile returns the user's profile, whether it was found, and any store
// error. On error the returned profile is a transient empty one.
func (e *Engine) loadProfile(ctx context.Context, userID string) (*BehaviorProfile, bool, error) {
	p, err := e.profiles.GetProfile(ctx, userID)
	switch {
	case err == nil:
		return p, true, nil
	case errors.Is(err, ErrProfileNotFound):
		return nil, false, nil
	default:
		metrics.StoreErrorsTotal.WithLabelValues("profile", "get").Inc()
		return nil, false, fmt.Errorf("%w: %v", ErrProfileStore, err)
	}
}

// updateProfile runs load→mutate→store under the user's lock. A profile that
// could not be loaded is never written back, so a store outage cannot
// overwrite real state with a transient profile.
func (e *Engine) updateProfile(ctx context.Context, userID string, mutate func(p *BehaviorProfile)) *BehaviorProfile {
	unlock := e.locks.Lock(userID)
	defer unlock()

	p, found, err := e.loadProfile(ctx, userID)
	if err != nil {
		logging.L(ctx).Warn("skipping profile update", "error", err)
		p = NewProfile(userID)
		mutate(p)
		return p
	}
	if !found {
		p = NewProfile(userID)
	}
	mutate(p)

	err = retry.Do(ctx, retry.StoreWrites, func(ctx context.Context) error {
		return e.profiles.PutProfile(ctx, p)
	})
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("profile", "put").Inc()
		logging.L(ctx).Warn("failed to save profile", "error", fmt.Errorf("%w: %v", ErrProfileStore, err))
	}
	return p
}

func (e *Engine) recentByUser(ctx context.Context, userID string, since time.Time, current *ActivityEvent) []*ActivityEvent {
	if e.history == nil {
		return nil
	}
	events, err := e.history.RecentByUser(ctx, userID, since)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("history", "by_user").Inc()
		logging.L(ctx).Warn("history unavailable", "error", err)
		return nil
	}
	return excludeEvent(events, current)
}

func (e *Engine) recentByIP(ctx context.Context, ip string, since time.Time, current *ActivityEvent) []*ActivityEvent {
	if e.history == nil || ip == "" {
		return nil
	}
	events, err := e.history.RecentByIP(ctx, ip, since)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("history", "by_ip").Inc()
		logging.L(ctx).Warn("ip history unavailable", "error", err)
		return nil
	}
	return excludeEvent(events, current)
}

// excludeEvent drops the first history entry carrying current's ID, so an
// event already recorded by the live path is not compared with itself.
func excludeEvent(events []*ActivityEvent, current *ActivityEvent) []*ActivityEvent {
	if current == nil || current.ID == "" {
		return events
	}
	for i, ev := range events {
		if ev.ID == current.ID {
			return append(events[:i:i], events[i+1:]...)
		}
	}
	return events
}

func invalidEventResult(userID string, now time.Time) *FraudAnalysisResult {
	return &FraudAnalysisResult{
		UserID:            userID,
		RiskScore:         0,
		RiskLevel:         RiskLow,
		Indicators:        []string{TagInvalidEvent},
		RecommendedAction: RecommendedAction(RiskLow),
		ShouldBlock:       false,
		AnalyzedAt:        now,
	}
}
