package fraud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/metrics"
)

type recordingNotifier struct {
	mu    sync.Mutex
	items []*Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n *Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.items {
		out = append(out, n.Kind)
	}
	return out
}

type testEnv struct {
	engine   *Engine
	profiles *MemoryProfileStore
	alerts   *MemoryAlertStore
	history  *MemoryHistoryStore
	notes    *recordingNotifier
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		profiles: NewMemoryProfileStore(),
		alerts:   NewMemoryAlertStore(),
		history:  NewMemoryHistoryStore(),
		notes:    &recordingNotifier{},
	}
	base := []Option{
		WithClock(func() time.Time { return baseTime }),
		WithNotifier(env.notes),
	}
	env.engine = NewEngine(env.profiles, env.history, newTestAlertManager(env.alerts), append(base, opts...)...)
	return env
}

func (env *testEnv) seed(t *testing.T, events ...*ActivityEvent) {
	t.Helper()
	for i, e := range events {
		if e.ID == "" {
			e.ID = fmt.Sprintf("seed-%d", i)
		}
		require.NoError(t, env.history.RecordEvent(context.Background(), e))
	}
}

func TestAnalyze_FirstEventHasNoBaselineSignals(t *testing.T) {
	env := newTestEnv(t)
	e := newEvent("u1", "login", baseTime)
	e.DeviceFingerprint = "fp-1"
	e.Location = "Berlin, DE"

	result := env.engine.AnalyzeUserBehavior(context.Background(), e)

	assert.Equal(t, 0, result.RiskScore)
	assert.Equal(t, RiskLow, result.RiskLevel)
	assert.NotContains(t, result.Indicators, TagNewDevice)
	assert.NotContains(t, result.Indicators, TagChangedUserAgent)
	assert.NotContains(t, result.Indicators, TagUnusualLocation)
	assert.Equal(t, ActionLow, result.RecommendedAction)
	assert.Empty(t, result.AlertID)

	p, err := env.profiles.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Berlin, DE"}, p.TypicalLocations)
	assert.Equal(t, []string{"fp-1"}, p.TypicalDevices)
	assert.Equal(t, []int{14}, p.TypicalTimes)
	assert.Equal(t, baseTime, p.LastAnalyzed)
}

func TestAnalyze_NewDeviceAfterKnownDevices(t *testing.T) {
	env := newTestEnv(t)
	p := NewProfile("u1")
	p.AddDevice("fp-1")
	p.AddDevice("fp-2")
	p.AddDevice("fp-3")
	require.NoError(t, env.profiles.PutProfile(context.Background(), p))

	e := newEvent("u1", "login", baseTime)
	e.DeviceFingerprint = "fp-4"
	result := env.engine.AnalyzeUserBehavior(context.Background(), e)

	assert.Equal(t, 25, result.RiskScore)
	assert.Equal(t, []string{TagNewDevice}, result.Indicators)
}

func TestAnalyze_OversizedOptionalFieldsStillScored(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *ActivityEvent)
	}{
		{"long user agent", func(e *ActivityEvent) { e.UserAgent = browserUA + strings.Repeat("x", 1100) }},
		{"long location", func(e *ActivityEvent) { e.Location = strings.Repeat("Berlin", 50) }},
		{"long fingerprint", func(e *ActivityEvent) { e.DeviceFingerprint = strings.Repeat("f", 300) }},
		{"long entity", func(e *ActivityEvent) { e.EntityType = strings.Repeat("d", 100); e.EntityID = strings.Repeat("9", 200) }},
		{"unknown outcome", func(e *ActivityEvent) { e.Outcome = "maybe" }},
		{"negative bytes", func(e *ActivityEvent) { e.Details = &EventDetails{Bytes: -1} }},
		{"long id", func(e *ActivityEvent) { e.ID = strings.Repeat("a", 200) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, WithEvaluators(DefaultEvaluators(NewIPReputationEvaluator([]string{"203.0.113.7"}, nil, nil))...))
			e := newEvent("u1", "login", baseTime)
			tt.mutate(e)

			result := env.engine.AnalyzeUserBehavior(context.Background(), e)

			assert.NotContains(t, result.Indicators, TagInvalidEvent)
			assert.Contains(t, result.Indicators, TagBlacklistedIP)
			assert.GreaterOrEqual(t, result.RiskScore, 50)
			assert.NotEmpty(t, result.AlertID)
		})
	}
}

func TestAnalyze_MalformedIPIsIgnored(t *testing.T) {
	env := newTestEnv(t, WithEvaluators(NewIPReputationEvaluator([]string{"300.1.1.1"}, nil, nil)))
	e := newEvent("u1", "login", baseTime)
	e.IPAddress = "300.1.1.1"

	result := env.engine.AnalyzeUserBehavior(context.Background(), e)

	assert.Equal(t, 0, result.RiskScore)
	assert.Empty(t, result.Indicators, "no IP, no IP signals, and not an invalid event")
}

func TestAnalyze_IPHistoryExcludesCurrentEvent(t *testing.T) {
	env := newTestEnv(t, WithEvaluators(NewIPReputationEvaluator(nil, nil, nil)))
	for i := 0; i < 5; i++ {
		env.seed(t, &ActivityEvent{
			ID: fmt.Sprintf("fail-%d", i), UserID: "u2", Action: "login", Outcome: OutcomeFailure,
			IPAddress: "203.0.113.7", UserAgent: browserUA, Timestamp: baseTime.Add(-time.Duration(i+1) * time.Minute),
		})
	}
	current := newEvent("u1", "login", baseTime)
	current.ID = "evt-current"
	current.Outcome = OutcomeFailure
	env.seed(t, current)

	result := env.engine.AnalyzeUserBehavior(context.Background(), current)

	assert.NotContains(t, result.Indicators, TagMultipleFailedAttempts, "five prior failures plus itself counted once")
}

func TestAnalyze_BlacklistAloneIsFifty(t *testing.T) {
	env := newTestEnv(t, WithEvaluators(DefaultEvaluators(NewIPReputationEvaluator([]string{"203.0.113.7"}, nil, nil))...))

	result := env.engine.AnalyzeUserBehavior(context.Background(), newEvent("u1", "login", baseTime))

	assert.Equal(t, 50, result.RiskScore)
	assert.Equal(t, []string{TagBlacklistedIP}, result.Indicators)
	assert.Equal(t, RiskMedium, result.RiskLevel)
	assert.False(t, result.ShouldBlock)
	assert.NotEmpty(t, result.AlertID, "score >= 40 raises an alert")

	alert, err := env.alerts.GetAlert(context.Background(), result.AlertID)
	require.NoError(t, err)
	assert.Equal(t, AlertHighRisk, alert.AlertType)
	assert.Equal(t, 50, alert.RiskScore)
	assert.Equal(t, ActionMedium, alert.Details["recommendedAction"])
}

func TestAnalyze_CombinedSignalsBlock(t *testing.T) {
	env := newTestEnv(t, WithEvaluators(DefaultEvaluators(NewIPReputationEvaluator([]string{"203.0.113.7"}, nil, nil))...))

	// 11 logins by u1 in the last hour plus 10 events from other users on
	// the same address: excessive logins and high IP activity.
	for i := 0; i < 11; i++ {
		env.seed(t, &ActivityEvent{
			ID: fmt.Sprintf("u1-%d", i), UserID: "u1", Action: "login", Outcome: OutcomeSuccess,
			IPAddress: "203.0.113.7", UserAgent: browserUA, Timestamp: baseTime.Add(-time.Duration(i+1) * 4 * time.Minute),
		})
	}
	for i := 0; i < 10; i++ {
		env.seed(t, &ActivityEvent{
			ID: fmt.Sprintf("other-%d", i), UserID: fmt.Sprintf("other-%d", i), Action: "login", Outcome: OutcomeSuccess,
			IPAddress: "203.0.113.7", UserAgent: browserUA, Timestamp: baseTime.Add(-time.Duration(i+1) * time.Minute),
		})
	}

	result := env.engine.AnalyzeUserBehavior(context.Background(), newEvent("u1", "login", baseTime))

	assert.Equal(t, 100, result.RiskScore)
	assert.Equal(t, RiskCritical, result.RiskLevel)
	assert.True(t, result.ShouldBlock)
	assert.Equal(t, ActionCritical, result.RecommendedAction)
	assert.Contains(t, result.Indicators, TagBlacklistedIP)
	assert.Contains(t, result.Indicators, TagHighIPActivity)
	assert.Contains(t, result.Indicators, TagExcessiveLoginFrequency)
	assert.NotEmpty(t, result.AlertID)
}

func TestAnalyze_BelowAlertThreshold(t *testing.T) {
	env := newTestEnv(t)
	e := newEvent("u1", "login", time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC))
	e.UserAgent = "curl/8"

	result := env.engine.AnalyzeUserBehavior(context.Background(), e)
	assert.Equal(t, 40, result.RiskScore, "unusual time + short user agent")
	assert.NotEmpty(t, result.AlertID, "exactly 40 alerts")

	env2 := newTestEnv(t, WithAlertThreshold(41))
	result = env2.engine.AnalyzeUserBehavior(context.Background(), e)
	assert.Empty(t, result.AlertID)
}

func TestAnalyze_InvalidEvent(t *testing.T) {
	env := newTestEnv(t)

	for _, e := range []*ActivityEvent{
		nil,
		{Action: "login"},
		{UserID: "u1"},
		{UserID: "  ", Action: "login"},
	} {
		result := env.engine.AnalyzeUserBehavior(context.Background(), e)
		assert.Equal(t, 0, result.RiskScore)
		assert.Equal(t, RiskLow, result.RiskLevel)
		assert.Equal(t, []string{TagInvalidEvent}, result.Indicators)
		assert.False(t, result.ShouldBlock)
	}

	all, _ := env.alerts.ListAlerts(context.Background(), AlertFilter{})
	assert.Empty(t, all)
	_, err := env.profiles.GetProfile(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

type panicEvaluator struct{}

func (panicEvaluator) Name() string { return "panicky" }
func (panicEvaluator) Evaluate(context.Context, *SignalInput) (Signal, error) {
	panic("poisoned input")
}

type failingEvaluator struct{}

func (failingEvaluator) Name() string { return "failing" }
func (failingEvaluator) Evaluate(context.Context, *SignalInput) (Signal, error) {
	return Signal{Score: 80, Indicators: []string{"bogus"}}, errors.New("backend down")
}

type fixedEvaluator struct{ score int }

func (fixedEvaluator) Name() string { return "fixed" }
func (f fixedEvaluator) Evaluate(context.Context, *SignalInput) (Signal, error) {
	return Signal{Score: f.score, Indicators: []string{"fixed"}}, nil
}

func TestAnalyze_EvaluatorFailuresFailOpen(t *testing.T) {
	env := newTestEnv(t, WithEvaluators(panicEvaluator{}, failingEvaluator{}, fixedEvaluator{score: 20}))
	panics := testutil.ToFloat64(metrics.SignalErrorsTotal.WithLabelValues("panicky"))
	failures := testutil.ToFloat64(metrics.SignalErrorsTotal.WithLabelValues("failing"))

	var logs bytes.Buffer
	ctx := logging.WithLogger(context.Background(), logging.NewTo(&logs, "warn", "text"))
	result := env.engine.AnalyzeUserBehavior(ctx, newEvent("u1", "login", baseTime))

	assert.Equal(t, 20, result.RiskScore)
	assert.Equal(t, []string{"fixed"}, result.Indicators)
	assert.Contains(t, logs.String(), ErrSignalEvaluation.Error()+": failing: backend down")
	assert.Equal(t, panics+1, testutil.ToFloat64(metrics.SignalErrorsTotal.WithLabelValues("panicky")))
	assert.Equal(t, failures+1, testutil.ToFloat64(metrics.SignalErrorsTotal.WithLabelValues("failing")))
}

func TestAnalyze_ReputationOutageKeepsLocalFindings(t *testing.T) {
	ip := NewIPReputationEvaluator(nil, nil, stubReputation{err: errors.New("timeout")})
	env := newTestEnv(t, WithEvaluators(ip))
	e := newEvent("u1", "login", baseTime)
	e.IPAddress = "10.0.0.5"

	result := env.engine.AnalyzeUserBehavior(context.Background(), e)
	assert.Equal(t, 30, result.RiskScore)
	assert.Equal(t, []string{TagProxyVPN}, result.Indicators)
}

type brokenProfileStore struct{ puts int }

func (s *brokenProfileStore) GetProfile(context.Context, string) (*BehaviorProfile, error) {
	return nil, errors.New("connection refused")
}

func (s *brokenProfileStore) PutProfile(context.Context, *BehaviorProfile) error {
	s.puts++
	return nil
}

func TestAnalyze_ProfileStoreOutageUsesTransientProfile(t *testing.T) {
	store := &brokenProfileStore{}
	engine := NewEngine(store, NewMemoryHistoryStore(), newTestAlertManager(NewMemoryAlertStore()),
		WithClock(func() time.Time { return baseTime }))

	result := engine.AnalyzeUserBehavior(context.Background(), newEvent("u1", "login", baseTime))
	require.NotNil(t, result)
	assert.Equal(t, 0, result.RiskScore)
	assert.Equal(t, 0, store.puts, "a transient profile is never written back")

	_, err := engine.Profile(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrProfileStore)
}

func TestAnalyze_UpdatesProfileAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	e := newEvent("u1", "login", baseTime)
	e.UserAgent = "curl/8"

	result := env.engine.AnalyzeUserBehavior(context.Background(), e)

	p, err := env.profiles.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, result.RiskScore, p.BaselineScore)
	assert.Equal(t, []string{TagSuspiciousUserAgent}, p.RiskFactors)
	assert.Equal(t, []string{NotifyAnalysis}, env.notes.kinds())
	assert.Equal(t, result, env.notes.items[0].Analysis)
}

func TestAnalyze_MissingTimestampUsesClock(t *testing.T) {
	env := newTestEnv(t)
	e := newEvent("u1", "login", time.Time{})

	result := env.engine.AnalyzeUserBehavior(context.Background(), e)
	assert.Equal(t, baseTime, result.AnalyzedAt)
}

func TestAnalyze_ConcurrentUpdatesSameUser(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := newEvent("u1", "login", baseTime)
			e.Location = fmt.Sprintf("City %d, DE", i)
			env.engine.AnalyzeUserBehavior(context.Background(), e)
		}(i)
	}
	wg.Wait()

	p, err := env.profiles.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, p.TypicalLocations, 8, "no lost profile updates")
}

func TestAnalyze_ScoreAlwaysBounded(t *testing.T) {
	env := newTestEnv(t, WithEvaluators(fixedEvaluator{score: 90}, fixedEvaluator{score: 90}))
	result := env.engine.AnalyzeUserBehavior(context.Background(), newEvent("u1", "login", baseTime))
	assert.Equal(t, 100, result.RiskScore)
}
