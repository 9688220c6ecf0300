package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTrend(t *testing.T) {
	tests := []struct {
		name  string
		daily []int
		dir   string
		pct   float64
	}{
		{"doubling", []int{5, 10}, TrendIncreasing, 100},
		{"flat", []int{10, 10}, TrendStable, 0},
		{"halving", []int{10, 5}, TrendDecreasing, -50},
		{"single day", []int{7}, TrendStable, 0},
		{"no data", nil, TrendStable, 0},
		{"from zero", []int{0, 3}, TrendIncreasing, 100},
		{"both zero", []int{0, 0}, TrendStable, 0},
		{"uses last two days", []int{100, 4, 5}, TrendIncreasing, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTrend(tt.daily)
			assert.Equal(t, tt.dir, got.Direction)
			assert.InDelta(t, tt.pct, got.PercentChange, 0.001)
		})
	}
}

func TestParseTimeRange(t *testing.T) {
	now := baseTime

	tr, err := ParseTimeRange("24h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), tr.From)
	assert.Equal(t, now, tr.To)

	tr, err = ParseTimeRange("30d", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -30), tr.From)

	tr, err = ParseTimeRange("", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), tr.From)

	for _, bad := range []string{"abc", "-1d", "0h", "400d", "7x"} {
		_, err := ParseTimeRange(bad, now)
		assert.Error(t, err, bad)
	}
}

func TestGetFraudStatistics(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()
	m := newTestAlertManager(store)

	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	insert := func(id string, at time.Time, typ string, score int, resolved bool) {
		require.NoError(t, store.InsertAlert(ctx, &FraudAlert{ID: id, UserID: "u1", AlertType: typ, RiskScore: score, CreatedAt: at}))
		if resolved {
			_, err := store.UpdateAlert(ctx, id, AlertUpdate{ResolvedBy: "alice", ResolvedAt: at})
			require.NoError(t, err)
		}
	}
	insert("a1", day1, AlertHighRisk, 45, true)
	insert("a2", day2, AlertHighRisk, 85, false)
	insert("a3", day2.Add(time.Hour), AlertSuspiciousPattern, 65, false)
	insert("old", day1.AddDate(0, 0, -10), AlertHighRisk, 99, false)

	tr := TimeRange{From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)}
	stats, err := m.GetFraudStatistics(ctx, tr)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalAlerts)
	assert.Equal(t, 1, stats.ResolvedAlerts)
	assert.Equal(t, 2, stats.UnresolvedAlerts)
	assert.InDelta(t, 65.0, stats.AverageRiskScore, 0.001)
	assert.Equal(t, map[string]int{AlertHighRisk: 2, AlertSuspiciousPattern: 1}, stats.AlertsByType)
	assert.Equal(t, map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 1, RiskCritical: 1}, stats.RiskDistribution)
	assert.Equal(t, []DailyCount{{Date: "2026-03-01", Count: 1}, {Date: "2026-03-02", Count: 2}}, stats.DailyCounts)
	assert.Equal(t, Trend{Direction: TrendIncreasing, PercentChange: 100}, stats.Trend)
}

func TestGetFraudStatistics_Empty(t *testing.T) {
	m := newTestAlertManager(NewMemoryAlertStore())
	tr := TimeRange{From: baseTime.Add(-3 * 24 * time.Hour), To: baseTime}

	stats, err := m.GetFraudStatistics(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalAlerts)
	assert.Equal(t, 0.0, stats.AverageRiskScore)
	assert.Len(t, stats.DailyCounts, 4, "zero-filled partial days")
	assert.Equal(t, TrendStable, stats.Trend.Direction)
}

func TestGetFraudStatistics_SingleActiveDayIsStable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()
	m := newTestAlertManager(store)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertAlert(ctx, &FraudAlert{
			ID: fmt.Sprintf("a%d", i), UserID: "u1", AlertType: AlertHighRisk, RiskScore: 60,
			CreatedAt: baseTime.Add(-time.Duration(i+1) * 10 * time.Minute),
		}))
	}

	tr, err := ParseTimeRange("7d", baseTime)
	require.NoError(t, err)
	stats, err := m.GetFraudStatistics(ctx, tr)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalAlerts)
	assert.Len(t, stats.DailyCounts, 8, "display keeps zero-filled days")
	assert.Equal(t, Trend{Direction: TrendStable}, stats.Trend)
}

func TestGetFraudStatistics_TrendSkipsEmptyDays(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()
	m := newTestAlertManager(store)
	insert := func(id string, at time.Time) {
		require.NoError(t, store.InsertAlert(ctx, &FraudAlert{ID: id, UserID: "u1", AlertType: AlertHighRisk, RiskScore: 60, CreatedAt: at}))
	}
	insert("a1", baseTime.AddDate(0, 0, -4))
	insert("a2", baseTime.AddDate(0, 0, -4).Add(time.Minute))
	insert("a3", baseTime.Add(-time.Hour))

	tr, err := ParseTimeRange("7d", baseTime)
	require.NoError(t, err)
	stats, err := m.GetFraudStatistics(ctx, tr)
	require.NoError(t, err)

	assert.Equal(t, Trend{Direction: TrendDecreasing, PercentChange: -50}, stats.Trend)
}
