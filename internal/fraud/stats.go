package fraud

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Trend directions.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// TimeRange is a half-open [From, To) window of alert creation times.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Trend compares the most recent day's alert count to the day before.
type Trend struct {
	Direction     string  `json:"direction"`
	PercentChange float64 `json:"percentChange"`
}

// DailyCount is the number of alerts created on one UTC day.
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// FraudStats summarizes alerts created within a time range.
type FraudStats struct {
	Range            TimeRange         `json:"range"`
	TotalAlerts      int               `json:"totalAlerts"`
	ResolvedAlerts   int               `json:"resolvedAlerts"`
	UnresolvedAlerts int               `json:"unresolvedAlerts"`
	AverageRiskScore float64           `json:"averageRiskScore"`
	AlertsByType     map[string]int    `json:"alertsByType"`
	RiskDistribution map[RiskLevel]int `json:"riskDistribution"`
	DailyCounts      []DailyCount      `json:"dailyCounts"`
	Trend            Trend             `json:"trend"`
}

const maxStatsRange = 366 * 24 * time.Hour

// ParseTimeRange turns "24h", "7d" or "30d" style input into a window ending
// at now. Empty input means 7 days.
func ParseTimeRange(s string, now time.Time) (TimeRange, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		s = "7d"
	}

	var d time.Duration
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return TimeRange{}, fmt.Errorf("invalid range %q", s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return TimeRange{}, fmt.Errorf("invalid range %q", s)
		}
		d = parsed
	}
	if d <= 0 || d > maxStatsRange {
		return TimeRange{}, fmt.Errorf("range %q out of bounds", s)
	}
	now = now.UTC()
	return TimeRange{From: now.Add(-d), To: now}, nil
}

// GetFraudStatistics aggregates alerts created within tr.
func (m *AlertManager) GetFraudStatistics(ctx context.Context, tr TimeRange) (*FraudStats, error) {
	if tr.To.IsZero() {
		tr.To = m.now().UTC()
	}
	alerts, err := m.store.ListAlerts(ctx, AlertFilter{From: tr.From, To: tr.To})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	stats := &FraudStats{
		Range:        tr,
		AlertsByType: map[string]int{},
		RiskDistribution: map[RiskLevel]int{
			RiskLow: 0, RiskMedium: 0, RiskHigh: 0, RiskCritical: 0,
		},
	}

	byDay := map[string]int{}
	scoreSum := 0
	for _, a := range alerts {
		if !a.CreatedAt.Before(tr.To) {
			continue
		}
		stats.TotalAlerts++
		if a.IsResolved {
			stats.ResolvedAlerts++
		}
		scoreSum += a.RiskScore
		stats.AlertsByType[a.AlertType]++
		stats.RiskDistribution[ClassifyRisk(a.RiskScore)]++
		byDay[dayKey(a.CreatedAt)]++
	}
	stats.UnresolvedAlerts = stats.TotalAlerts - stats.ResolvedAlerts
	if stats.TotalAlerts > 0 {
		stats.AverageRiskScore = math.Round(float64(scoreSum)/float64(stats.TotalAlerts)*100) / 100
	}

	stats.DailyCounts = dailyCounts(tr, byDay)
	// The trend only compares days that have alerts; zero-filled days are
	// for display.
	active := sparseDailyCounts(byDay)
	counts := make([]int, len(active))
	for i, dc := range active {
		counts[i] = dc.Count
	}
	stats.Trend = ComputeTrend(counts)
	return stats, nil
}

// ComputeTrend compares the last two entries of daily counts (oldest first).
// Fewer than two days is stable with 0% change; growth from zero is +100%.
// GetFraudStatistics passes only days with alerts, so one active day is
// stable.
func ComputeTrend(daily []int) Trend {
	if len(daily) < 2 {
		return Trend{Direction: TrendStable}
	}
	last, prior := daily[len(daily)-1], daily[len(daily)-2]

	var pct float64
	switch {
	case prior == 0 && last == 0:
		pct = 0
	case prior == 0:
		pct = 100
	default:
		pct = math.Round(float64(last-prior)/float64(prior)*10000) / 100
	}

	dir := TrendStable
	switch {
	case last > prior:
		dir = TrendIncreasing
	case last < prior:
		dir = TrendDecreasing
	}
	return Trend{Direction: dir, PercentChange: pct}
}

// dailyCounts returns one zero-filled entry per UTC day touched by tr.
func dailyCounts(tr TimeRange, byDay map[string]int) []DailyCount {
	if tr.From.IsZero() {
		// Unbounded start: only the days that have alerts, in order.
		return sparseDailyCounts(byDay)
	}
	start := truncateDay(tr.From)
	end := truncateDay(tr.To.Add(-time.Nanosecond))
	var out []DailyCount
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		k := dayKey(d)
		out = append(out, DailyCount{Date: k, Count: byDay[k]})
	}
	return out
}

func sparseDailyCounts(byDay map[string]int) []DailyCount {
	out := make([]DailyCount, 0, len(byDay))
	for k, n := range byDay {
		out = append(out, DailyCount{Date: k, Count: n})
	}
	// ISO dates sort lexically.
	slices.SortFunc(out, func(a, b DailyCount) int { return strings.Compare(a.Date, b.Date) })
	return out
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
