// Package fraud implements real-time risk scoring for user activity.
//
// Two paths share the same per-user behavior profiles:
//   - Engine.AnalyzeUserBehavior is the synchronous check run at points like
//     login. Six independent signal evaluators each return a partial score,
//     the aggregator sums and caps them at 100, and scores >= 40 raise a
//     high_risk_detected alert.
//   - Analyzer consumes the ambient audit stream. Each event is compared to
//     the user's profile, the profile is updated, and activity scores > 50
//     raise a suspicious_activity_pattern alert.
//
// Nothing in this package aborts the caller's primary operation. Internal
// failures degrade to "allow" plus a logged warning; only ShouldBlock is
// meant to change caller behavior.
package fraud

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/riskwatch/internal/pagination"
)

var (
	// ErrSignalEvaluation marks a single evaluator failure. It is logged and
	// the evaluator contributes 0.
	ErrSignalEvaluation = errors.New("fraud: signal evaluation failed")

	// ErrProfileStore marks a profile load/save failure.
	ErrProfileStore = errors.New("fraud: profile store failure")

	// ErrProfileNotFound is returned by ProfileStore.GetProfile for unknown users.
	ErrProfileNotFound = errors.New("fraud: profile not found")

	// ErrAlertNotFound is returned when resolving or fetching a missing alert.
	ErrAlertNotFound = errors.New("fraud: alert not found")

	// ErrInvalidEvent marks an event missing required fields.
	ErrInvalidEvent = errors.New("fraud: invalid event")

	// ErrInvalidResolver is returned when an alert is resolved without an actor.
	ErrInvalidResolver = errors.New("fraud: resolvedBy is required")
)

// Outcome of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

// RiskLevel is the discrete classification of an aggregate score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Alert types.
const (
	AlertHighRisk          = "high_risk_detected"
	AlertSuspiciousPattern = "suspicious_activity_pattern"
)

// EntityDocument is the entityType of document events.
const EntityDocument = "document"

// Default thresholds.
const (
	DefaultAlertThreshold         = 40
	DefaultActivityAlertThreshold = 50
	DefaultBlockThreshold         = 90
)

// EventDetails is the structured payload attached to an audit event.
// Fields are optional and only meaningful for the matching action kind.
type EventDetails struct {
	AuthMethod    string `json:"authMethod,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	DocumentType  string `json:"documentType,omitempty"`
	Bytes         int64  `json:"bytes,omitempty"`
}

// ActivityEvent is a single audited user action. The engine never mutates it.
type ActivityEvent struct {
	ID                string        `json:"id,omitempty"`
	UserID            string        `json:"userId" validate:"required,max=128"`
	Action            string        `json:"action" validate:"required"`
	Outcome           Outcome       `json:"outcome"`
	IPAddress         string        `json:"ipAddress"`
	UserAgent         string        `json:"userAgent"`
	Location          string        `json:"location,omitempty"`
	DeviceFingerprint string        `json:"deviceFingerprint,omitempty"`
	EntityType        string        `json:"entityType,omitempty"`
	EntityID          string        `json:"entityId,omitempty"`
	Details           *EventDetails `json:"details,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
}

// Failed reports whether the event counts as a failed attempt.
func (e *ActivityEvent) Failed() bool {
	return e.Outcome == OutcomeFailure || e.Outcome == OutcomeBlocked
}

// FraudAlert is a persisted record of a risk-score crossing.
type FraudAlert struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	AlertType  string         `json:"alertType"`
	RiskScore  int            `json:"riskScore"`
	Details    map[string]any `json:"details"`
	IsResolved bool           `json:"isResolved"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// FraudAnalysisResult is returned by the synchronous risk check.
type FraudAnalysisResult struct {
	UserID            string    `json:"userId"`
	RiskScore         int       `json:"riskScore"`
	RiskLevel         RiskLevel `json:"riskLevel"`
	Indicators        []string  `json:"indicators"`
	RecommendedAction string    `json:"recommendedAction"`
	ShouldBlock       bool      `json:"shouldBlock"`
	AlertID           string    `json:"alertId,omitempty"`
	AnalyzedAt        time.Time `json:"analyzedAt"`
}

// ActivityResult is the outcome of one live-activity pass.
type ActivityResult struct {
	UserID    string   `json:"userId"`
	Anomalies []string `json:"anomalies"`
	RiskScore int      `json:"riskScore"`
	AlertID   string   `json:"alertId,omitempty"`
}

// AlertFilter narrows ListAlerts. Zero values mean "any".
type AlertFilter struct {
	UserID   string
	Resolved *bool
	From     time.Time
	To       time.Time
	Limit    int
	// After resumes a listing strictly past this (createdAt, id) position
	// in newest-first order.
	After *pagination.Cursor
}

// Matches reports whether a satisfies the filter (Limit is not applied).
func (f AlertFilter) Matches(a *FraudAlert) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.Resolved != nil && a.IsResolved != *f.Resolved {
		return false
	}
	if !f.From.IsZero() && a.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.CreatedAt.After(f.To) {
		return false
	}
	if f.After != nil && compareAlerts(a, f.After.CreatedAt, f.After.ID) >= 0 {
		return false
	}
	return true
}

// compareAlerts orders by (createdAt, id); negative means a sorts after the
// position in newest-first listings.
func compareAlerts(a *FraudAlert, createdAt time.Time, id string) int {
	if c := a.CreatedAt.Compare(createdAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, id)
}

// AlertUpdate carries the only mutable fields of an alert.
type AlertUpdate struct {
	ResolvedBy string
	ResolvedAt time.Time
}

// ProfileStore persists behavior profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*BehaviorProfile, error)
	PutProfile(ctx context.Context, profile *BehaviorProfile) error
}

// AlertStore persists fraud alerts. UpdateAlert only ever sets resolution
// fields and leaves an already resolved alert untouched.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert *FraudAlert) error
	GetAlert(ctx context.Context, id string) (*FraudAlert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*FraudAlert, error)
	UpdateAlert(ctx context.Context, id string, upd AlertUpdate) (*FraudAlert, error)
}

// HistoryStore is the engine's indexed view of recent audit events.
// Results are newest first.
type HistoryStore interface {
	RecordEvent(ctx context.Context, event *ActivityEvent) error
	RecentByUser(ctx context.Context, userID string, since time.Time) ([]*ActivityEvent, error)
	RecentByIP(ctx context.Context, ip string, since time.Time) ([]*ActivityEvent, error)
}

// Notification is emitted to monitoring after every analysis and live alert.
type Notification struct {
	Kind      string               `json:"kind"`
	UserID    string               `json:"userId"`
	Analysis  *FraudAnalysisResult `json:"analysis,omitempty"`
	RiskScore int                  `json:"riskScore,omitempty"`
	Anomalies []string             `json:"anomalies,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Notification kinds.
const (
	NotifyAnalysis      = "fraud_analysis"
	NotifyActivityAlert = "activity_alert"
)

// Notifier delivers monitoring notifications. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n *Notification)
}

// MultiNotifier fans a notification out to every non-nil notifier.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n *Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(ctx, n)
		}
	}
}

func clampScore(score int) int {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

// HistoryPruner is implemented by history stores that support retention.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}
