package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/riskwatch/internal/idgen"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/retry"
)

// AlertManager creates, lists and resolves fraud alerts.
type AlertManager struct {
	store  AlertStore
	logger *slog.Logger
	now    func() time.Time
}

// NewAlertManager wraps an alert store.
func NewAlertManager(store AlertStore, logger *slog.Logger) *AlertManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertManager{store: store, logger: logger, now: time.Now}
}

// CreateAlert persists a new alert. The score is clamped to [0,100].
func (m *AlertManager) CreateAlert(ctx context.Context, userID, alertType string, riskScore int, details map[string]any) (*FraudAlert, error) {
	if details == nil {
		details = map[string]any{}
	}
	alert := &FraudAlert{
		ID:        idgen.WithPrefix("fa_"),
		UserID:    userID,
		AlertType: alertType,
		RiskScore: clampScore(riskScore),
		Details:   details,
		CreatedAt: m.now().UTC(),
	}

	// Insert is idempotent on ID, so retrying a timed-out write is safe.
	err := retry.Do(ctx, retry.StoreWrites, func(ctx context.Context) error {
		return m.store.InsertAlert(ctx, alert)
	})
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("alert", "insert").Inc()
		return nil, fmt.Errorf("insert alert: %w", err)
	}

	metrics.AlertsCreatedTotal.WithLabelValues(alertType).Inc()
	m.logger.Info("fraud alert created",
		"alert_id", alert.ID, "user_id", userID, "type", alertType, "risk_score", alert.RiskScore)
	return alert, nil
}

// GetAlert returns one alert or ErrAlertNotFound.
func (m *AlertManager) GetAlert(ctx context.Context, id string) (*FraudAlert, error) {
	return m.store.GetAlert(ctx, id)
}

// ListAlerts returns alerts matching filter, newest first.
func (m *AlertManager) ListAlerts(ctx context.Context, filter AlertFilter) ([]*FraudAlert, error) {
	alerts, err := m.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	if alerts == nil {
		alerts = []*FraudAlert{}
	}
	return alerts, nil
}

// ResolveAlert marks an alert resolved by resolvedBy. Resolving an already
// resolved alert returns it unchanged, keeping the first resolver.
func (m *AlertManager) ResolveAlert(ctx context.Context, id, resolvedBy string) (*FraudAlert, error) {
	resolvedBy = strings.TrimSpace(resolvedBy)
	if resolvedBy == "" {
		return nil, ErrInvalidResolver
	}

	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	if alert.IsResolved {
		return alert, nil
	}

	updated, err := m.store.UpdateAlert(ctx, id, AlertUpdate{
		ResolvedBy: resolvedBy,
		ResolvedAt: m.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			return nil, err
		}
		metrics.StoreErrorsTotal.WithLabelValues("alert", "update").Inc()
		return nil, fmt.Errorf("update alert: %w", err)
	}

	metrics.AlertsResolvedTotal.Inc()
	m.logger.Info("fraud alert resolved", "alert_id", id, "resolved_by", resolvedBy)
	return updated, nil
}
