package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/riskwatch/migrations"
	"github.com/pressly/goose/v3"
)

// PostgresStore persists profiles, alerts and activity history in PostgreSQL.
// It implements ProfileStore, AlertStore and HistoryStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed fraud store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded goose migrations. Deployments normally run
// cmd/migrate instead; this keeps tests and local runs self-contained.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, s.db, migrations.FS)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*BehaviorProfile, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT profile FROM fraud_profiles WHERE user_id = $1`, userID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p := NewProfile(userID)
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) PutProfile(ctx context.Context, profile *BehaviorProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_profiles (user_id, profile, baseline_score, last_analyzed, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			profile        = EXCLUDED.profile,
			baseline_score = EXCLUDED.baseline_score,
			last_analyzed  = EXCLUDED.last_analyzed,
			updated_at     = NOW()
	`, profile.UserID, raw, profile.BaselineScore, nullTime(profile.LastAnalyzed))
	if err != nil {
		return fmt.Errorf("failed to put profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAlert(ctx context.Context, alert *FraudAlert) error {
	details, err := json.Marshal(alert.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal alert details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, user_id, alert_type, risk_score, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, alert.ID, alert.UserID, alert.AlertType, clampScore(alert.RiskScore), details, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

const alertColumns = `id, user_id, alert_type, risk_score, details, is_resolved,
	COALESCE(resolved_by, ''), created_at, resolved_at`

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*FraudAlert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*FraudAlert, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = "+arg(filter.UserID))
	}
	if filter.Resolved != nil {
		where = append(where, "is_resolved = "+arg(*filter.Resolved))
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= "+arg(filter.To))
	}
	if filter.After != nil {
		where = append(where, "(created_at, id) < ("+arg(filter.After.CreatedAt)+", "+arg(filter.After.ID)+")")
	}

	query := `SELECT ` + alertColumns + ` FROM fraud_alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*FraudAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateAlert(ctx context.Context, id string, upd AlertUpdate) (*FraudAlert, error) {
	// The NOT is_resolved guard keeps the first resolver under concurrent resolves.
	_, err := s.db.ExecContext(ctx, `
		UPDATE fraud_alerts
		SET is_resolved = TRUE, resolved_by = $2, resolved_at = $3
		WHERE id = $1 AND NOT is_resolved
	`, id, upd.ResolvedBy, upd.ResolvedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}
	return s.GetAlert(ctx, id)
}

func (s *PostgresStore) RecordEvent(ctx context.Context, event *ActivityEvent) error {
	var details any // NULL unless the event carries details
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		details = raw
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_events (
			id, user_id, action, outcome, ip_address, user_agent, location,
			device_fingerprint, entity_type, entity_id, details, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`,
		event.ID, event.UserID, event.Action, string(event.Outcome), event.IPAddress,
		event.UserAgent, event.Location, event.DeviceFingerprint, event.EntityType,
		event.EntityID, details, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

const (
	eventColumns = `id, user_id, action, outcome, ip_address, user_agent, location,
		device_fingerprint, entity_type, entity_id, details, occurred_at`
	maxHistoryRows = 2000
)

func (s *PostgresStore) RecentByUser(ctx context.Context, userID string, since time.Time) ([]*ActivityEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM activity_events
		WHERE user_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`, userID, since, maxHistoryRows)
}

func (s *PostgresStore) RecentByIP(ctx context.Context, ip string, since time.Time) ([]*ActivityEvent, error) {
	if ip == "" {
		return nil, nil
	}
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM activity_events
		WHERE ip_address = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`, ip, since, maxHistoryRows)
}

// PruneHistory deletes activity events that occurred before the cutoff.
func (s *PostgresStore) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]*ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*ActivityEvent
	for rows.Next() {
		var (
			e       ActivityEvent
			outcome string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &outcome, &e.IPAddress, &e.UserAgent,
			&e.Location, &e.DeviceFingerprint, &e.EntityType, &e.EntityID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Outcome = Outcome(outcome)
		if len(details) > 0 {
			e.Details = &EventDetails{}
			_ = json.Unmarshal(details, e.Details)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*FraudAlert, error) {
	var (
		a          FraudAlert
		details    []byte
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.AlertType, &a.RiskScore, &details,
		&a.IsResolved, &a.ResolvedBy, &a.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	a.Details = map[string]any{}
	if len(details) > 0 {
		_ = json.Unmarshal(details, &a.Details)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
