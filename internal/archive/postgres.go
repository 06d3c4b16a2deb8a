package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/labqc/labqc-server/internal/domain"
)

// PostgresStore implements the alert archive using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL alert archive.
// It expects the database and schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL alert archive from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// SaveAlert stores or replaces a terminated alert.
func (s *PostgresStore) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	notifications, err := json.Marshal(alert.Notifications)
	if err != nil {
		return fmt.Errorf("failed to encode notifications: %w", err)
	}

	var ackAt interface{}
	if alert.AcknowledgedAt != nil {
		ackAt = *alert.AcknowledgedAt
	}
	var responseNS interface{}
	if alert.ResponseTime != nil {
		responseNS = int64(*alert.ResponseTime)
	}

	query := `
		INSERT INTO alerts (
			alert_id, level, test_id, patient_id,
			value, unit, source, message,
			status, escalation_level, acknowledged_by,
			acknowledged_at, response_time_ns, notifications, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (alert_id) DO UPDATE SET
			status = EXCLUDED.status,
			escalation_level = EXCLUDED.escalation_level,
			acknowledged_by = EXCLUDED.acknowledged_by,
			acknowledged_at = EXCLUDED.acknowledged_at,
			response_time_ns = EXCLUDED.response_time_ns,
			notifications = EXCLUDED.notifications
	`

	_, err = s.db.ExecContext(ctx, query,
		alert.AlertID,
		string(alert.Level),
		alert.TestID,
		alert.PatientID,
		alert.Value,
		alert.Unit,
		alert.Source,
		alert.Message,
		string(alert.Status),
		alert.EscalationLevel,
		alert.AcknowledgedBy,
		ackAt,
		responseNS,
		string(notifications),
		alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// GetAlert retrieves an archived alert by ID. Returns nil when not found.
func (s *PostgresStore) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	query := `
		SELECT alert_id, level, test_id, patient_id,
			value, unit, source, message,
			status, escalation_level, acknowledged_by,
			acknowledged_at, response_time_ns, notifications, created_at
		FROM alerts
		WHERE alert_id = $1
		LIMIT 1
	`

	alert, err := scanAlert(s.db.QueryRowContext(ctx, query, alertID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return alert, nil
}

// ListAlerts returns archived alerts, newest first. An empty patientID
// matches all patients.
func (s *PostgresStore) ListAlerts(ctx context.Context, patientID string, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT alert_id, level, test_id, patient_id,
			value, unit, source, message,
			status, escalation_level, acknowledged_by,
			acknowledged_at, response_time_ns, notifications, created_at
		FROM alerts
	`
	args := []interface{}{}
	if patientID != "" {
		query += ` WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, patientID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, alert)
	}
	return result, rows.Err()
}

// Count returns the total number of archived alerts.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts").Scan(&count)
	return count, err
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
