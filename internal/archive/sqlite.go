package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/labqc/labqc-server/internal/domain"
)

// SQLiteStore implements the alert archive using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite alert archive.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// createSchema creates the alert table and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		alert_id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		test_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		escalation_level INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT DEFAULT '',
		acknowledged_at DATETIME,
		response_time_ns INTEGER,
		notifications TEXT DEFAULT '[]',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_patient_id ON alerts(patient_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_level ON alerts(level);
	`

	_, err := db.Exec(schema)
	return err
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanAlert scans a row into an Alert.
func scanAlert(s scanner) (*domain.Alert, error) {
	a := &domain.Alert{}
	var level, status, notifications string
	var ackAt sql.NullTime
	var responseNS sql.NullInt64

	err := s.Scan(
		&a.AlertID, &level, &a.TestID, &a.PatientID,
		&a.Value, &a.Unit, &a.Source, &a.Message,
		&status, &a.EscalationLevel, &a.AcknowledgedBy,
		&ackAt, &responseNS, &notifications, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Level = domain.AlertLevel(level)
	a.Status = domain.AlertStatus(status)
	if ackAt.Valid {
		t := ackAt.Time
		a.AcknowledgedAt = &t
	}
	if responseNS.Valid {
		d := time.Duration(responseNS.Int64)
		a.ResponseTime = &d
	}
	if notifications != "" {
		if err := json.Unmarshal([]byte(notifications), &a.Notifications); err != nil {
			return nil, fmt.Errorf("failed to decode notifications: %w", err)
		}
	}
	return a, nil
}

const alertColumns = `alert_id, level, test_id, patient_id,
		value, unit, source, message,
		status, escalation_level, acknowledged_by,
		acknowledged_at, response_time_ns, notifications, created_at`

// SaveAlert stores or replaces a terminated alert.
func (s *SQLiteStore) SaveAlert(ctx context.Context, alert *domain.Alert) error {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
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
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// GetAlert retrieves an archived alert by ID. Returns nil when not found.
func (s *SQLiteStore) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE alert_id = ?
		LIMIT 1
	`, alertID)

	alert, err := scanAlert(row)
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
func (s *SQLiteStore) ListAlerts(ctx context.Context, patientID string, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	args := []interface{}{}
	if patientID != "" {
		query += ` WHERE patient_id = ?`
		args = append(args, patientID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

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
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts").Scan(&count)
	return count, err
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
