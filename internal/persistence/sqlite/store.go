// Package sqlite implements the persistence contracts on a single-file
// embedded SQLite database. Access is serialized by a process-wide mutex
// around the handle; every statement carries a context timeout so bus
// handlers stay bounded.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/visezion/hcai-mini/internal/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry (
  id INTEGER PRIMARY KEY,
  ts TEXT NOT NULL,
  site TEXT NOT NULL,
  rack TEXT,
  temp_c REAL,
  hum_pct REAL,
  power_kw REAL,
  airflow_cfm REAL,
  raw_json TEXT
);
CREATE TABLE IF NOT EXISTS forecasts (
  id INTEGER PRIMARY KEY,
  ts TEXT NOT NULL,
  horizon_s INTEGER NOT NULL,
  rack TEXT,
  temp_pred REAL,
  temp_lo REAL,
  temp_hi REAL,
  power_pred REAL
);
CREATE TABLE IF NOT EXISTS anomalies (
  id INTEGER PRIMARY KEY,
  ts TEXT NOT NULL,
  rack TEXT,
  score REAL,
  threshold REAL,
  is_alarm INTEGER
);
CREATE TABLE IF NOT EXISTS actions (
  id INTEGER PRIMARY KEY,
  ts TEXT NOT NULL,
  device_id TEXT NOT NULL,
  cmd_json TEXT NOT NULL,
  mode TEXT NOT NULL,
  status TEXT DEFAULT 'queued',
  reason TEXT,
  model_version TEXT,
  safety_summary TEXT
);
CREATE TABLE IF NOT EXISTS receipts (
  id INTEGER PRIMARY KEY,
  ts TEXT NOT NULL,
  device_id TEXT NOT NULL,
  status TEXT NOT NULL,
  applied_json TEXT,
  latency_ms INTEGER,
  notes TEXT
);
CREATE TABLE IF NOT EXISTS audits (
  id INTEGER PRIMARY KEY,
  ts TEXT NOT NULL,
  actor TEXT NOT NULL,
  action TEXT NOT NULL,
  payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_telemetry_rack_ts ON telemetry (rack, ts);
CREATE INDEX IF NOT EXISTS idx_receipts_device_ts ON receipts (device_id, ts);
CREATE INDEX IF NOT EXISTS idx_actions_device_ts ON actions (device_id, ts);
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db      *sqlx.DB
	mu      sync.Mutex
	timeout time.Duration
}

// Open creates (if needed) and opens the database at path, bootstrapping
// the schema. The parent directory is created on demand.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection plus the store mutex gives strict serialization.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, timeout: 2 * time.Second}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// InsertTelemetry appends one telemetry point.
func (s *Store) InsertTelemetry(ctx context.Context, row persistence.TelemetryRow) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO telemetry (ts, site, rack, temp_c, hum_pct, power_kw, airflow_cfm, raw_json)
		VALUES (:ts, :site, :rack, :temp_c, :hum_pct, :power_kw, :airflow_cfm, :raw_json)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry: %w", err)
	}
	return nil
}

// TelemetryHistory returns the newest-first history for a rack.
func (s *Store) TelemetryHistory(ctx context.Context, rack string, limit int) ([]persistence.TelemetryRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []persistence.TelemetryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, ts, site, rack, temp_c, hum_pct, power_kw, airflow_cfm, raw_json
		FROM telemetry WHERE rack = ? ORDER BY id DESC LIMIT ?`, rack, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry history: %w", err)
	}
	return rows, nil
}

// InsertForecast appends one forecast record.
func (s *Store) InsertForecast(ctx context.Context, row persistence.ForecastRow) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO forecasts (ts, horizon_s, rack, temp_pred, temp_lo, temp_hi, power_pred)
		VALUES (:ts, :horizon_s, :rack, :temp_pred, :temp_lo, :temp_hi, :power_pred)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert forecast: %w", err)
	}
	return nil
}

// InsertAnomaly appends one anomaly record.
func (s *Store) InsertAnomaly(ctx context.Context, row persistence.AnomalyRow) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies (ts, rack, score, threshold, is_alarm)
		VALUES (?, ?, ?, ?, ?)`,
		row.TS, row.Rack, row.Score, row.Threshold, boolToInt(row.IsAlarm))
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

// RecentAnomalies returns the latest records, newest first.
func (s *Store) RecentAnomalies(ctx context.Context, limit int) ([]persistence.AnomalyRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []persistence.AnomalyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, ts, rack, score, threshold, is_alarm
		FROM anomalies ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	return rows, nil
}

// InsertAction appends a ledger entry and returns its assigned id.
func (s *Store) InsertAction(ctx context.Context, row persistence.ActionRow) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (ts, device_id, cmd_json, mode, status, reason, model_version, safety_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.TS, row.DeviceID, row.CmdJSON, row.Mode, row.Status,
		row.Reason, row.ModelVersion, row.SafetySummary)
	if err != nil {
		return 0, fmt.Errorf("failed to insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read action id: %w", err)
	}
	return id, nil
}

// GetAction fetches a ledger entry by id.
func (s *Store) GetAction(ctx context.Context, id int64) (*persistence.ActionRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getActionLocked(ctx, id)
}

func (s *Store) getActionLocked(ctx context.Context, id int64) (*persistence.ActionRow, error) {
	var row persistence.ActionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, ts, device_id, cmd_json, mode, status, reason, model_version, safety_summary
		FROM actions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return &row, nil
}

// RecentActions returns the latest ledger entries, newest first.
func (s *Store) RecentActions(ctx context.Context, limit int) ([]persistence.ActionRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []persistence.ActionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, ts, device_id, cmd_json, mode, status, reason, model_version, safety_summary
		FROM actions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	return rows, nil
}

// UpdateActionStatus moves an action along the status DAG. Transitions
// outside the DAG are rejected; a same-status update is a no-op.
func (s *Store) UpdateActionStatus(ctx context.Context, id int64, status string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.getActionLocked(ctx, id)
	if err != nil {
		return err
	}
	if !persistence.ValidTransition(row.Status, status) {
		return fmt.Errorf("%w: %s -> %s", persistence.ErrInvalidTransition, row.Status, status)
	}
	if row.Status == status {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("failed to update action status: %w", err)
	}
	return nil
}

// UpdateActionCmd rewrites an action's command payload.
func (s *Store) UpdateActionCmd(ctx context.Context, id int64, cmdJSON string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET cmd_json = ? WHERE id = ?`, cmdJSON, id)
	if err != nil {
		return fmt.Errorf("failed to update action cmd: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// FindSentAction looks up a sent action by exact (device_id, ts) for the
// receipt join. A miss returns (nil, nil).
func (s *Store) FindSentAction(ctx context.Context, deviceID, ts string) (*persistence.ActionRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	var row persistence.ActionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, ts, device_id, cmd_json, mode, status, reason, model_version, safety_summary
		FROM actions WHERE device_id = ? AND ts = ? AND status = ?
		ORDER BY id DESC LIMIT 1`, deviceID, ts, persistence.StatusSent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sent action: %w", err)
	}
	return &row, nil
}

// InsertReceipt persists a receipt, dropping duplicates by (device_id, ts).
func (s *Store) InsertReceipt(ctx context.Context, row persistence.ReceiptRow) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.GetContext(ctx, &exists,
		`SELECT COUNT(1) FROM receipts WHERE device_id = ? AND ts = ?`, row.DeviceID, row.TS)
	if err != nil {
		return false, fmt.Errorf("failed to check receipt dedupe: %w", err)
	}
	if exists > 0 {
		return false, nil
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO receipts (ts, device_id, status, applied_json, latency_ms, notes)
		VALUES (:ts, :device_id, :status, :applied_json, :latency_ms, :notes)`, row)
	if err != nil {
		return false, fmt.Errorf("failed to insert receipt: %w", err)
	}
	return true, nil
}

// LatestAppliedReceipt returns the newest receipt with status "applied" for
// a device, or (nil, nil) when none exists.
func (s *Store) LatestAppliedReceipt(ctx context.Context, deviceID string) (*persistence.ReceiptRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	var row persistence.ReceiptRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, ts, device_id, status, applied_json, latency_ms, notes
		FROM receipts WHERE device_id = ? AND status = 'applied'
		ORDER BY id DESC LIMIT 1`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query applied receipt: %w", err)
	}
	return &row, nil
}

// RecordAudit appends one audit record stamped with the current UTC time.
func (s *Store) RecordAudit(ctx context.Context, actor, action, payload string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audits (ts, actor, action, payload) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), actor, action, payload)
	if err != nil {
		return fmt.Errorf("failed to record audit: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
