// Package persistence defines the storage contracts for the action ledger
// and the telemetry/forecast/anomaly/receipt/audit tables. The ledger is
// append-only except for an action's status and cmd_json, whose updates are
// constrained to the status DAG.
package persistence

import (
	"context"
	"errors"
)

// Action status lifecycle. Transitions form a DAG:
// queued -> sent, queued -> pending_manual -> sent, sent -> applied|rejected.
const (
	StatusQueued        = "queued"
	StatusPendingManual = "pending_manual"
	StatusSent          = "sent"
	StatusApplied       = "applied"
	StatusRejected      = "rejected"
)

// ErrInvalidTransition is returned when a status update would leave the DAG.
var ErrInvalidTransition = errors.New("invalid action status transition")

// ErrNotFound is returned when a row id does not exist.
var ErrNotFound = errors.New("row not found")

// ValidTransition reports whether from -> to is an edge of the status DAG.
// A self-transition is valid (idempotent no-op).
func ValidTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusSent || to == StatusPendingManual
	case StatusPendingManual:
		return to == StatusSent
	case StatusSent:
		return to == StatusApplied || to == StatusRejected
	default:
		return false
	}
}

// TelemetryRow is one persisted telemetry point. Metric pointers are nil on
// sensor dropout; the raw message is kept verbatim for forensics.
type TelemetryRow struct {
	ID         int64    `db:"id" json:"id"`
	TS         string   `db:"ts" json:"ts"`
	Site       string   `db:"site" json:"site"`
	Rack       string   `db:"rack" json:"rack"`
	TempC      *float64 `db:"temp_c" json:"temp_c"`
	HumPct     *float64 `db:"hum_pct" json:"hum_pct"`
	PowerKW    *float64 `db:"power_kw" json:"power_kw"`
	AirflowCFM *float64 `db:"airflow_cfm" json:"airflow_cfm"`
	RawJSON    string   `db:"raw_json" json:"raw_json,omitempty"`
}

// ForecastRow is one persisted forecast head sample.
type ForecastRow struct {
	ID        int64    `db:"id" json:"id"`
	TS        string   `db:"ts" json:"ts"`
	HorizonS  int      `db:"horizon_s" json:"horizon_s"`
	Rack      string   `db:"rack" json:"rack"`
	TempPred  *float64 `db:"temp_pred" json:"temp_pred"`
	TempLo    *float64 `db:"temp_lo" json:"temp_lo"`
	TempHi    *float64 `db:"temp_hi" json:"temp_hi"`
	PowerPred *float64 `db:"power_pred" json:"power_pred"`
}

// AnomalyRow is one persisted anomaly score.
type AnomalyRow struct {
	ID        int64   `db:"id" json:"id"`
	TS        string  `db:"ts" json:"ts"`
	Rack      string  `db:"rack" json:"rack"`
	Score     float64 `db:"score" json:"score"`
	Threshold float64 `db:"threshold" json:"threshold"`
	IsAlarm   bool    `db:"is_alarm" json:"is_alarm"`
}

// ActionRow is one ledger entry. CmdJSON carries the full bus payload.
type ActionRow struct {
	ID            int64  `db:"id" json:"id"`
	TS            string `db:"ts" json:"ts"`
	DeviceID      string `db:"device_id" json:"device_id"`
	CmdJSON       string `db:"cmd_json" json:"cmd_json"`
	Mode          string `db:"mode" json:"mode"`
	Status        string `db:"status" json:"status"`
	Reason        string `db:"reason" json:"reason"`
	ModelVersion  string `db:"model_version" json:"model_version"`
	SafetySummary string `db:"safety_summary" json:"safety_summary"`
}

// ReceiptRow is one field-side acknowledgement.
type ReceiptRow struct {
	ID          int64  `db:"id" json:"id"`
	TS          string `db:"ts" json:"ts"`
	DeviceID    string `db:"device_id" json:"device_id"`
	Status      string `db:"status" json:"status"`
	AppliedJSON string `db:"applied_json" json:"applied_json,omitempty"`
	LatencyMs   *int64 `db:"latency_ms" json:"latency_ms"`
	Notes       string `db:"notes" json:"notes,omitempty"`
}

// AuditRow is one append-only audit record.
type AuditRow struct {
	ID      int64  `db:"id" json:"id"`
	TS      string `db:"ts" json:"ts"`
	Actor   string `db:"actor" json:"actor"`
	Action  string `db:"action" json:"action"`
	Payload string `db:"payload" json:"payload,omitempty"`
}

// Store is the durable state behind the decision engine. Implementations
// serialize concurrent access; callers treat every method as blocking and
// bounded.
type Store interface {
	InsertTelemetry(ctx context.Context, row TelemetryRow) error
	TelemetryHistory(ctx context.Context, rack string, limit int) ([]TelemetryRow, error)

	InsertForecast(ctx context.Context, row ForecastRow) error
	InsertAnomaly(ctx context.Context, row AnomalyRow) error
	RecentAnomalies(ctx context.Context, limit int) ([]AnomalyRow, error)

	InsertAction(ctx context.Context, row ActionRow) (int64, error)
	GetAction(ctx context.Context, id int64) (*ActionRow, error)
	RecentActions(ctx context.Context, limit int) ([]ActionRow, error)
	UpdateActionStatus(ctx context.Context, id int64, status string) error
	UpdateActionCmd(ctx context.Context, id int64, cmdJSON string) error
	FindSentAction(ctx context.Context, deviceID, ts string) (*ActionRow, error)

	// InsertReceipt persists a receipt unless one with the same
	// (device_id, ts) already exists; the bool reports whether a row was
	// written.
	InsertReceipt(ctx context.Context, row ReceiptRow) (bool, error)
	LatestAppliedReceipt(ctx context.Context, deviceID string) (*ReceiptRow, error)

	RecordAudit(ctx context.Context, actor, action, payload string) error

	Close() error
}
