package engine

import (
	"encoding/json"
	"fmt"

	"github.com/visezion/hcai-mini/internal/models"
)

// TelemetryMetrics is the metric block of a telemetry point. Pointers are
// nil on sensor dropout.
type TelemetryMetrics struct {
	TempC      *float64 `json:"temp_c"`
	HumPct     *float64 `json:"hum_pct"`
	PowerKW    *float64 `json:"power_kw"`
	AirflowCFM *float64 `json:"airflow_cfm"`
}

// TelemetryPoint is one rack sample delivered over the bus. Unknown payload
// fields survive in the persisted raw JSON.
type TelemetryPoint struct {
	TS       string           `json:"ts"`
	Site     string           `json:"site"`
	Rack     string           `json:"rack"`
	DeviceID string           `json:"device_id,omitempty"`
	Metrics  TelemetryMetrics `json:"metrics"`
}

// Receipt is a field-side acknowledgement of a setpoint command.
type Receipt struct {
	TS        string            `json:"ts"`
	DeviceID  string            `json:"device_id"`
	Status    string            `json:"status"`
	Applied   *models.Setpoints `json:"applied,omitempty"`
	LatencyMs *int64            `json:"latency_ms,omitempty"`
	Notes     string            `json:"notes,omitempty"`
}

// DiscoveredDevice is one entry reported by an edge-bridge scan.
type DiscoveredDevice struct {
	ID    string `json:"id,omitempty"`
	IP    string `json:"ip,omitempty"`
	Host  string `json:"host,omitempty"`
	Proto string `json:"proto,omitempty"`
	Port  int    `json:"port,omitempty"`
	Rack  string `json:"rack,omitempty"`
}

// DiscoverResults is the terminal message of a discovery scan.
type DiscoverResults struct {
	TS        string             `json:"ts"`
	Subnet    string             `json:"subnet"`
	DurationS float64            `json:"duration_s"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoverRaw is the unfiltered probe dump preceding results.
type DiscoverRaw struct {
	TS        string            `json:"ts"`
	Subnet    string            `json:"subnet"`
	DurationS float64           `json:"duration_s"`
	Raw       []json.RawMessage `json:"raw"`
}

func parseTelemetry(payload []byte) (TelemetryPoint, error) {
	var p TelemetryPoint
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("failed to parse telemetry: %w", err)
	}
	if p.TS == "" {
		return p, fmt.Errorf("telemetry missing ts")
	}
	return p, nil
}

func parseReceipt(payload []byte) (Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return r, fmt.Errorf("failed to parse receipt: %w", err)
	}
	if r.TS == "" {
		return r, fmt.Errorf("receipt missing ts")
	}
	return r, nil
}
