package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/visezion/hcai-mini/internal/config"
	"github.com/visezion/hcai-mini/internal/engine"
	"github.com/visezion/hcai-mini/internal/persistence"
)

const defaultListLimit = 50

// actionView is an ActionRow with cmd_json decoded for the dashboard.
type actionView struct {
	ID            int64           `json:"id"`
	TS            string          `json:"ts"`
	DeviceID      string          `json:"device_id"`
	Mode          string          `json:"mode"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason"`
	ModelVersion  string          `json:"model_version"`
	SafetySummary string          `json:"safety_summary"`
	Cmd           json.RawMessage `json:"cmd"`
}

func toActionViews(rows []persistence.ActionRow) []actionView {
	out := make([]actionView, 0, len(rows))
	for _, row := range rows {
		view := actionView{
			ID:            row.ID,
			TS:            row.TS,
			DeviceID:      row.DeviceID,
			Mode:          row.Mode,
			Status:        row.Status,
			Reason:        row.Reason,
			ModelVersion:  row.ModelVersion,
			SafetySummary: row.SafetySummary,
		}
		if json.Valid([]byte(row.CmdJSON)) {
			view.Cmd = json.RawMessage(row.CmdJSON)
		}
		out = append(out, view)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"ts": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Tiles())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.Ledger().RecentActions(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read actions")
		return
	}
	writeJSON(w, http.StatusOK, toActionViews(rows))
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.Ledger().RecentAnomalies(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read anomalies")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	rack := r.URL.Query().Get("rack")
	if rack == "" {
		writeError(w, http.StatusBadRequest, "missing_rack", "rack query parameter is required")
		return
	}
	rows, err := s.engine.Ledger().TelemetryHistory(r.Context(), rack, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read telemetry history")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDiscoverStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subnet string `json:"subnet"`
		Actor  string `json:"actor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	if err := s.engine.StartDiscovery(r.Context(), body.Subnet, body.Actor); err != nil {
		if errors.Is(err, engine.ErrDiscoveryRunning) {
			writeError(w, http.StatusConflict, "discovery_running", "a discovery scan is already running")
			return
		}
		writeError(w, http.StatusInternalServerError, "discovery_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"state": s.engine.Discoveries().State,
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Discoveries())
}

func (s *Server) handleDiscoverApprove(w http.ResponseWriter, r *http.Request) {
	var entry config.Device
	if err := decodeBody(r, &entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if entry.ID == "" && entry.Host == "" {
		writeError(w, http.StatusBadRequest, "invalid_device", "device needs an id or a host")
		return
	}

	outcome, err := s.engine.ApproveDevice(r.Context(), entry, r.URL.Query().Get("actor"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": outcome})
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	removed, err := s.engine.RemoveDevice(r.Context(), id, r.URL.Query().Get("actor"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry_error", err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "unknown_device", fmt.Sprintf("no device with id %q", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeviceValidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := decodeBody(r, &body); err != nil || body.Host == "" || body.Port == 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "host and port are required")
		return
	}

	addr := net.JoinHostPort(body.Host, strconv.Itoa(body.Port))
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unreachable",
			fmt.Sprintf("no TCP connection to %s within 1s", addr))
		return
	}
	conn.Close()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleModeGet(w http.ResponseWriter, r *http.Request) {
	mode, auto := s.engine.Mode()
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode, "auto_enabled": auto})
}

func (s *Server) handleModeSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode        *string `json:"mode"`
		AutoEnabled *bool   `json:"auto_enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	if err := s.engine.SetMode(r.Context(), body.Mode, body.AutoEnabled, r.URL.Query().Get("actor")); err != nil {
		if errors.Is(err, engine.ErrUnknownMode) {
			writeError(w, http.StatusBadRequest, "unknown_mode", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "mode_error", err.Error())
		return
	}
	mode, auto := s.engine.Mode()
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode, "auto_enabled": auto})
}

func (s *Server) handleActionApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID int64 `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil || body.ID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "action id is required")
		return
	}

	if err := s.engine.ApproveAction(r.Context(), body.ID, r.URL.Query().Get("actor")); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown_action", fmt.Sprintf("no action with id %d", body.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "approve_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": body.ID})
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

func decodeBody(r *http.Request, into any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError pairs a machine error code with a short human message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
