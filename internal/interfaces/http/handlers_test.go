package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visezion/hcai-mini/internal/bus"
	"github.com/visezion/hcai-mini/internal/config"
	"github.com/visezion/hcai-mini/internal/engine"
	"github.com/visezion/hcai-mini/internal/metrics"
	"github.com/visezion/hcai-mini/internal/persistence/sqlite"
)

func newTestServer(t *testing.T, mode string) (*Server, *bus.MemoryBus) {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := config.NewRegistry(filepath.Join(dir, "devices.yaml"))
	require.NoError(t, err)

	settings := config.Settings{
		Mode:              mode,
		DiscoverySubnet:   "10.0.0.0/24",
		DiscoveryTopic:    "ctrl/discover",
		DiscoveryTimeoutS: 60,
	}
	b := bus.NewMemoryBus()
	m := metrics.NewRegistry()
	eng := engine.New(settings, config.DefaultPolicy(), registry, store, b, m)
	require.NoError(t, eng.Start())

	return NewServer("127.0.0.1:0", eng, m), b
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func publishTelemetry(t *testing.T, b *bus.MemoryBus, rack string, temp float64) {
	t.Helper()
	payload := fmt.Sprintf(`{"ts":"2026-08-24T10:00:00Z","site":"site-a","rack":%q,"device_id":"crah-01","metrics":{"temp_c":%v}}`, rack, temp)
	require.NoError(t, b.Publish(context.Background(), "site/site-a/rack/"+rack+"/telemetry", []byte(payload)))
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "propose")
	rec := doRequest(t, s, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["ts"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestTilesAndStatus(t *testing.T) {
	s, b := newTestServer(t, "propose")
	publishTelemetry(t, b, "r1", 22.5)

	rec := doRequest(t, s, "GET", "/tiles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tiles map[string]engine.Tile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tiles))
	require.Contains(t, tiles, "r1")
	assert.Equal(t, "2026-08-24T10:00:00Z", tiles["r1"].TS)

	rec = doRequest(t, s, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st engine.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(1), st.IngestCount)
	assert.Equal(t, 1, st.TrackedRacks)
}

func TestActionsListDecodesCmd(t *testing.T) {
	s, b := newTestServer(t, "propose")
	publishTelemetry(t, b, "r1", 24.0)

	rec := doRequest(t, s, "GET", "/actions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []actionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "pending_manual", views[0].Status)

	var payload engine.ActionPayload
	require.NoError(t, json.Unmarshal(views[0].Cmd, &payload))
	assert.Equal(t, "setpoints", payload.Cmd)
}

func TestActionApprove(t *testing.T) {
	s, b := newTestServer(t, "propose")
	publishTelemetry(t, b, "r1", 24.0)

	rec := doRequest(t, s, "POST", "/actions/approve", map[string]int64{"id": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, "POST", "/actions/approve", map[string]int64{"id": 999})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, "POST", "/actions/approve", map[string]string{"id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTelemetryHistory(t *testing.T) {
	s, b := newTestServer(t, "propose")
	publishTelemetry(t, b, "r1", 24.0)

	rec := doRequest(t, s, "GET", "/telemetry/history?rack=r1&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"r1"`)

	rec = doRequest(t, s, "GET", "/telemetry/history", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModeEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "propose")

	rec := doRequest(t, s, "GET", "/mode", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"propose"`)

	rec = doRequest(t, s, "POST", "/mode", map[string]any{"mode": "auto_full", "auto_enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"auto_full"`)

	rec = doRequest(t, s, "POST", "/mode", map[string]any{"mode": "turbo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown_mode")
}

func TestDiscoverFlow(t *testing.T) {
	s, b := newTestServer(t, "propose")

	rec := doRequest(t, s, "POST", "/discover/start", map[string]string{"subnet": "10.0.0.0/24", "actor": "tester"})
	require.Equal(t, http.StatusOK, rec.Code)

	// A second start while running conflicts.
	rec = doRequest(t, s, "POST", "/discover/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	results := `{"ts":"2026-08-24T10:00:04Z","subnet":"10.0.0.0/24","duration_s":4.2,"devices":[{"ip":"10.0.0.5","proto":"modbus"}]}`
	require.NoError(t, b.Publish(context.Background(), bus.TopicDiscoverResults, []byte(results)))

	rec = doRequest(t, s, "GET", "/discover", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap engine.DiscoverySnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, engine.DiscoveryDone, snap.State.Status)
	require.Len(t, snap.Devices, 1)
}

func TestDeviceApproveAndDelete(t *testing.T) {
	s, _ := newTestServer(t, "propose")

	rec := doRequest(t, s, "POST", "/discover/approve", config.Device{
		ID: "crah-09", Rack: "r9", Proto: "modbus", Host: "10.0.0.9", Port: 502,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "appended")

	rec = doRequest(t, s, "POST", "/discover/approve", config.Device{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, "DELETE", "/devices/crah-09", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, "DELETE", "/devices/crah-09", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceValidate(t *testing.T) {
	s, _ := newTestServer(t, "propose")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := listener.Addr().(*net.TCPAddr).Port

	rec := doRequest(t, s, "POST", "/devices/validate", map[string]any{"host": "127.0.0.1", "port": port})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, "POST", "/devices/validate", map[string]any{"host": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, b := newTestServer(t, "propose")
	publishTelemetry(t, b, "r1", 22.0)

	rec := doRequest(t, s, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "telemetry_ingest_total")
	assert.Contains(t, body, "discover_scans_total")
	assert.Contains(t, body, "engine_decision_latency_seconds")
	assert.NotContains(t, body, "hcai_")
}

func TestWebSocketFrame(t *testing.T) {
	s, b := newTestServer(t, "propose")
	publishTelemetry(t, b, "r1", 22.0)

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]json.RawMessage
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Contains(t, frame, "tiles")
	assert.Contains(t, frame, "status")
	assert.Contains(t, frame, "discover")
}
