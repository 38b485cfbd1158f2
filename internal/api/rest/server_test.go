package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/observability"
	"github.com/KevinKickass/OpenBeamlineCore/internal/system"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTopology = `
version: "1"
elements:
  - name: source
    kind: source
    position: 0
    points: {position: "src:position", ring_current: "ring:current"}
  - name: shutter
    kind: shutter
    position: 33.7
    points: {status: "psh:status", close: "psh:close"}
  - name: attenuator
    kind: attenuator
    position: 53.8
    source: filter_bank
  - name: sample
    kind: passive
    position: 58.8
  - name: gate valve
    kind: gate_valve
    position: 60
    points: {status: "gv:status"}
`

func newTestServer(t *testing.T, collector *observability.Collector) (*Server, *system.LifecycleManager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testTopology), 0o644))

	cfg := &config.Config{
		Server:        config.ServerConfig{HTTPPort: 0},
		ControlPoints: config.ControlPointsConfig{Simulate: true, Timeout: time.Second},
		Topology:      config.TopologyConfig{File: path},
		Energy:        config.EnergyConfig{FixedKeV: 12},
		Transmission: config.TransmissionConfig{
			Device: "filter_bank",
			FilterBank: config.FilterBankConfig{
				Foils:         []string{"fb:1", "fb:2", "fb:3", "fb:4", "fb:5", "fb:6", "fb:7", "fb:8"},
				Settle:        time.Millisecond,
				Tolerance:     0.7,
				Retries:       3,
				MaxFaults:     3,
				FaultInterval: time.Millisecond,
			},
		},
		Monitor: config.MonitorConfig{Interval: time.Hour, Points: []string{"ring:current"}},
	}

	lm, err := system.NewLifecycleManager(cfg, nil, collector, zap.NewNop())
	require.NoError(t, err)

	s := NewServer(cfg, lm, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, lm
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealthAndStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := get(t, s, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "INITIALIZING", body["state"])

	w = get(t, s, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "INITIALIZING", decode(t, w)["state"])

	// No collector, no metrics route.
	assert.Equal(t, http.StatusNotFound, get(t, s, "/metrics").Code)
}

func TestTopology(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := get(t, s, "/api/v1/topology")
	require.Equal(t, http.StatusOK, w.Code)
	rows, ok := decode(t, w)["rows"].([]any)
	require.True(t, ok)
	assert.Len(t, rows, 5)

	w = get(t, s, "/api/v1/topology?format=text")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "shutter")
	assert.Contains(t, w.Body.String(), "gate valve")
}

func TestPointsAndDevices(t *testing.T) {
	s, lm := newTestServer(t, nil)

	w := get(t, s, "/api/v1/points")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["count"])

	lm.Simulation().Set("ring:current", 200.5)
	lm.Monitor().PollOnce(context.Background())

	w = get(t, s, "/api/v1/points")
	body := decode(t, w)
	require.EqualValues(t, 1, body["count"])
	point := body["points"].([]any)[0].(map[string]any)
	assert.Equal(t, "ring:current", point["id"])
	assert.Equal(t, 200.5, point["value"])

	w = get(t, s, "/api/v1/devices")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, true, body["simulated"])
	assert.EqualValues(t, 0, body["count"])
}

func TestRunsWithoutJournal(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := get(t, s, "/api/v1/runs")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["persisted"])
	assert.EqualValues(t, 0, body["count"])

	w = get(t, s, "/api/v1/runs/running")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["count"])

	tests := []struct {
		path string
		code int
		err  string
	}{
		{"/api/v1/runs?limit=0", http.StatusBadRequest, "RUNS_400"},
		{"/api/v1/runs?limit=abc", http.StatusBadRequest, "RUNS_400"},
		{"/api/v1/runs/not-a-uuid", http.StatusBadRequest, "RUNS_400"},
		{"/api/v1/runs/5b1c3c2e-0d7a-4f43-9c57-0d3f4c1f2a10", http.StatusNotFound, "RUNS_404"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, s, tt.path)
			require.Equal(t, tt.code, w.Code)
			errBody := decode(t, w)["error"].(map[string]any)
			assert.Equal(t, tt.err, errBody["code"])
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	collector, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	s, lm := newTestServer(t, collector)

	_, err = lm.Attenuator().SetTransmission(context.Background(), 1)
	require.NoError(t, err)

	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `transmission_changes_total{device="filter_bank",outcome="success"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestEventStream(t *testing.T) {
	s, lm := newTestServer(t, nil)
	s.startStreaming()

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The snapshot arrives once the client is registered.
	snapshot := readMessage(t, conn)
	require.Equal(t, "system_status", snapshot.Type)
	var status map[string]any
	require.NoError(t, json.Unmarshal(snapshot.Data, &status))
	assert.Equal(t, "INITIALIZING", status["state"])

	w := get(t, s, "/api/v1/ws/status")
	assert.EqualValues(t, 1, decode(t, w)["connected_clients"])

	lm.TopologyReport(context.Background())

	var types []string
	for len(types) < 2 {
		msg := readMessage(t, conn)
		if msg.Type != "run_event" {
			continue
		}
		var event struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		types = append(types, event.Type)
	}
	assert.Equal(t, []string{"run.started", "run.success"}, types)
}
