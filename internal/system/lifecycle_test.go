package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/observability"
	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
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

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testTopology), 0o644))

	return &config.Config{
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
		Beamline: config.BeamlineConfig{
			Shutter:                 "shutter",
			GateValve:               "gate valve",
			Beamstop:                config.MotorConfig{Setpoint: "bs:set", Readback: "bs:rbv"},
			AlignmentTransmission:   1e-8,
			AlignmentCeiling:        3e-8,
			AlignmentAttempts:       5,
			MeasurementTransmission: 1,
			BeamstopPark:            -16.74,
			BeamstopAlignmentOffset: 3,
			BeamstopTolerance:       0.1,
		},
		Monitor: config.MonitorConfig{Interval: time.Hour, Points: []string{"ring:current"}},
	}
}

func TestLifecycleSimulated(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	collector, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(err)

	lm, err := NewLifecycleManager(testConfig(t), nil, collector, zap.NewNop())
	require.NoError(err)
	require.NotNil(lm.Simulation())
	require.Nil(lm.DeviceManager())
	require.Nil(lm.Sequencer())
	require.NotNil(lm.Controller())
	require.NotNil(lm.Monitor())
	require.Equal(StateInitializing, lm.State())

	events := lm.Recorder().Streamer().SubscribeAll()
	statuses := lm.SubscribeStatus()

	require.NoError(lm.Start(ctx))
	require.Equal(StateRunning, lm.State())

	status := lm.Status()
	require.Equal(StateRunning, status.State)
	require.NotNil(status.Mode)

	// The topology report at start is recorded as a run.
	first := <-events
	require.Equal("run.started", first.Type)

	res, err := lm.Attenuator().SetTransmission(ctx, 1)
	require.NoError(err)
	require.Equal(1.0, res.Achieved)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.TransmissionChanges.WithLabelValues("filter_bank", "success")))

	lm.Monitor().PollOnce(ctx)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.PointFaults.WithLabelValues("ring:current")))

	_, err = lm.Evacuate(ctx, "sample")
	require.Error(err)

	require.NoError(lm.Shutdown(ctx))
	require.Equal(StateStopped, lm.State())
	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}

	var seen []SystemState
	for len(statuses) > 0 {
		seen = append(seen, (<-statuses).State)
	}
	require.Contains(seen, StateRunning)
	require.Contains(seen, StateStopped)

	// A second shutdown is a no-op.
	require.NoError(lm.Shutdown(ctx))
}

func TestSimulatedMotorReadbackFollowsSetpoint(t *testing.T) {
	lm, err := NewLifecycleManager(testConfig(t), nil, nil, zap.NewNop())
	require.NoError(t, err)

	sim := lm.Simulation()
	require.NoError(t, sim.Write(context.Background(), "bs:set", -16.74))
	require.Equal(t, -16.74, sim.Value("bs:rbv"))
}

func TestLifecycleTopologyReportRun(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	lm, err := NewLifecycleManager(testConfig(t), nil, nil, zap.NewNop())
	require.NoError(err)

	events := lm.Recorder().Streamer().SubscribeAll()
	report := lm.TopologyReport(ctx)
	require.Len(report.Rows, 5)

	var started []string
	for len(events) > 0 {
		e := <-events
		if e.Type == "run.started" {
			started = append(started, string(e.Payload))
		}
	}
	require.Len(started, 1)
	require.Contains(started[0], procedure.KindTopologyReport)
	require.Empty(lm.Recorder().Running())
}

func TestLifecycleBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing topology", func(c *config.Config) { c.Topology.File = filepath.Join(os.TempDir(), "no-such-topology.yaml") }},
		{"unknown shutter", func(c *config.Config) { c.Beamline.Shutter = "nope" }},
		{"shutter cannot close", func(c *config.Config) { c.Beamline.Shutter = "sample" }},
		{"unknown gate valve", func(c *config.Config) { c.Beamline.GateValve = "nope" }},
		{"unknown device", func(c *config.Config) { c.Transmission.Device = "wedge" }},
		{"missing map", func(c *config.Config) {
			c.ControlPoints.Simulate = false
			c.ControlPoints.SearchPaths = []string{os.TempDir()}
			c.ControlPoints.Map = "no-such-map"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := NewLifecycleManager(cfg, nil, nil, zap.NewNop())
			require.Error(t, err)
		})
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateInitializing, StateStopping, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateInitializing, true},
		{StateError, StateStopping, true},
		{StateRunning, StateInitializing, false},
		{StateStopped, StateRunning, false},
		{StateRunning, StateRunning, false},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.Error(t, err, "%s -> %s", tt.from, tt.to)
		}
	}
}

func TestShippedConfigBuilds(t *testing.T) {
	require := require.New(t)

	cfg, err := config.Load("../../configs/config.yaml")
	require.NoError(err)
	cfg.ControlPoints.Simulate = true
	cfg.Topology.File = "../../configs/topology.yaml"

	lm, err := NewLifecycleManager(cfg, nil, nil, zap.NewNop())
	require.NoError(err)
	require.NotNil(lm.Sequencer())
	require.NotNil(lm.Controller())
	require.ElementsMatch([]string{"sample", "detector"}, lm.Sequencer().Zones())
}
