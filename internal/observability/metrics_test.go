package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/beamline"
	"github.com/KevinKickass/OpenBeamlineCore/internal/transmission"
	"github.com/KevinKickass/OpenBeamlineCore/internal/vacuum"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

func TestCollectorPoints(t *testing.T) {
	c := newTestCollector(t)

	c.ObservePoint("sample:pressure", 3.2e-2)
	c.ObservePoint("sample:pressure", 1.5e-2)
	c.ObservePointFault("detector:pressure")
	c.ObservePointFault("detector:pressure")

	assert.InDelta(t, 1.5e-2, testutil.ToFloat64(c.PointValues.WithLabelValues("sample:pressure")), 1e-12)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.PointFaults.WithLabelValues("detector:pressure")))
}

func TestCollectorTransmission(t *testing.T) {
	c := newTestCollector(t)

	ok := transmission.Result{Device: transmission.DeviceFilterBank, Achieved: 0.01, Retries: 1, Elapsed: 2 * time.Second}
	c.ObserveTransmission(ok, nil)

	miss := transmission.Result{Device: transmission.DeviceFilterBank, Achieved: 0.02, Retries: 3}
	c.ObserveTransmission(miss, &transmission.ToleranceError{Result: miss})

	c.ObserveTransmission(transmission.Result{Device: transmission.DeviceAbsorber}, transmission.ErrEnergyOutOfRange)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.TransmissionChanges.WithLabelValues(transmission.DeviceFilterBank, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TransmissionChanges.WithLabelValues(transmission.DeviceFilterBank, "tolerance_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TransmissionChanges.WithLabelValues(transmission.DeviceAbsorber, "energy_out_of_range")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.TransmissionRetries.WithLabelValues(transmission.DeviceFilterBank)))
	assert.InDelta(t, 0.02, testutil.ToFloat64(c.TransmissionAchieved.WithLabelValues(transmission.DeviceFilterBank)), 1e-12)

	// A rejected change leaves the achieved gauge untouched.
	assert.Equal(t, 1, testutil.CollectAndCount(c.TransmissionAchieved, "transmission_achieved"))
}

func TestCollectorSequences(t *testing.T) {
	c := newTestCollector(t)

	c.ObserveSequence(vacuum.SequenceResult{
		Procedure:    vacuum.ProcedureEvacuate,
		Zone:         "sample",
		Elapsed:      90 * time.Second,
		Pressure:     0.4,
		HavePressure: true,
	})
	c.ObserveSequence(vacuum.SequenceResult{
		Procedure: vacuum.ProcedureVent,
		Zone:      "sample",
		Err:       &vacuum.SequenceError{Procedure: vacuum.ProcedureVent, Err: vacuum.ErrInterlockViolation},
	})
	c.ObservePressure("detector", 2e-3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.VacuumSequences.WithLabelValues("evacuate", "sample", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.VacuumSequences.WithLabelValues("vent", "sample", "interlock_violation")))
	assert.InDelta(t, 0.4, testutil.ToFloat64(c.VacuumPressure.WithLabelValues("sample")), 1e-12)
	assert.InDelta(t, 2e-3, testutil.ToFloat64(c.VacuumPressure.WithLabelValues("detector")), 1e-12)
}

func TestCollectorSequenceDurations(t *testing.T) {
	c := newTestCollector(t)

	for _, d := range []time.Duration{90 * time.Second, 30 * time.Second} {
		c.ObserveSequence(vacuum.SequenceResult{Procedure: vacuum.ProcedureEvacuate, Zone: "sample", Elapsed: d})
	}

	obs, err := c.VacuumDurations.GetMetricWithLabelValues("evacuate")
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, obs.(prometheus.Histogram).Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 120.0, m.GetHistogram().GetSampleSum(), 1e-9)
}

func TestCollectorMode(t *testing.T) {
	c := newTestCollector(t)

	c.ObserveMode(beamline.ModeUndefined, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Transitioning))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Mode.WithLabelValues("undefined")))

	c.ObserveMode(beamline.ModeMeasurement, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Transitioning))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Mode.WithLabelValues("undefined")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Mode.WithLabelValues("measurement")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Mode.WithLabelValues("alignment")))
}

func TestCollectorReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	require.NoError(t, err)
	second, err := NewCollector(reg)
	require.NoError(t, err)

	first.ObservePointFault("x")
	assert.Equal(t, 1.0, testutil.ToFloat64(second.PointFaults.WithLabelValues("x")))
}

func TestCollectorNilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObservePoint("x", 1)
		c.ObservePointFault("x")
		c.ObserveTransmission(transmission.Result{}, nil)
		c.ObserveSequence(vacuum.SequenceResult{})
		c.ObservePressure("sample", 1)
		c.ObserveMode(beamline.ModeAlignment, false)
	})
}

func TestOutcomeLabels(t *testing.T) {
	tests := []struct {
		err error
		tx  string
		vac string
	}{
		{nil, "success", "success"},
		{fmt.Errorf("wrap: %w", transmission.ErrActuatorTimeout), "actuator_timeout", "failed"},
		{transmission.ErrSlotOutOfRange, "rejected", "failed"},
		{fmt.Errorf("wrap: %w", vacuum.ErrCancelled), "failed", "cancelled"},
		{vacuum.ErrPumpNotEnabled, "failed", "pump_not_enabled"},
		{vacuum.ErrActuatorTimeout, "failed", "actuator_timeout"},
		{errors.New("boom"), "failed", "failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.tx, TransmissionOutcome(tt.err), "%v", tt.err)
		assert.Equal(t, tt.vac, SequenceOutcome(tt.err), "%v", tt.err)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	c := newTestCollector(t)
	c.ObservePointFault("sample:pressure")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `controlpoint_faults_total{id="sample:pressure"} 1`))
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracingUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, zap.NewNop())
	require.Error(t, err)
}
