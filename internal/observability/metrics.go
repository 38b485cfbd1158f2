// Package observability exposes beamline metrics to Prometheus and sets
// up OpenTelemetry tracing.
package observability

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/KevinKickass/OpenBeamlineCore/internal/beamline"
	"github.com/KevinKickass/OpenBeamlineCore/internal/transmission"
	"github.com/KevinKickass/OpenBeamlineCore/internal/vacuum"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the beamline Prometheus metrics. It is the observer
// for control point monitors, transmission devices, vacuum sequences and
// the mode controller.
type Collector struct {
	gatherer prometheus.Gatherer

	PointValues *prometheus.GaugeVec
	PointFaults *prometheus.CounterVec

	TransmissionChanges   *prometheus.CounterVec
	TransmissionAchieved  *prometheus.GaugeVec
	TransmissionRetries   *prometheus.CounterVec
	TransmissionDurations *prometheus.HistogramVec

	VacuumSequences *prometheus.CounterVec
	VacuumDurations *prometheus.HistogramVec
	VacuumPressure  *prometheus.GaugeVec

	Mode          *prometheus.GaugeVec
	Transitioning prometheus.Gauge
}

// NewCollector registers the metrics against reg, defaulting to the
// global registry when nil. Metrics already registered are reused.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.PointValues, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controlpoint_value",
		Help: "Last value read from a monitored control point.",
	}, []string{"id"}), "controlpoint_value"); err != nil {
		return nil, err
	}
	if c.PointFaults, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "controlpoint_faults_total",
		Help: "Failed reads of monitored control points.",
	}, []string{"id"}), "controlpoint_faults_total"); err != nil {
		return nil, err
	}

	if c.TransmissionChanges, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transmission_changes_total",
		Help: "Transmission changes, labeled by device and outcome.",
	}, []string{"device", "outcome"}), "transmission_changes_total"); err != nil {
		return nil, err
	}
	if c.TransmissionAchieved, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transmission_achieved",
		Help: "Transmission reached by the last change of a device.",
	}, []string{"device"}), "transmission_achieved"); err != nil {
		return nil, err
	}
	if c.TransmissionRetries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transmission_retries_total",
		Help: "Write/verify retries spent on transmission changes.",
	}, []string{"device"}), "transmission_retries_total"); err != nil {
		return nil, err
	}
	if c.TransmissionDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transmission_change_duration_seconds",
		Help:    "Duration of transmission changes in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"device"}), "transmission_change_duration_seconds"); err != nil {
		return nil, err
	}

	if c.VacuumSequences, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vacuum_sequences_total",
		Help: "Vacuum procedures, labeled by procedure, zone and outcome.",
	}, []string{"procedure", "zone", "outcome"}), "vacuum_sequences_total"); err != nil {
		return nil, err
	}
	if c.VacuumDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vacuum_sequence_duration_seconds",
		Help:    "Duration of vacuum procedures in seconds.",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"procedure"}), "vacuum_sequence_duration_seconds"); err != nil {
		return nil, err
	}
	if c.VacuumPressure, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vacuum_pressure_mbar",
		Help: "Last pressure sampled by a vacuum procedure.",
	}, []string{"zone"}), "vacuum_pressure_mbar"); err != nil {
		return nil, err
	}

	if c.Mode, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beamline_mode",
		Help: "Current endstation mode; 1 for the active mode, 0 otherwise.",
	}, []string{"mode"}), "beamline_mode"); err != nil {
		return nil, err
	}
	if c.Transitioning, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beamline_mode_transitioning",
		Help: "1 while a mode change is running.",
	}), "beamline_mode_transitioning"); err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ObservePoint(id string, value float64) {
	if c == nil {
		return
	}
	c.PointValues.WithLabelValues(id).Set(value)
}

func (c *Collector) ObservePointFault(id string) {
	if c == nil {
		return
	}
	c.PointFaults.WithLabelValues(id).Inc()
}

func (c *Collector) ObserveTransmission(res transmission.Result, err error) {
	if c == nil {
		return
	}
	device := res.Device
	if device == "" {
		device = "unknown"
	}
	c.TransmissionChanges.WithLabelValues(device, TransmissionOutcome(err)).Inc()
	c.TransmissionRetries.WithLabelValues(device).Add(float64(res.Retries))
	c.TransmissionDurations.WithLabelValues(device).Observe(res.Elapsed.Seconds())
	if err == nil || errors.Is(err, transmission.ErrToleranceExceeded) {
		c.TransmissionAchieved.WithLabelValues(device).Set(res.Achieved)
	}
}

func (c *Collector) ObserveSequence(res vacuum.SequenceResult) {
	if c == nil {
		return
	}
	c.VacuumSequences.WithLabelValues(string(res.Procedure), res.Zone, SequenceOutcome(res.Err)).Inc()
	c.VacuumDurations.WithLabelValues(string(res.Procedure)).Observe(res.Elapsed.Seconds())
	if res.HavePressure {
		c.VacuumPressure.WithLabelValues(res.Zone).Set(res.Pressure)
	}
}

func (c *Collector) ObservePressure(zone string, mbar float64) {
	if c == nil {
		return
	}
	c.VacuumPressure.WithLabelValues(zone).Set(mbar)
}

func (c *Collector) ObserveMode(mode beamline.Mode, transitioning bool) {
	if c == nil {
		return
	}
	for _, m := range []beamline.Mode{beamline.ModeUndefined, beamline.ModeAlignment, beamline.ModeMeasurement} {
		v := 0.0
		if m == mode {
			v = 1
		}
		c.Mode.WithLabelValues(m.String()).Set(v)
	}
	if transitioning {
		c.Transitioning.Set(1)
	} else {
		c.Transitioning.Set(0)
	}
}

// TransmissionOutcome maps a transmission error to a metric label.
func TransmissionOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, transmission.ErrToleranceExceeded):
		return "tolerance_exceeded"
	case errors.Is(err, transmission.ErrEnergyOutOfRange):
		return "energy_out_of_range"
	case errors.Is(err, transmission.ErrInvalidTarget), errors.Is(err, transmission.ErrSlotOutOfRange):
		return "rejected"
	case errors.Is(err, transmission.ErrActuatorTimeout):
		return "actuator_timeout"
	default:
		return "failed"
	}
}

// SequenceOutcome maps a vacuum procedure error to a metric label.
func SequenceOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, vacuum.ErrCancelled):
		return "cancelled"
	case errors.Is(err, vacuum.ErrInterlockViolation):
		return "interlock_violation"
	case errors.Is(err, vacuum.ErrPumpNotEnabled):
		return "pump_not_enabled"
	case errors.Is(err, vacuum.ErrActuatorTimeout):
		return "actuator_timeout"
	default:
		return "failed"
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
