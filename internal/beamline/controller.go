// Package beamline holds the endstation operating modes and the beam
// energy derived from the monochromator.
package beamline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/KevinKickass/OpenBeamlineCore/internal/poll"
	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"github.com/KevinKickass/OpenBeamlineCore/internal/topology"
	"github.com/KevinKickass/OpenBeamlineCore/internal/transmission"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const tracerName = "github.com/KevinKickass/OpenBeamlineCore/internal/beamline"

var (
	// ErrBeamstopPosition indicates the beamstop did not reach its park position.
	ErrBeamstopPosition = errors.New("beamstop not at position")

	// ErrAttenuationNotReached indicates the alignment attenuation was not
	// reached within the re-issue bound.
	ErrAttenuationNotReached = errors.New("alignment attenuation not reached")

	// ErrModeChangeInProgress is returned while another mode change runs.
	ErrModeChangeInProgress = errors.New("mode change in progress")
)

// Shutter blocks the beam upstream of the sample.
type Shutter interface {
	Close(ctx context.Context) error
}

// Attenuator sets and reports beam transmission.
type Attenuator interface {
	SetTransmission(ctx context.Context, target float64) (transmission.Result, error)
	Transmission(ctx context.Context) (float64, error)
}

// ValveState reports whether a gate valve is out of the beam.
type ValveState interface {
	State(ctx context.Context) (topology.ElementState, error)
}

// Observer is notified of every mode change.
type Observer interface {
	ObserveMode(mode Mode, transitioning bool)
}

type ControllerOptions struct {
	AlignmentTransmission float64
	// AlignmentCeiling is the highest transmission accepted in alignment.
	AlignmentCeiling  float64
	AlignmentPacing   time.Duration
	AlignmentAttempts int

	MeasurementTransmission float64

	BeamstopPark            float64
	BeamstopAlignmentOffset float64
	BeamstopTolerance       float64
}

func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		AlignmentTransmission:   1e-8,
		AlignmentCeiling:        3e-8,
		AlignmentPacing:         500 * time.Millisecond,
		AlignmentAttempts:       20,
		MeasurementTransmission: 1,
		BeamstopPark:            -16.74,
		BeamstopAlignmentOffset: 3,
		BeamstopTolerance:       0.1,
	}
}

// Controller switches the endstation between alignment and measurement.
type Controller struct {
	logger     *zap.Logger
	shutter    Shutter
	attenuator Attenuator
	beamstop   controlpoint.MotorActuator
	gateValve  ValveState
	opts       ControllerOptions
	recorder   *procedure.Recorder
	observer   Observer

	changeMu sync.Mutex

	mu               sync.RWMutex
	currentMode      Mode
	transitioning    bool
	errorMessage     string
	lastModeChange   time.Time
	lastTransmission float64
}

// NewController wires the mode controller. gateValve may be nil.
func NewController(
	logger *zap.Logger,
	shutter Shutter,
	attenuator Attenuator,
	beamstop controlpoint.MotorActuator,
	gateValve ValveState,
	opts ControllerOptions,
) (*Controller, error) {
	if shutter == nil || attenuator == nil || beamstop == nil {
		return nil, fmt.Errorf("shutter, attenuator and beamstop are required")
	}
	if opts.AlignmentAttempts <= 0 {
		return nil, fmt.Errorf("alignment attempts must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		logger:         logger,
		shutter:        shutter,
		attenuator:     attenuator,
		beamstop:       beamstop,
		gateValve:      gateValve,
		opts:           opts,
		currentMode:    ModeUndefined,
		lastModeChange: time.Now(),
	}, nil
}

func (c *Controller) SetRecorder(r *procedure.Recorder) {
	c.recorder = r
}

func (c *Controller) SetObserver(o Observer) {
	c.observer = o
}

func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentMode
}

func (c *Controller) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Status{
		Mode:             c.currentMode,
		Transitioning:    c.transitioning,
		ErrorMessage:     c.errorMessage,
		LastModeChange:   c.lastModeChange,
		LastTransmission: c.lastTransmission,
	}
}

// SetMode runs the procedure for mode. The controller is undefined while
// a change runs and stays undefined when it fails.
func (c *Controller) SetMode(ctx context.Context, mode Mode) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Controller.SetMode")
	defer func() {
		span.SetAttributes(
			attribute.String("beamline.mode", mode.String()),
			attribute.String("beamline.mode.result", c.Mode().String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !c.changeMu.TryLock() {
		return ErrModeChangeInProgress
	}
	defer c.changeMu.Unlock()

	current := c.Mode()
	c.logger.Info("Mode change requested",
		zap.Stringer("mode", mode),
		zap.Stringer("current_mode", current))

	if current != ModeUndefined {
		if err := ValidateModeTransition(current, ModeUndefined); err != nil {
			return err
		}
	}
	c.setMode(ModeUndefined, "", true)
	if mode == ModeUndefined {
		c.setMode(ModeUndefined, "", false)
		return nil
	}
	if err := ValidateModeTransition(ModeUndefined, mode); err != nil {
		c.setMode(ModeUndefined, err.Error(), false)
		return err
	}

	run := c.recorder.Begin(ctx, procedure.KindModeChange, mode.String(), map[string]any{"from": current.String()})

	switch mode {
	case ModeAlignment:
		err = c.executeAlignment(ctx, run)
	case ModeMeasurement:
		err = c.executeMeasurement(ctx, run)
	}

	if err != nil {
		c.setMode(ModeUndefined, err.Error(), false)
		status := procedure.StatusFailed
		if ctx.Err() != nil {
			status = procedure.StatusCancelled
		}
		run.Finish(ctx, status, nil, err)
		return err
	}

	c.setMode(mode, "", false)
	run.Finish(ctx, procedure.StatusSuccess, map[string]any{"mode": mode.String()}, nil)
	return nil
}

func (c *Controller) executeAlignment(ctx context.Context, run *procedure.Run) error {
	run.Phase(ctx, "shutter")
	if err := c.shutter.Close(ctx); err != nil {
		return fmt.Errorf("failed to close shutter: %w", err)
	}

	run.Phase(ctx, "attenuation")
	target := c.opts.AlignmentTransmission
	if err := c.setTransmission(ctx, target); err != nil {
		return err
	}
	out, err := poll.Until(ctx, poll.Policy{Interval: c.opts.AlignmentPacing, MaxAttempts: c.opts.AlignmentAttempts},
		func(ctx context.Context) (float64, bool, error) {
			t, err := c.attenuator.Transmission(ctx)
			if err != nil {
				return 0, false, err
			}
			c.recordTransmission(t)
			if t <= c.opts.AlignmentCeiling {
				return t, true, nil
			}
			c.logger.Warn("Transmission above alignment ceiling, re-issuing",
				zap.Float64("transmission", t),
				zap.Float64("ceiling", c.opts.AlignmentCeiling))
			return t, false, c.setTransmission(ctx, target)
		})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: last transmission %g: %w", ErrAttenuationNotReached, out.Last, err)
	}

	run.Phase(ctx, "beamstop")
	pos := c.opts.BeamstopPark + c.opts.BeamstopAlignmentOffset
	if err := c.beamstop.MoveTo(ctx, pos); err != nil {
		return fmt.Errorf("failed to move beamstop: %w", err)
	}
	c.logger.Info("Alignment mode set",
		zap.Float64("transmission", out.Last),
		zap.Float64("beamstop", pos))
	return nil
}

func (c *Controller) executeMeasurement(ctx context.Context, run *procedure.Run) error {
	run.Phase(ctx, "shutter")
	if err := c.shutter.Close(ctx); err != nil {
		return fmt.Errorf("failed to close shutter: %w", err)
	}

	run.Phase(ctx, "beamstop")
	park := c.opts.BeamstopPark
	// An unsettled move falls through to the park tolerance check below.
	if err := c.beamstop.MoveTo(ctx, park); err != nil && !errors.Is(err, controlpoint.ErrNotSettled) {
		return fmt.Errorf("failed to move beamstop: %w", err)
	}
	pos, err := c.beamstop.Position(ctx)
	if err != nil {
		return fmt.Errorf("failed to read beamstop: %w", err)
	}
	if math.Abs(pos-park) > c.opts.BeamstopTolerance {
		c.logger.Warn("Beamstop did not return to park position",
			zap.Float64("position", pos),
			zap.Float64("park", park))
		return fmt.Errorf("%w: at %g, want %g", ErrBeamstopPosition, pos, park)
	}

	run.Phase(ctx, "attenuation")
	if err := c.setTransmission(ctx, c.opts.MeasurementTransmission); err != nil {
		return err
	}

	if c.gateValve != nil {
		state, err := c.gateValve.State(ctx)
		switch {
		case err != nil:
			c.logger.Warn("Failed to read downstream gate valve", zap.Error(err))
		case state != topology.StateOut:
			c.logger.Warn("Downstream gate valve is not open", zap.Stringer("state", state))
			run.Event(ctx, "gate_valve.closed", map[string]any{"state": state.String()})
		}
	}
	c.logger.Info("Measurement mode set", zap.Float64("beamstop", pos))
	return nil
}

// setTransmission accepts a result outside tolerance; the caller checks
// the achieved value where it matters.
func (c *Controller) setTransmission(ctx context.Context, target float64) error {
	res, err := c.attenuator.SetTransmission(ctx, target)
	if err != nil && !errors.Is(err, transmission.ErrToleranceExceeded) {
		return fmt.Errorf("failed to set transmission %g: %w", target, err)
	}
	if err != nil {
		c.logger.Warn("Transmission outside tolerance",
			zap.Float64("target", target),
			zap.Float64("achieved", res.Achieved))
	}
	c.recordTransmission(res.Achieved)
	return nil
}

func (c *Controller) recordTransmission(t float64) {
	c.mu.Lock()
	c.lastTransmission = t
	c.mu.Unlock()
}

func (c *Controller) setMode(mode Mode, errorMsg string, transitioning bool) {
	if c.observer != nil {
		defer c.observer.ObserveMode(mode, transitioning)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.currentMode
	c.currentMode = mode
	c.errorMessage = errorMsg
	c.transitioning = transitioning
	if previous != mode {
		c.lastModeChange = time.Now()
	}

	c.logger.Info("Beamline mode changed",
		zap.Stringer("mode", mode),
		zap.Stringer("previous_mode", previous),
		zap.Bool("transitioning", transitioning),
		zap.String("error", errorMsg))
}
