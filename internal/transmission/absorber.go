package transmission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/KevinKickass/OpenBeamlineCore/internal/poll"
	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// AbsorberOptions describe the wheel geometry and the move/verify loop.
type AbsorberOptions struct {
	// Origin is the actuator position of slot 0 in mm.
	Origin float64
	// Pitch is the slot spacing in mm.
	Pitch float64
	// Adjustment is added before dividing by the pitch when a position
	// is converted back to a slot.
	Adjustment float64
	// OutPosition retracts the wheel from the beam.
	OutPosition       float64
	PositionTolerance float64
	Retries           int
	Settle            time.Duration
}

func DefaultAbsorberOptions() AbsorberOptions {
	return AbsorberOptions{
		Origin:            1.3 - 3,
		Pitch:             6,
		Adjustment:        6 - 0.1,
		OutPosition:       -55.1,
		PositionTolerance: 0.5,
		Retries:           3,
		Settle:            200 * time.Millisecond,
	}
}

// AbsorberWheel is a continuous actuator carrying Nb foils in nine slots.
type AbsorberWheel struct {
	motor    controlpoint.MotorActuator
	energy   EnergySource
	tables   []CalibrationTable
	opts     AbsorberOptions
	observer Observer
	recorder *procedure.Recorder
	logger   *zap.Logger
}

func NewAbsorberWheel(motor controlpoint.MotorActuator, energy EnergySource, tables []CalibrationTable, opts AbsorberOptions, logger *zap.Logger) (*AbsorberWheel, error) {
	if motor == nil {
		return nil, fmt.Errorf("absorber wheel needs an actuator")
	}
	if energy == nil {
		return nil, fmt.Errorf("absorber wheel needs an energy source")
	}
	if opts.Pitch <= 0 {
		return nil, fmt.Errorf("absorber pitch must be positive, got %g", opts.Pitch)
	}
	if tables == nil {
		tables = DefaultTables()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AbsorberWheel{motor: motor, energy: energy, tables: tables, opts: opts, logger: logger}, nil
}

func (w *AbsorberWheel) SetObserver(o Observer) {
	w.observer = o
}

func (w *AbsorberWheel) SetRecorder(r *procedure.Recorder) {
	w.recorder = r
}

// SlotPosition is the actuator position of slot.
func (w *AbsorberWheel) SlotPosition(slot int) float64 {
	return w.opts.Origin + float64(slot)*w.opts.Pitch
}

// SlotAt converts an actuator position into a slot index. The result may
// lie outside [0, MaxSlot].
func (w *AbsorberWheel) SlotAt(position float64) int {
	return int(math.Floor((position - w.opts.Origin + w.opts.Adjustment) / w.opts.Pitch))
}

// Table returns the slot transmissions at the current energy.
func (w *AbsorberWheel) Table(ctx context.Context) ([]float64, float64, error) {
	energy, err := w.energy.EnergyKeV(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read energy: %w", err)
	}
	if math.IsNaN(energy) || energy <= 0 {
		return nil, energy, &EnergyError{Energy: energy, Min: 0, Max: math.Inf(1)}
	}
	return SlotTable(w.tables, energy), energy, nil
}

// SetSlot moves the wheel to slot and verifies the position.
func (w *AbsorberWheel) SetSlot(ctx context.Context, slot int) (Result, error) {
	return w.setSlot(ctx, slot, math.NaN())
}

// setSlot reports deviation against want, or against the slot's own
// calibration when want is NaN.
func (w *AbsorberWheel) setSlot(ctx context.Context, slot int, want float64) (res Result, err error) {
	res = Result{Device: DeviceAbsorber, Slot: slot, Tolerance: w.opts.PositionTolerance}
	if !math.IsNaN(want) {
		res.Target = want
	}
	if slot < 0 || slot > MaxSlot {
		return res, &SlotError{Slot: slot}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "AbsorberWheel.SetSlot")
	input := map[string]any{"slot": slot}
	if !math.IsNaN(want) {
		input["target"] = want
	}
	run := w.recorder.Begin(ctx, procedure.KindAbsorber, DeviceAbsorber, input)
	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		finishRun(ctx, run, res, err)
		span.SetAttributes(
			attribute.Int("absorber.slot", slot),
			attribute.Float64("transmission.achieved", res.Achieved),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if w.observer != nil {
			w.observer.ObserveTransmission(res, err)
		}
	}()

	table, energy, err := w.Table(ctx)
	if err != nil {
		return res, err
	}
	res.EnergyKeV = energy
	if math.IsNaN(want) {
		res.Target = table[slot]
	}

	target := w.SlotPosition(slot)
	w.logger.Info("Moving absorber",
		zap.Int("slot", slot),
		zap.Float64("position", target),
		zap.Float64("energy_kev", energy))

	last := math.NaN()
	var lastErr error
	for attempt := 0; attempt <= w.opts.Retries; attempt++ {
		res.Retries = attempt
		if attempt > 0 {
			w.logger.Warn("Absorber not in position, retrying",
				zap.Int("retry", attempt),
				zap.Float64("target", target),
				zap.Float64("position", last))
		}

		if err := w.motor.MoveTo(ctx, target); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			lastErr = err
			// A move that did not settle still gets its position checked.
			if !errors.Is(err, controlpoint.ErrNotSettled) {
				continue
			}
		}
		if err := poll.Sleep(ctx, w.opts.Settle); err != nil {
			return res, err
		}

		pos, err := w.motor.Position(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			lastErr = err
			continue
		}
		last, lastErr = pos, nil

		if math.Abs(pos-target) <= w.opts.PositionTolerance {
			res.Achieved = table[slot]
			res.Deviation = relativeDeviation(res.Achieved, res.Target)
			w.logger.Info("Absorber in position",
				zap.Int("slot", slot),
				zap.Float64("transmission", res.Achieved))
			return res, nil
		}
	}

	return res, &PositionError{Target: target, Last: last, Attempts: w.opts.Retries + 1, Cause: lastErr}
}

// SetTransmission selects the slot whose calibrated transmission is
// closest to target and moves there.
func (w *AbsorberWheel) SetTransmission(ctx context.Context, target float64) (Result, error) {
	res := Result{Device: DeviceAbsorber, Target: target, Slot: -1, Tolerance: w.opts.PositionTolerance}
	if err := checkTarget(target); err != nil {
		return res, err
	}

	table, _, err := w.Table(ctx)
	if err != nil {
		return res, err
	}
	return w.setSlot(ctx, NearestSlot(table, target), target)
}

// Slot returns the slot the wheel currently sits in.
func (w *AbsorberWheel) Slot(ctx context.Context) (int, error) {
	pos, err := w.motor.Position(ctx)
	if err != nil {
		return 0, err
	}
	slot := w.SlotAt(pos)
	if slot < 0 || slot > MaxSlot {
		return slot, &SlotError{Slot: slot}
	}
	return slot, nil
}

// Transmission returns the calibrated transmission of the current slot.
func (w *AbsorberWheel) Transmission(ctx context.Context) (float64, error) {
	slot, err := w.Slot(ctx)
	if err != nil {
		return 0, err
	}
	table, _, err := w.Table(ctx)
	if err != nil {
		return 0, err
	}
	return table[slot], nil
}

// Retract moves the wheel fully out of the beam.
func (w *AbsorberWheel) Retract(ctx context.Context) error {
	w.logger.Info("Retracting absorber", zap.Float64("position", w.opts.OutPosition))
	return w.motor.MoveTo(ctx, w.opts.OutPosition)
}
