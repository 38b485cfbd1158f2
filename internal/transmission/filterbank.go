package transmission

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/KevinKickass/OpenBeamlineCore/internal/poll"
	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const tracerName = "github.com/KevinKickass/OpenBeamlineCore/internal/transmission"

// FoilCount is the number of foils in the bank.
const FoilCount = 8

// FilterBankOptions tune the write/verify loop.
type FilterBankOptions struct {
	Settle    time.Duration
	Tolerance float64
	Retries   int
	// MaxFaults is the number of transient read/write faults tolerated per foil access.
	MaxFaults     int
	FaultInterval time.Duration
}

func DefaultFilterBankOptions() FilterBankOptions {
	return FilterBankOptions{
		Settle:        time.Second,
		Tolerance:     0.7,
		Retries:       3,
		MaxFaults:     3,
		FaultInterval: 200 * time.Millisecond,
	}
}

// FilterBank drives eight binary foils. Foils 0-3 are the Al units 1,2,4,8
// and foils 4-7 the Nb units 1,2,4,8. A foil reads 1 when inserted.
type FilterBank struct {
	foils    [FoilCount]controlpoint.ControlPoint
	energy   EnergySource
	opts     FilterBankOptions
	observer Observer
	recorder *procedure.Recorder
	logger   *zap.Logger
}

func NewFilterBank(foils [FoilCount]controlpoint.ControlPoint, energy EnergySource, opts FilterBankOptions, logger *zap.Logger) (*FilterBank, error) {
	for i, f := range foils {
		if f == nil {
			return nil, fmt.Errorf("filter bank foil %d has no control point", i+1)
		}
	}
	if energy == nil {
		return nil, fmt.Errorf("filter bank needs an energy source")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilterBank{foils: foils, energy: energy, opts: opts, logger: logger}, nil
}

// SetObserver registers an observer for completed changes.
func (b *FilterBank) SetObserver(o Observer) {
	b.observer = o
}

func (b *FilterBank) SetRecorder(r *procedure.Recorder) {
	b.recorder = r
}

// Plan returns the configuration SetTransmission would drive for target
// at the current energy, without touching the foils.
func (b *FilterBank) Plan(ctx context.Context, target float64) (Plan, error) {
	energy, err := b.energy.EnergyKeV(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to read energy: %w", err)
	}
	return BestFit(target, energy)
}

// SetTransmission drives the foils to the best fit for target and verifies
// the result from the foil states. When the deviation stays above the
// tolerance after all retries, the best result is returned together with
// a *ToleranceError.
func (b *FilterBank) SetTransmission(ctx context.Context, target float64) (res Result, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "FilterBank.SetTransmission")
	run := b.recorder.Begin(ctx, procedure.KindFilterBank, DeviceFilterBank, map[string]any{"target": target})
	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		finishRun(ctx, run, res, err)
		span.SetAttributes(
			attribute.Float64("transmission.target", target),
			attribute.Float64("transmission.achieved", res.Achieved),
			attribute.Int("transmission.retries", res.Retries),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if b.observer != nil {
			b.observer.ObserveTransmission(res, err)
		}
	}()

	res = Result{Device: DeviceFilterBank, Target: target, Tolerance: b.opts.Tolerance, Slot: -1}

	energy, err := b.energy.EnergyKeV(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read energy: %w", err)
	}
	res.EnergyKeV = energy

	plan, err := BestFit(target, energy)
	if err != nil {
		return res, err
	}

	b.logger.Info("Setting filter transmission",
		zap.Float64("target", target),
		zap.Float64("energy_kev", energy),
		zap.Int("n_al", plan.NAl),
		zap.Int("n_nb", plan.NNb),
		zap.Float64("expected", plan.Transmission))

	var best *Result
	for attempt := 0; attempt <= b.opts.Retries; attempt++ {
		if attempt > 0 {
			b.logger.Warn("Filter transmission off target, retrying",
				zap.Int("retry", attempt),
				zap.Float64("target", target),
				zap.Float64("achieved", best.Achieved))
		}

		if err := b.apply(ctx, plan); err != nil {
			return b.withBest(res, best), err
		}
		if err := poll.Sleep(ctx, b.opts.Settle); err != nil {
			return b.withBest(res, best), err
		}

		nAl, nNb, err := b.readCounts(ctx)
		if err != nil {
			return b.withBest(res, best), err
		}

		cur := res
		cur.NAl, cur.NNb = nAl, nNb
		cur.Achieved = FilterTransmission(nAl, nNb, energy)
		cur.Deviation = relativeDeviation(cur.Achieved, target)
		cur.Retries = attempt
		if best == nil || cur.Deviation < best.Deviation {
			best = &cur
		}
		best.Retries = attempt

		if cur.Deviation <= b.opts.Tolerance {
			b.logger.Info("Filter transmission set",
				zap.Float64("target", target),
				zap.Float64("achieved", cur.Achieved),
				zap.Int("retries", attempt))
			return cur, nil
		}
	}

	res = *best
	b.logger.Warn("Filter transmission outside tolerance",
		zap.Float64("target", target),
		zap.Float64("achieved", res.Achieved),
		zap.Float64("deviation", res.Deviation))
	return res, &ToleranceError{Result: res}
}

// Transmission returns the transmission of the foils currently inserted.
func (b *FilterBank) Transmission(ctx context.Context) (float64, error) {
	energy, err := b.energy.EnergyKeV(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read energy: %w", err)
	}
	if err := checkEnergy(energy); err != nil {
		return 0, err
	}
	nAl, nNb, err := b.readCounts(ctx)
	if err != nil {
		return 0, err
	}
	return FilterTransmission(nAl, nNb, energy), nil
}

// Counts returns the equivalent Al and Nb foil counts currently inserted.
func (b *FilterBank) Counts(ctx context.Context) (nAl, nNb int, err error) {
	return b.readCounts(ctx)
}

func (b *FilterBank) withBest(res Result, best *Result) Result {
	if best != nil {
		return *best
	}
	return res
}

func (b *FilterBank) apply(ctx context.Context, plan Plan) error {
	al, nb := Bits(plan.NAl), Bits(plan.NNb)
	for i := 0; i < 4; i++ {
		if err := b.writeFoil(ctx, i, al[i]); err != nil {
			return err
		}
		if err := b.writeFoil(ctx, 4+i, nb[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *FilterBank) writeFoil(ctx context.Context, i int, in bool) error {
	v := 0.0
	if in {
		v = 1
	}
	err := poll.Retry(ctx, b.faultPolicy(), func(ctx context.Context) error {
		return b.foils[i].Write(ctx, v)
	})
	if err != nil {
		return fmt.Errorf("failed to set foil %d: %w", i+1, err)
	}
	return nil
}

func (b *FilterBank) readCounts(ctx context.Context) (nAl, nNb int, err error) {
	for i, f := range b.foils {
		var v float64
		err := poll.Retry(ctx, b.faultPolicy(), func(ctx context.Context) error {
			var rerr error
			v, rerr = f.Read(ctx)
			return rerr
		})
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read foil %d: %w", i+1, err)
		}
		if v < 0.5 {
			continue
		}
		if i < 4 {
			nAl += 1 << i
		} else {
			nNb += 1 << (i - 4)
		}
	}
	return nAl, nNb, nil
}

func (b *FilterBank) faultPolicy() poll.Policy {
	return poll.Policy{Interval: b.opts.FaultInterval, MaxFaults: b.opts.MaxFaults}
}
