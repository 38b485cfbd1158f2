package vacuum

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/KevinKickass/OpenBeamlineCore/internal/poll"
	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const tracerName = "github.com/KevinKickass/OpenBeamlineCore/internal/vacuum"

// Procedure names a zone transition.
type Procedure string

const (
	ProcedureEvacuate Procedure = "evacuate"
	ProcedureVent     Procedure = "vent"
)

// Options tunes thresholds, pacing and bounds. Pressures are in mbar,
// window positions in mm.
type Options struct {
	PollInterval      time.Duration
	CoarseThreshold   float64
	TargetPressure    float64
	SoftVentThreshold float64
	FullVentThreshold float64
	// PollLimit bounds every pressure wait.
	PollLimit     int
	ProgressEvery int

	VacuumBelow float64
	AirAbove    float64

	RoughingPosition   ValvePosition
	PumpSpinUp         time.Duration
	PumpTogglePacing   time.Duration
	PumpEnableAttempts int

	OutletPacing   time.Duration
	OutletAttempts int
	VentSettle     time.Duration

	WindowOpen      float64
	WindowClosed    float64
	WindowTolerance float64

	ValveSettle time.Duration
	ValveTries  int

	MaxFaults     int
	FaultInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:       3 * time.Second,
		CoarseThreshold:    500,
		TargetPressure:     0.7,
		SoftVentThreshold:  800,
		FullVentThreshold:  950,
		PollLimit:          600,
		ProgressEvery:      10,
		VacuumBelow:        1,
		AirAbove:           950,
		RoughingPosition:   Open,
		PumpSpinUp:         10 * time.Second,
		PumpTogglePacing:   time.Second,
		PumpEnableAttempts: 10,
		OutletPacing:       500 * time.Millisecond,
		OutletAttempts:     20,
		VentSettle:         3 * time.Second,
		WindowOpen:         -95,
		WindowClosed:       0,
		WindowTolerance:    0.1,
		ValveSettle:        time.Second,
		ValveTries:         5,
		MaxFaults:          3,
		FaultInterval:      200 * time.Millisecond,
	}
}

func (o Options) validate() error {
	if o.PollLimit <= 0 || o.PumpEnableAttempts <= 0 || o.OutletAttempts <= 0 || o.ValveTries <= 0 {
		return fmt.Errorf("vacuum bounds must be positive")
	}
	if o.TargetPressure <= 0 || o.CoarseThreshold < o.TargetPressure {
		return fmt.Errorf("invalid pressure thresholds: coarse=%g target=%g", o.CoarseThreshold, o.TargetPressure)
	}
	if o.MaxFaults < 0 {
		return fmt.Errorf("max faults must not be negative")
	}
	return nil
}

// SequenceResult is the outcome of one procedure.
type SequenceResult struct {
	Procedure    Procedure     `json:"procedure"`
	Zone         string        `json:"zone"`
	State        State         `json:"-"`
	StateName    string        `json:"state"`
	Elapsed      time.Duration `json:"elapsed"`
	Pressure     float64       `json:"pressure"`
	HavePressure bool          `json:"have_pressure"`
	Err          error         `json:"-"`
	RunID        uuid.UUID     `json:"run_id"`
}

// Observer receives procedure outcomes and every pressure sample taken by
// a procedure.
type Observer interface {
	ObserveSequence(res SequenceResult)
	ObservePressure(zone string, mbar float64)
}

// Sequencer runs evacuate and vent procedures on a pair of zones. The
// zones share the gate valve, window and pumping interlocks and each
// procedure drives the sibling's valves, so at most one procedure runs on
// the pair at a time; a second caller waits for the pair or for its context.
type Sequencer struct {
	zones    map[string]Zone
	siblings map[string]string
	il       Interlocks
	opts     Options
	logger   *zap.Logger

	locks    *xsync.MapOf[string, chan struct{}]
	recorder *procedure.Recorder
	observer Observer
}

func NewSequencer(sample, detector Zone, il Interlocks, opts Options, logger *zap.Logger) (*Sequencer, error) {
	if err := sample.validate(); err != nil {
		return nil, err
	}
	if err := detector.validate(); err != nil {
		return nil, err
	}
	if sample.Name == detector.Name {
		return nil, fmt.Errorf("zone names must differ: %s", sample.Name)
	}
	if err := il.validate(); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sequencer{
		zones:    map[string]Zone{sample.Name: sample, detector.Name: detector},
		siblings: map[string]string{sample.Name: detector.Name, detector.Name: sample.Name},
		il:       il,
		opts:     opts,
		logger:   logger,
		locks:    xsync.NewMapOf[string, chan struct{}](),
	}, nil
}

func (s *Sequencer) SetRecorder(r *procedure.Recorder) {
	s.recorder = r
}

func (s *Sequencer) SetObserver(o Observer) {
	s.observer = o
}

// Zones returns the names of the zones owned by the sequencer.
func (s *Sequencer) Zones() []string {
	out := make([]string, 0, len(s.zones))
	for name := range s.zones {
		out = append(out, name)
	}
	return out
}

// Pressure reads the current pressure of a zone.
func (s *Sequencer) Pressure(ctx context.Context, zone string) (float64, error) {
	z, ok := s.zones[zone]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownZone, zone)
	}
	return z.Pressure.Read(ctx)
}

// Evacuate pumps zone down to the target pressure. The other zone of the
// pair is the sibling whose pump valve is closed while roughing starts.
func (s *Sequencer) Evacuate(ctx context.Context, zone string) SequenceResult {
	return s.execute(ctx, ProcedureEvacuate, zone, func(ctx context.Context, q *sequence) error {
		return q.evacuate(ctx)
	})
}

// Vent brings zone back to atmosphere.
func (s *Sequencer) Vent(ctx context.Context, zone string) SequenceResult {
	return s.execute(ctx, ProcedureVent, zone, func(ctx context.Context, q *sequence) error {
		return q.vent(ctx)
	})
}

func (s *Sequencer) execute(ctx context.Context, proc Procedure, zone string, body func(context.Context, *sequence) error) (res SequenceResult) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Sequencer."+string(proc))
	span.SetAttributes(attribute.String("vacuum.zone", zone))
	start := time.Now()

	res = SequenceResult{Procedure: proc, Zone: zone, State: StateIdle}
	defer func() {
		res.Elapsed = time.Since(start)
		res.StateName = res.State.String()
		span.SetAttributes(attribute.String("vacuum.state", res.StateName))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
		if s.observer != nil {
			s.observer.ObserveSequence(res)
		}
	}()

	z, ok := s.zones[zone]
	if !ok {
		res.State = StateFail
		res.Err = fmt.Errorf("%w: %s", ErrUnknownZone, zone)
		return res
	}

	release, err := s.acquire(ctx, zone)
	if err != nil {
		res.State = StateFail
		res.Err = &SequenceError{Procedure: proc, State: StateIdle, Step: "acquire zone", Err: ErrCancelled, Cause: err}
		return res
	}
	defer release()

	kind := procedure.KindEvacuate
	if proc == ProcedureVent {
		kind = procedure.KindVent
	}
	q := &sequence{
		s:       s,
		proc:    proc,
		zone:    z,
		sibling: s.zones[s.siblings[zone]],
		state:   StateIdle,
		log:     s.logger.With(zap.String("procedure", string(proc)), zap.String("zone", zone)),
	}
	q.run = s.recorder.Begin(ctx, kind, zone, map[string]any{"procedure": proc})
	res.RunID = q.run.ID()

	q.log.Info("Starting vacuum procedure")
	err = body(ctx, q)
	if err == nil {
		err = q.enter(ctx, StateComplete)
	}

	res.Pressure, res.HavePressure = q.last, q.haveLast
	if err != nil {
		err = q.failure(ctx, err)
		res.State = q.state
		res.Err = err

		status := procedure.StatusFailed
		if errors.Is(err, ErrCancelled) {
			status = procedure.StatusCancelled
			q.log.Warn("Vacuum procedure cancelled", zap.Error(err))
		} else {
			q.log.Error("Vacuum procedure failed", zap.Error(err))
		}
		q.run.Finish(ctx, status, resultOutput(res), err)
		return res
	}

	res.State = q.state
	q.log.Info("Vacuum procedure complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Float64("pressure", q.last))
	q.run.Finish(ctx, procedure.StatusSuccess, resultOutput(res), nil)
	return res
}

func resultOutput(res SequenceResult) map[string]any {
	out := map[string]any{"state": res.State.String()}
	if res.HavePressure {
		out["pressure"] = res.Pressure
	}
	return out
}

// acquire takes the semaphore shared by zone and its sibling.
func (s *Sequencer) acquire(ctx context.Context, zone string) (func(), error) {
	sem, _ := s.locks.LoadOrCompute(s.pairKey(zone), func() chan struct{} {
		return make(chan struct{}, 1)
	})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pairKey names the zone pair the same way from either side.
func (s *Sequencer) pairKey(zone string) string {
	a, b := zone, s.siblings[zone]
	if b < a {
		a, b = b, a
	}
	return a + "/" + b
}

// sequence is the mutable state of one procedure run.
type sequence struct {
	s       *Sequencer
	proc    Procedure
	zone    Zone
	sibling Zone
	state   State
	run     *procedure.Run
	log     *zap.Logger

	last     float64
	haveLast bool
}

func (q *sequence) enter(ctx context.Context, to State) error {
	if err := ValidateTransition(q.state, to); err != nil {
		return err
	}
	q.log.Info("Vacuum state transition",
		zap.String("from", q.state.String()),
		zap.String("to", to.String()))
	q.state = to
	if to != StateComplete && to != StateFail {
		q.run.Phase(ctx, to.String())
	}
	return nil
}

func (q *sequence) fail(step string, sentinel, cause error) *SequenceError {
	return &SequenceError{
		Procedure: q.proc,
		State:     q.state,
		Step:      step,
		Last:      q.last,
		HaveLast:  q.haveLast,
		Err:       sentinel,
		Cause:     cause,
	}
}

// failure normalises err into a *SequenceError and moves to Fail.
func (q *sequence) failure(ctx context.Context, err error) error {
	var seqErr *SequenceError
	switch {
	case errors.As(err, &seqErr):
	case ctx.Err() != nil:
		seqErr = q.fail("cancelled", ErrCancelled, ctx.Err())
	default:
		seqErr = q.fail("hardware", ErrActuatorTimeout, err)
	}
	if ctx.Err() != nil && !errors.Is(seqErr, ErrCancelled) {
		seqErr = q.fail(seqErr.Step, ErrCancelled, ctx.Err())
	}
	q.state = StateFail
	return seqErr
}

func (q *sequence) evacuate(ctx context.Context) error {
	opts := q.s.opts

	// Guard: reads only, any fault aborts.
	sample, err := q.zone.Pressure.Read(ctx)
	if err != nil {
		return q.guardFault(ctx, "pressure guard", err)
	}
	detector, err := q.sibling.Pressure.Read(ctx)
	if err != nil {
		return q.guardFault(ctx, "pressure guard", err)
	}
	q.observe(sample)
	relation := ClassifyPressure(sample, detector, opts.VacuumBelow, opts.AirAbove)
	q.log.Info("Differential pressure",
		zap.Float64("zone_mbar", sample),
		zap.Float64("sibling_mbar", detector),
		zap.String("relation", relation.String()))
	if relation != SampleHigher {
		return q.fail("pressure guard", ErrInterlockViolation,
			fmt.Errorf("zone %s vs %s is %s", q.zone.Name, q.sibling.Name, relation))
	}

	if err := q.enter(ctx, StateInterlocking); err != nil {
		return err
	}
	if err := q.setValve(ctx, "close vent valve", q.zone.VentValve, Closed, nil); err != nil {
		return err
	}
	if err := q.setValve(ctx, "close sibling pump valve", q.sibling.PumpValve, Closed, nil); err != nil {
		return err
	}

	if err := q.enter(ctx, StateRoughing); err != nil {
		return err
	}
	if err := q.setValve(ctx, "open pump valve", q.zone.PumpValve, opts.RoughingPosition, q.zone.VentValve); err != nil {
		return err
	}
	if err := poll.Sleep(ctx, opts.PumpSpinUp); err != nil {
		return err
	}
	if err := q.enablePump(ctx); err != nil {
		return err
	}

	if err := q.enter(ctx, StateSettling); err != nil {
		return err
	}
	if err := q.waitPressure(ctx, "coarse pump-down", func(p float64) bool { return p <= opts.CoarseThreshold }); err != nil {
		return err
	}
	if err := q.setValve(ctx, "fully open pump valve", q.zone.PumpValve, Open, q.zone.VentValve); err != nil {
		return err
	}
	if err := q.waitPressure(ctx, "fine pump-down", func(p float64) bool { return p <= opts.TargetPressure }); err != nil {
		return err
	}

	if err := q.setValve(ctx, "reopen sibling pump valve", q.sibling.PumpValve, Open, q.sibling.VentValve); err != nil {
		return err
	}
	return q.moveWindow(ctx, "open window gate", opts.WindowOpen)
}

func (q *sequence) vent(ctx context.Context) error {
	opts := q.s.opts

	pump, err := q.zone.PumpValve.Read(ctx)
	if err != nil {
		return q.guardFault(ctx, "valve guard", err)
	}
	vent, err := q.zone.VentValve.Read(ctx)
	if err != nil {
		return q.guardFault(ctx, "valve guard", err)
	}
	if positionOf(pump) != Closed && positionOf(vent) != Closed {
		return q.fail("valve guard", ErrInterlockViolation,
			fmt.Errorf("pump valve %s and vent valve %s are both open", positionOf(pump), positionOf(vent)))
	}

	if err := q.enter(ctx, StateInterlocking); err != nil {
		return err
	}
	if err := q.setValve(ctx, "close gate valve", q.s.il.GateValve, Closed, nil); err != nil {
		return err
	}
	if err := q.outletOff(ctx); err != nil {
		return err
	}
	if err := q.moveWindow(ctx, "close window gate", opts.WindowClosed); err != nil {
		return err
	}

	if err := q.enter(ctx, StateSoftVent); err != nil {
		return err
	}
	if err := q.setValve(ctx, "close pump valve", q.zone.PumpValve, Closed, nil); err != nil {
		return err
	}
	if err := poll.Sleep(ctx, opts.VentSettle); err != nil {
		return err
	}
	if err := q.setValve(ctx, "soft vent", q.zone.VentValve, Soft, q.zone.PumpValve); err != nil {
		return err
	}
	if err := q.waitPressure(ctx, "soft vent", func(p float64) bool { return p > opts.SoftVentThreshold }); err != nil {
		return err
	}

	if err := q.enter(ctx, StateFullVent); err != nil {
		return err
	}
	if err := q.setValve(ctx, "full vent", q.zone.VentValve, Open, q.zone.PumpValve); err != nil {
		return err
	}
	return q.waitPressure(ctx, "full vent", func(p float64) bool { return p > opts.FullVentThreshold })
}

func (q *sequence) guardFault(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return q.fail(step, ErrCancelled, ctx.Err())
	}
	return q.fail(step, ErrInterlockViolation, err)
}

func (q *sequence) faultPolicy() poll.Policy {
	return poll.Policy{Interval: q.s.opts.FaultInterval, MaxFaults: q.s.opts.MaxFaults}
}

func (q *sequence) read(ctx context.Context, cp controlpoint.ControlPoint) (float64, error) {
	var v float64
	err := poll.Retry(ctx, q.faultPolicy(), func(ctx context.Context) error {
		var err error
		v, err = cp.Read(ctx)
		if err != nil {
			q.log.Warn("Control point read failed", zap.String("point", cp.ID()), zap.Error(err))
		}
		return err
	})
	return v, err
}

func (q *sequence) write(ctx context.Context, cp controlpoint.ControlPoint, value float64) error {
	return poll.Retry(ctx, q.faultPolicy(), func(ctx context.Context) error {
		err := cp.Write(ctx, value)
		if err != nil {
			q.log.Warn("Control point write failed", zap.String("point", cp.ID()), zap.Error(err))
		}
		return err
	})
}

// setValve commands a valve and waits for its read-back. Opening a valve
// first checks that its partner reads Closed.
func (q *sequence) setValve(ctx context.Context, step string, valve controlpoint.ControlPoint, want ValvePosition, partner controlpoint.ControlPoint) error {
	if want != Closed && partner != nil {
		v, err := q.read(ctx, partner)
		if err != nil {
			return q.fail(step, ErrActuatorTimeout, err)
		}
		if positionOf(v) != Closed {
			return q.fail(step, ErrInterlockViolation,
				fmt.Errorf("%s reads %s", partner.ID(), positionOf(v)))
		}
	}

	q.log.Info("Setting valve", zap.String("point", valve.ID()), zap.Stringer("position", want))
	var lastPos float64
	out, err := poll.Until(ctx, poll.Policy{MaxAttempts: q.s.opts.ValveTries}, func(ctx context.Context) (float64, bool, error) {
		if err := q.write(ctx, valve, float64(want)); err != nil {
			return 0, false, err
		}
		if err := poll.Sleep(ctx, q.s.opts.ValveSettle); err != nil {
			return 0, false, err
		}
		v, err := q.read(ctx, valve)
		if err != nil {
			return 0, false, err
		}
		lastPos = v
		return v, positionOf(v) == want, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		q.log.Warn("Valve did not reach position",
			zap.String("point", valve.ID()),
			zap.Stringer("want", want),
			zap.Float64("last", lastPos),
			zap.Int("attempts", out.Attempts))
		return q.fail(step, ErrActuatorTimeout, err)
	}
	return nil
}

// enablePump toggles the pump enable switch until the pump reports enabled.
func (q *sequence) enablePump(ctx context.Context) error {
	opts := q.s.opts
	for toggles := 0; ; toggles++ {
		v, err := q.read(ctx, q.s.il.PumpEnableStatus)
		if err != nil {
			return q.fail("pump enable", ErrActuatorTimeout, err)
		}
		if v >= 0.5 {
			q.log.Info("Pump enabled", zap.Int("toggles", toggles))
			return nil
		}
		if toggles >= opts.PumpEnableAttempts {
			return q.fail("pump enable", ErrPumpNotEnabled,
				fmt.Errorf("still disabled after %d toggles", toggles))
		}

		q.log.Warn("Pump not enabled, toggling", zap.Int("toggle", toggles+1))
		if err := q.write(ctx, q.s.il.PumpEnableToggle, 0); err != nil {
			return q.fail("pump enable", ErrActuatorTimeout, err)
		}
		if err := poll.Sleep(ctx, opts.PumpTogglePacing); err != nil {
			return err
		}
		if err := q.write(ctx, q.s.il.PumpEnableToggle, 1); err != nil {
			return q.fail("pump enable", ErrActuatorTimeout, err)
		}
		if err := poll.Sleep(ctx, opts.PumpTogglePacing); err != nil {
			return err
		}
	}
}

// outletOff switches the detector outlet off until its status reads 0.
func (q *sequence) outletOff(ctx context.Context) error {
	opts := q.s.opts
	for attempt := 0; ; attempt++ {
		v, err := q.read(ctx, q.s.il.OutletStatus)
		if err != nil {
			return q.fail("outlet off", ErrActuatorTimeout, err)
		}
		if v < 0.5 {
			return nil
		}
		if attempt >= opts.OutletAttempts {
			return q.fail("outlet off", ErrActuatorTimeout,
				fmt.Errorf("outlet still powered after %d toggles", attempt))
		}
		if err := q.write(ctx, q.s.il.OutletToggle, 0); err != nil {
			return q.fail("outlet off", ErrActuatorTimeout, err)
		}
		if err := poll.Sleep(ctx, opts.OutletPacing); err != nil {
			return err
		}
	}
}

func (q *sequence) moveWindow(ctx context.Context, step string, position float64) error {
	opts := q.s.opts
	window := q.s.il.Window
	err := poll.Retry(ctx, q.faultPolicy(), func(ctx context.Context) error {
		// Unsettled moves are judged by the window tolerance below.
		if err := window.MoveTo(ctx, position); err != nil && !errors.Is(err, controlpoint.ErrNotSettled) {
			return err
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return q.fail(step, ErrActuatorTimeout, err)
	}

	_, err = poll.Until(ctx, poll.Policy{Interval: opts.ValveSettle, MaxAttempts: opts.ValveTries, MaxFaults: opts.MaxFaults},
		func(ctx context.Context) (float64, bool, error) {
			v, err := window.Position(ctx)
			if err != nil {
				return 0, false, err
			}
			return v, math.Abs(v-position) <= opts.WindowTolerance, nil
		})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return q.fail(step, ErrActuatorTimeout, err)
	}
	return nil
}

// waitPressure polls the zone gauge until done holds for a reading.
func (q *sequence) waitPressure(ctx context.Context, step string, done func(float64) bool) error {
	opts := q.s.opts
	policy := poll.Policy{Interval: opts.PollInterval, MaxAttempts: opts.PollLimit, MaxFaults: opts.MaxFaults}
	polls := 0

	_, err := poll.Until(ctx, policy, func(ctx context.Context) (float64, bool, error) {
		v, err := q.zone.Pressure.Read(ctx)
		if err != nil {
			q.log.Warn("Pressure read failed", zap.String("step", step), zap.Error(err))
			return 0, false, err
		}
		polls++
		q.observe(v)
		reached := done(v)
		// The first reading and the crossing are always reported.
		if polls == 1 || reached || (opts.ProgressEvery > 0 && polls%opts.ProgressEvery == 0) {
			q.log.Info("Waiting for pressure",
				zap.String("step", step),
				zap.Float64("mbar", v),
				zap.Int("polls", polls),
				zap.Bool("reached", reached))
			q.run.Event(ctx, "pressure", map[string]any{"step": step, "mbar": v, "reached": reached})
		}
		return v, reached, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return q.fail(step, ErrActuatorTimeout, err)
	}
	q.log.Info("Pressure reached", zap.String("step", step), zap.Float64("mbar", q.last))
	return nil
}

func (q *sequence) observe(mbar float64) {
	q.last, q.haveLast = mbar, true
	if q.s.observer != nil {
		q.s.observer.ObservePressure(q.zone.Name, mbar)
	}
}
