package topology

import (
	"context"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
)

// Passive is an element with a fixed transmission and no readings, such
// as a mirror or the sample position. It always reads out of the beam.
type Passive struct {
	base
	transmission float64
}

func NewPassive(name string, position, transmission float64) *Passive {
	return &Passive{base: base{name: name, position: position, kind: KindPassive}, transmission: transmission}
}

func (p *Passive) HasFlux() bool { return false }
func (p *Passive) Monitor() Monitor { return nil }

func (p *Passive) State(context.Context) (ElementState, error) {
	return StateOut, nil
}

func (p *Passive) Transmission(context.Context) (float64, error) {
	return p.transmission, nil
}

// Valve is a shutter or a gate valve. Shutters report 0 when open and 1
// when closed; gate valves report 1 when open and 0 when closed. The
// command points are optional and written with 1 to trigger.
type Valve struct {
	base
	status   controlpoint.ControlPoint
	openCmd  controlpoint.ControlPoint
	closeCmd controlpoint.ControlPoint
	outValue float64
	blockVal float64
}

func NewShutter(name string, position float64, status, openCmd, closeCmd controlpoint.ControlPoint) *Valve {
	return &Valve{
		base:     base{name: name, position: position, kind: KindShutter},
		status:   status,
		openCmd:  openCmd,
		closeCmd: closeCmd,
		outValue: 0,
		blockVal: 1,
	}
}

func NewGateValve(name string, position float64, status, openCmd, closeCmd controlpoint.ControlPoint) *Valve {
	return &Valve{
		base:     base{name: name, position: position, kind: KindGateValve},
		status:   status,
		openCmd:  openCmd,
		closeCmd: closeCmd,
		outValue: 1,
		blockVal: 0,
	}
}

func (v *Valve) HasFlux() bool { return false }
func (v *Valve) Monitor() Monitor { return nil }

func (v *Valve) State(ctx context.Context) (ElementState, error) {
	n, err := v.status.Read(ctx)
	if err != nil {
		return StateUndefined, err
	}
	switch n {
	case v.outValue:
		return StateOut, nil
	case v.blockVal:
		return StateBlock, nil
	default:
		return StateUndefined, nil
	}
}

func (v *Valve) Transmission(ctx context.Context) (float64, error) {
	state, err := v.State(ctx)
	if err != nil {
		return 0, err
	}
	if state == StateBlock {
		return 0, nil
	}
	return 1, nil
}

func (v *Valve) Open(ctx context.Context) error {
	return v.command(ctx, v.openCmd, "open")
}

func (v *Valve) Close(ctx context.Context) error {
	return v.command(ctx, v.closeCmd, "close")
}

func (v *Valve) command(ctx context.Context, cmd controlpoint.ControlPoint, action string) error {
	if cmd == nil {
		return fmt.Errorf("%s %s: %w", action, v.name, controlpoint.ErrReadOnly)
	}
	if err := cmd.Write(ctx, 1); err != nil {
		return fmt.Errorf("%s %s: %w", action, v.name, err)
	}
	return nil
}

// Source constants for a three-pole wiggler.
const (
	SourceInWindow  = 3.0
	SourceOutCenter = -189.0
	SourceOutWindow = 10.0
	SourceFluxPerMA = 3e18 / 500.0 // (ph/s)/mA
)

// Source is the insertion device. It is in the beam near position 0 and
// parked near -189; its reading is the ring current while inserted.
type Source struct {
	base
	motorPosition controlpoint.ControlPoint
	ringCurrent   controlpoint.ControlPoint
}

func NewSource(name string, position float64, motorPosition, ringCurrent controlpoint.ControlPoint) *Source {
	return &Source{
		base:          base{name: name, position: position, kind: KindSource},
		motorPosition: motorPosition,
		ringCurrent:   ringCurrent,
	}
}

func (s *Source) HasFlux() bool { return true }
func (s *Source) Monitor() Monitor { return s }

func (s *Source) State(ctx context.Context) (ElementState, error) {
	pos, err := s.motorPosition.Read(ctx)
	if err != nil {
		return StateUndefined, err
	}
	switch {
	case math.Abs(pos) < SourceInWindow:
		return StateIn, nil
	case math.Abs(pos-SourceOutCenter) < SourceOutWindow:
		return StateOut, nil
	default:
		return StateUndefined, nil
	}
}

func (s *Source) Transmission(context.Context) (float64, error) {
	return 1, nil
}

// Reading is the ring current in mA, or 0 when the source is not inserted.
func (s *Source) Reading(ctx context.Context) (float64, error) {
	state, err := s.State(ctx)
	if err != nil {
		return 0, err
	}
	if state != StateIn {
		return 0, nil
	}
	return s.ringCurrent.Read(ctx)
}

func (s *Source) Flux(ctx context.Context) (float64, error) {
	mA, err := s.Reading(ctx)
	if err != nil {
		return 0, err
	}
	return mA * SourceFluxPerMA, nil
}

// Attenuator reports the transmission of a filter bank or absorber wheel.
// It never blocks; its reading is its transmission.
type Attenuator struct {
	base
	source TransmissionSource
}

func NewAttenuator(name string, position float64, source TransmissionSource) *Attenuator {
	return &Attenuator{base: base{name: name, position: position, kind: KindAttenuator}, source: source}
}

func (a *Attenuator) HasFlux() bool { return false }
func (a *Attenuator) Monitor() Monitor { return a }

func (a *Attenuator) State(context.Context) (ElementState, error) {
	return StateOut, nil
}

func (a *Attenuator) Transmission(ctx context.Context) (float64, error) {
	return a.source.Transmission(ctx)
}

func (a *Attenuator) Reading(ctx context.Context) (float64, error) {
	return a.source.Transmission(ctx)
}

func (a *Attenuator) Flux(context.Context) (float64, error) {
	return 0, nil
}
