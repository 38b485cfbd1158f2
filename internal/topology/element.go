// Package topology models the ordered beamline elements and walks them to
// report where the beam is blocked and how much flux reaches each monitor.
package topology

import (
	"context"
	"fmt"
)

// ElementState is the position of an element relative to the beam.
type ElementState int

const (
	StateOut ElementState = iota
	StateIn
	StateBlock
	StateUndefined
)

func (s ElementState) String() string {
	switch s {
	case StateOut:
		return "out"
	case StateIn:
		return "in"
	case StateBlock:
		return "block"
	default:
		return "undefined"
	}
}

func (s ElementState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Kind tags the element variant.
type Kind string

const (
	KindPassive      Kind = "passive"
	KindShutter      Kind = "shutter"
	KindGateValve    Kind = "gate_valve"
	KindSource       Kind = "source"
	KindScreen       Kind = "screen"
	KindIonChamber   Kind = "ion_chamber"
	KindScintillator Kind = "scintillator"
	KindDiamondDiode Kind = "diamond_diode"
	KindAttenuator   Kind = "attenuator"
)

// Element is one component that may intersect the beam. Position is the
// distance from the source in metres.
type Element interface {
	Name() string
	Position() float64
	Kind() Kind
	// HasFlux reports whether the monitor readings convert to photon flux.
	HasFlux() bool
	State(ctx context.Context) (ElementState, error)
	Transmission(ctx context.Context) (float64, error)
	// Monitor is nil unless the element exposes readings.
	Monitor() Monitor
}

// Monitor is the reading capability of an element.
type Monitor interface {
	Reading(ctx context.Context) (float64, error)
	// Flux returns photons per second. Only meaningful when HasFlux.
	Flux(ctx context.Context) (float64, error)
}

// EnergySource reports the current photon energy in keV.
type EnergySource interface {
	EnergyKeV(ctx context.Context) (float64, error)
}

// TransmissionSource reports the transmission of an attenuating device.
type TransmissionSource interface {
	Transmission(ctx context.Context) (float64, error)
}

// base carries the identity shared by every variant.
type base struct {
	name     string
	position float64
	kind     Kind
}

func (b base) Name() string { return b.name }
func (b base) Position() float64 { return b.position }
func (b base) Kind() Kind { return b.kind }

func (b base) String() string {
	return fmt.Sprintf("%s(%s @ %.1f m)", b.kind, b.name, b.position)
}
