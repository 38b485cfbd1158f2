package vacuum

import (
	"fmt"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
)

// ValvePosition is the commanded and sensed position of a zone valve.
type ValvePosition int

const (
	Closed ValvePosition = 0
	Soft   ValvePosition = 1
	Open   ValvePosition = 2
)

func (p ValvePosition) String() string {
	switch p {
	case Closed:
		return "closed"
	case Soft:
		return "soft"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("position(%d)", int(p))
	}
}

// ParseValvePosition accepts the names used in configuration files.
func ParseValvePosition(s string) (ValvePosition, error) {
	switch s {
	case "closed", "close":
		return Closed, nil
	case "soft":
		return Soft, nil
	case "open":
		return Open, nil
	default:
		return Closed, fmt.Errorf("unknown valve position: %q", s)
	}
}

func positionOf(v float64) ValvePosition {
	switch {
	case v < 0.5:
		return Closed
	case v < 1.5:
		return Soft
	default:
		return Open
	}
}

// Zone is one vacuum enclosure: a pump valve, a vent valve and a gauge in mbar.
type Zone struct {
	Name      string
	PumpValve controlpoint.ControlPoint
	VentValve controlpoint.ControlPoint
	Pressure  controlpoint.ControlPoint
}

func (z Zone) validate() error {
	if z.Name == "" {
		return fmt.Errorf("zone has no name")
	}
	if z.PumpValve == nil || z.VentValve == nil || z.Pressure == nil {
		return fmt.Errorf("zone %s: pump valve, vent valve and pressure are required", z.Name)
	}
	return nil
}

// Interlocks are the cross-zone devices touched by the procedures.
type Interlocks struct {
	// GateValve sits on the downstream optical path. 0 = closed, 2 = open.
	GateValve controlpoint.ControlPoint
	// OutletStatus reads 1 while the detector outlet is powered.
	OutletStatus controlpoint.ControlPoint
	OutletToggle controlpoint.ControlPoint
	// PumpEnableStatus reads 1 once the roughing pump runs.
	PumpEnableStatus controlpoint.ControlPoint
	PumpEnableToggle controlpoint.ControlPoint
	// Window is the window gate actuator between sample and detector zones.
	Window controlpoint.MotorActuator
}

func (il Interlocks) validate() error {
	if il.GateValve == nil || il.OutletStatus == nil || il.OutletToggle == nil ||
		il.PumpEnableStatus == nil || il.PumpEnableToggle == nil || il.Window == nil {
		return fmt.Errorf("all interlock devices are required")
	}
	return nil
}

// PressureRelation classifies sample against detector pressure.
type PressureRelation int

const (
	BothVacuum PressureRelation = iota
	BothAir
	SampleHigher
	// DetectorHigher covers sample pressure at or below the detector.
	DetectorHigher
)

func (r PressureRelation) String() string {
	switch r {
	case BothVacuum:
		return "both-vacuum"
	case BothAir:
		return "both-air"
	case SampleHigher:
		return "sample-higher"
	case DetectorHigher:
		return "detector-higher"
	default:
		return "unknown"
	}
}

// ClassifyPressure compares the two zones. Both below vacuumBelow is
// BothVacuum and both above airAbove is BothAir.
func ClassifyPressure(sample, detector, vacuumBelow, airAbove float64) PressureRelation {
	switch {
	case sample < vacuumBelow && detector < vacuumBelow:
		return BothVacuum
	case sample > airAbove && detector > airAbove:
		return BothAir
	case sample > detector:
		return SampleHigher
	default:
		return DetectorHigher
	}
}
