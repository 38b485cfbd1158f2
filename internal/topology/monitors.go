package topology

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
)

// Conversion constants for the flux monitors.
const (
	// IonChamberLength is the active length in cm.
	IonChamberLength = 6.0
	// N2IonizationKeV is the mean energy to create one ion pair in nitrogen.
	N2IonizationKeV = 0.036
	ElectronCharge  = 1.602e-19 // C

	// ionChamberThreshold and scintillatorThreshold are the smallest
	// readings converted to flux.
	ionChamberThreshold   = 5e-10
	scintillatorThreshold = 5e-10

	// ScintillatorFluxPerCPS is photons per second per count per second.
	ScintillatorFluxPerCPS = 7.786e5

	// DiamondDarkCurrent is the summed quadrant current with the beam off, in A.
	DiamondDarkCurrent = 9.3e-10
	// DiamondFluxPerAmp is photons per second per ampere of total current.
	DiamondFluxPerAmp = 3.025e18
	diamondThreshold  = 1e-11
)

// Screen is a fluorescent diagnostic screen. It blocks the beam while
// inserted and only reads while inserted.
type Screen struct {
	base
	status     controlpoint.ControlPoint
	insertCmd  controlpoint.ControlPoint
	retractCmd controlpoint.ControlPoint
	signal     controlpoint.ControlPoint
}

func NewScreen(name string, position float64, status, insertCmd, retractCmd, signal controlpoint.ControlPoint) *Screen {
	return &Screen{
		base:       base{name: name, position: position, kind: KindScreen},
		status:     status,
		insertCmd:  insertCmd,
		retractCmd: retractCmd,
		signal:     signal,
	}
}

func (s *Screen) HasFlux() bool { return false }
func (s *Screen) Monitor() Monitor { return s }

func (s *Screen) State(ctx context.Context) (ElementState, error) {
	n, err := s.status.Read(ctx)
	if err != nil {
		return StateUndefined, err
	}
	switch n {
	case 0:
		return StateOut, nil
	case 1:
		return StateBlock, nil
	default:
		return StateUndefined, nil
	}
}

func (s *Screen) Transmission(ctx context.Context) (float64, error) {
	state, err := s.State(ctx)
	if err != nil {
		return 0, err
	}
	if state == StateBlock {
		return 0, nil
	}
	return 1, nil
}

func (s *Screen) Insert(ctx context.Context) error {
	if s.insertCmd == nil {
		return fmt.Errorf("insert %s: %w", s.name, controlpoint.ErrReadOnly)
	}
	return s.insertCmd.Write(ctx, 1)
}

func (s *Screen) Retract(ctx context.Context) error {
	if s.retractCmd == nil {
		return fmt.Errorf("retract %s: %w", s.name, controlpoint.ErrReadOnly)
	}
	return s.retractCmd.Write(ctx, 1)
}

// Reading is the integrated camera signal while inserted, else 0.
func (s *Screen) Reading(ctx context.Context) (float64, error) {
	state, err := s.State(ctx)
	if err != nil {
		return 0, err
	}
	if state != StateBlock || s.signal == nil {
		return 0, nil
	}
	return s.signal.Read(ctx)
}

func (s *Screen) Flux(context.Context) (float64, error) {
	return 0, nil
}

// IonChamber is a split ion chamber with two vertical and two horizontal
// electrodes. It is permanently in the beam.
type IonChamber struct {
	base
	v1, v2, h1, h2 controlpoint.ControlPoint
	energy         EnergySource
}

func NewIonChamber(name string, position float64, v1, v2, h1, h2 controlpoint.ControlPoint, energy EnergySource) *IonChamber {
	return &IonChamber{
		base:   base{name: name, position: position, kind: KindIonChamber},
		v1:     v1,
		v2:     v2,
		h1:     h1,
		h2:     h2,
		energy: energy,
	}
}

func (c *IonChamber) HasFlux() bool { return true }
func (c *IonChamber) Monitor() Monitor { return c }

func (c *IonChamber) State(context.Context) (ElementState, error) {
	return StateIn, nil
}

func (c *IonChamber) Transmission(context.Context) (float64, error) {
	return 1, nil
}

func (c *IonChamber) channels(ctx context.Context) (v1, v2, h1, h2 float64, err error) {
	vals, err := readAll(ctx, c.v1, c.v2, c.h1, c.h2)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

// Reading is the summed electrode current in A.
func (c *IonChamber) Reading(ctx context.Context) (float64, error) {
	v1, v2, h1, h2, err := c.channels(ctx)
	if err != nil {
		return 0, err
	}
	return v1 + v2 + h1 + h2, nil
}

// Positions returns the normalised horizontal and vertical beam offsets.
func (c *IonChamber) Positions(ctx context.Context) (h, v float64, err error) {
	v1, v2, h1, h2, err := c.channels(ctx)
	if err != nil {
		return 0, 0, err
	}
	return normalisedDifference(h1, h2), normalisedDifference(v1, v2), nil
}

// Flux averages the horizontal and vertical electrode pairs.
func (c *IonChamber) Flux(ctx context.Context) (float64, error) {
	v1, v2, h1, h2, err := c.channels(ctx)
	if err != nil {
		return 0, err
	}
	if v1+v2+h1+h2 < ionChamberThreshold {
		return 0, nil
	}
	if c.energy == nil {
		return 0, errors.New("ion chamber flux needs a beam energy")
	}
	e, err := c.energy.EnergyKeV(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read energy: %w", err)
	}
	total := 0.0
	for _, i := range []float64{v1, v2, h1, h2} {
		total += IonChamberFlux(i, e)
	}
	return total * 0.5, nil
}

// N2AbsorptionLength is the 1/e absorption length of nitrogen at 1 atm
// in cm.
func N2AbsorptionLength(energyKeV float64) float64 {
	e := energyKeV
	return 355.21 - 112.26*e + 11.200*e*e - 0.10611*e*e*e
}

// IonChamberFlux converts an electrode current in A to incident photons
// per second.
func IonChamberFlux(current, energyKeV float64) float64 {
	absorbed := current * N2IonizationKeV / (ElectronCharge * energyKeV)
	return absorbed / (1 - math.Exp(-IonChamberLength/N2AbsorptionLength(energyKeV)))
}

// Scintillator counts scattered photons over an integration period.
type Scintillator struct {
	base
	period controlpoint.ControlPoint
	counts controlpoint.ControlPoint
}

func NewScintillator(name string, position float64, period, counts controlpoint.ControlPoint) *Scintillator {
	return &Scintillator{
		base:   base{name: name, position: position, kind: KindScintillator},
		period: period,
		counts: counts,
	}
}

func (s *Scintillator) HasFlux() bool { return true }
func (s *Scintillator) Monitor() Monitor { return s }

func (s *Scintillator) State(context.Context) (ElementState, error) {
	return StateIn, nil
}

func (s *Scintillator) Transmission(context.Context) (float64, error) {
	return 1, nil
}

// Reading is the count rate. A zero integration period reads 0.
func (s *Scintillator) Reading(ctx context.Context) (float64, error) {
	vals, err := readAll(ctx, s.period, s.counts)
	if err != nil {
		return 0, err
	}
	if vals[0] == 0 {
		return 0, nil
	}
	return vals[1] / vals[0], nil
}

func (s *Scintillator) Flux(ctx context.Context) (float64, error) {
	cps, err := s.Reading(ctx)
	if err != nil {
		return 0, err
	}
	if cps < scintillatorThreshold {
		return 0, nil
	}
	return cps * ScintillatorFluxPerCPS, nil
}

// DiamondDiode is a four-quadrant diamond beam position monitor. The
// quadrants are upper-left, upper-right, lower-left and lower-right.
type DiamondDiode struct {
	base
	quadrants [4]controlpoint.ControlPoint
}

func NewDiamondDiode(name string, position float64, quadrants [4]controlpoint.ControlPoint) *DiamondDiode {
	return &DiamondDiode{
		base:      base{name: name, position: position, kind: KindDiamondDiode},
		quadrants: quadrants,
	}
}

func (d *DiamondDiode) HasFlux() bool { return true }
func (d *DiamondDiode) Monitor() Monitor { return d }

func (d *DiamondDiode) State(context.Context) (ElementState, error) {
	return StateIn, nil
}

func (d *DiamondDiode) Transmission(context.Context) (float64, error) {
	return 1, nil
}

// Reading is the total quadrant current minus the dark current, in A.
func (d *DiamondDiode) Reading(ctx context.Context) (float64, error) {
	q, err := readAll(ctx, d.quadrants[:]...)
	if err != nil {
		return 0, err
	}
	return q[0] + q[1] + q[2] + q[3] - DiamondDarkCurrent, nil
}

// Positions returns the normalised horizontal (right positive) and
// vertical (top positive) beam offsets.
func (d *DiamondDiode) Positions(ctx context.Context) (h, v float64, err error) {
	q, err := readAll(ctx, d.quadrants[:]...)
	if err != nil {
		return 0, 0, err
	}
	total := q[0] + q[1] + q[2] + q[3]
	if total <= 0 {
		return 0, 0, nil
	}
	return (q[1] + q[3] - q[0] - q[2]) / total, (q[0] + q[1] - q[2] - q[3]) / total, nil
}

func (d *DiamondDiode) Flux(ctx context.Context) (float64, error) {
	i, err := d.Reading(ctx)
	if err != nil {
		return 0, err
	}
	if i < diamondThreshold {
		return 0, nil
	}
	return i * DiamondFluxPerAmp, nil
}

func readAll(ctx context.Context, points ...controlpoint.ControlPoint) ([]float64, error) {
	out := make([]float64, len(points))
	for i, p := range points {
		v, err := p.Read(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func normalisedDifference(a, b float64) float64 {
	if a+b <= 0 {
		return 0
	}
	return (a - b) / (a + b)
}
