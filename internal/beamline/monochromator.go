package beamline

import (
	"context"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
)

const (
	// HCOverE is Planck's constant times c over e, in keV·Å.
	HCOverE = 12.3984197
	// DefaultLayerSpacing is the multilayer bilayer pitch in Å.
	DefaultLayerSpacing = 20.1
)

// Monochromator derives the photon energy from the Bragg angle of a
// double multilayer monochromator.
type Monochromator struct {
	bragg   controlpoint.ControlPoint
	spacing float64
}

func NewMonochromator(bragg controlpoint.ControlPoint, spacing float64) *Monochromator {
	if spacing <= 0 {
		spacing = DefaultLayerSpacing
	}
	return &Monochromator{bragg: bragg, spacing: spacing}
}

// BraggDegrees reads the current Bragg angle.
func (m *Monochromator) BraggDegrees(ctx context.Context) (float64, error) {
	return m.bragg.Read(ctx)
}

func (m *Monochromator) WavelengthAngstrom(ctx context.Context) (float64, error) {
	deg, err := m.BraggDegrees(ctx)
	if err != nil {
		return 0, err
	}
	return Wavelength(deg, m.spacing)
}

func (m *Monochromator) EnergyKeV(ctx context.Context) (float64, error) {
	lambda, err := m.WavelengthAngstrom(ctx)
	if err != nil {
		return 0, err
	}
	return HCOverE / lambda, nil
}

// SetEnergy drives the Bragg axis to the angle selecting energyKeV.
func (m *Monochromator) SetEnergy(ctx context.Context, energyKeV float64) error {
	deg, err := BraggAngle(energyKeV, m.spacing)
	if err != nil {
		return err
	}
	return m.bragg.Write(ctx, deg)
}

// Wavelength returns λ = 2d·sin θ in Å for a Bragg angle in degrees.
func Wavelength(braggDeg, spacing float64) (float64, error) {
	lambda := 2 * spacing * math.Sin(braggDeg*math.Pi/180)
	if lambda <= 0 || math.IsNaN(lambda) {
		return 0, fmt.Errorf("bragg angle %g° gives no wavelength", braggDeg)
	}
	return lambda, nil
}

// BraggAngle returns the angle in degrees selecting energyKeV.
func BraggAngle(energyKeV, spacing float64) (float64, error) {
	if energyKeV <= 0 {
		return 0, fmt.Errorf("invalid energy: %g keV", energyKeV)
	}
	s := HCOverE / energyKeV / (2 * spacing)
	if s > 1 {
		return 0, fmt.Errorf("energy %g keV is below the reach of a %g Å multilayer", energyKeV, spacing)
	}
	return math.Asin(s) * 180 / math.Pi, nil
}
