package transmission

import (
	"context"
	"fmt"
	"math"
)

const (
	// Foil thickness in mm of one Al and one Nb unit in the filter bank.
	FoilThicknessAl = 0.25
	FoilThicknessNb = 0.10

	// Effective Nb foil thickness in mm used for the absorber wheel fallback.
	AbsorberFoilThicknessNb = 0.110

	// Energy range in keV covered by the absorption-length fits.
	MinEnergyKeV = 6.0
	MaxEnergyKeV = 18.0

	// MaxFoilCount is the largest equivalent foil count per material.
	MaxFoilCount = 15

	// MinTarget is the smallest target transmission accepted.
	MinTarget = 1e-10
)

// EnergySource reports the current beam energy.
type EnergySource interface {
	EnergyKeV(ctx context.Context) (float64, error)
}

// FixedEnergy is an EnergySource with a constant value.
type FixedEnergy float64

func (e FixedEnergy) EnergyKeV(context.Context) (float64, error) {
	return float64(e), nil
}

// AbsorptionLengthNb returns the Nb absorption length in mm at energy E keV.
func AbsorptionLengthNb(e float64) float64 {
	return 1.4476e-3 - 5.6011e-4*e + 1.0401e-4*e*e + 8.7961e-6*e*e*e
}

// AbsorptionLengthAl returns the Al absorption length in mm at energy E keV.
func AbsorptionLengthAl(e float64) float64 {
	return 5.2293e-3 - 1.3491e-3*e + 1.7833e-4*e*e + 1.4001e-4*e*e*e
}

// FilterTransmission is the transmission of nAl Al units and nNb Nb units at energy e.
func FilterTransmission(nAl, nNb int, e float64) float64 {
	return math.Exp(-float64(nNb)*FoilThicknessNb/AbsorptionLengthNb(e)) *
		math.Exp(-float64(nAl)*FoilThicknessAl/AbsorptionLengthAl(e))
}

// Plan is a best-fit foil configuration.
type Plan struct {
	NAl          int
	NNb          int
	Transmission float64
}

// BestFit scans the full 16x16 foil grid, Nb outer and Al inner, and
// returns the first configuration minimising |target - T|.
func BestFit(target, energy float64) (Plan, error) {
	if err := checkTarget(target); err != nil {
		return Plan{}, err
	}
	if err := checkEnergy(energy); err != nil {
		return Plan{}, err
	}

	best := Plan{Transmission: FilterTransmission(0, 0, energy)}
	bestDiff := math.Abs(target - best.Transmission)

	for nNb := 0; nNb <= MaxFoilCount; nNb++ {
		for nAl := 0; nAl <= MaxFoilCount; nAl++ {
			t := FilterTransmission(nAl, nNb, energy)
			if d := math.Abs(target - t); d < bestDiff {
				best = Plan{NAl: nAl, NNb: nNb, Transmission: t}
				bestDiff = d
			}
		}
	}
	return best, nil
}

// Bits splits a foil count into the in/out pattern of the 1,2,4,8 foils.
func Bits(n int) [4]bool {
	var out [4]bool
	for i := range out {
		out[i] = n&(1<<i) != 0
	}
	return out
}

func checkTarget(target float64) error {
	if math.IsNaN(target) || target <= 0 || target > 1 {
		return fmt.Errorf("%w: %g not in (0, 1]", ErrInvalidTarget, target)
	}
	if target < MinTarget {
		return fmt.Errorf("%w: %g below %g", ErrInvalidTarget, target, MinTarget)
	}
	return nil
}

func checkEnergy(energy float64) error {
	if math.IsNaN(energy) || energy < MinEnergyKeV || energy > MaxEnergyKeV {
		return &EnergyError{Energy: energy, Min: MinEnergyKeV, Max: MaxEnergyKeV}
	}
	return nil
}
