package transmission

import (
	"math"
)

// MaxSlot is the last usable absorber slot.
const MaxSlot = 8

// CalibrationTable maps absorber slots to measured transmission at one energy.
type CalibrationTable struct {
	EnergyKeV float64
	Window    float64
	Values    []float64
}

func (t CalibrationTable) matches(energy float64) bool {
	return math.Abs(energy-t.EnergyKeV) < t.Window
}

// DefaultTables are the measured absorber calibrations.
func DefaultTables() []CalibrationTable {
	beamInt := []float64{
		3606803.0 / 403323.0 * 3296026.0,
		3606803,
		406113,
		50002,
		6268,
		6268.0 / 3520688.0 * 384577.0,
		6268.0 / 3520688.0 * 43940.0,
		6268.0 / 3520688.0 * 5383.0,
	}
	tenKeV := make([]float64, len(beamInt))
	for i, v := range beamInt {
		tenKeV[i] = v / beamInt[0]
	}

	return []CalibrationTable{
		{
			EnergyKeV: 13.5,
			Window:    0.01,
			Values:    []float64{1, 0.041, 0.0017425, 0.00007301075, 0.00000287662355, 0.000000122831826, 0.00000000513437},
		},
		{
			EnergyKeV: 17,
			Window:    0.01,
			Values:    []float64{1, 1.847e-1, 3.330e-2, 6.064e-3, 1.101e-3, 1.966e-4, 3.633e-5},
		},
		{
			EnergyKeV: 10,
			Window:    0.1,
			Values:    tenKeV,
		},
	}
}

// SlotTable returns the transmission of every slot 0..MaxSlot at energy.
// Calibrated tables shorter than the wheel are extended with their last
// slot-to-slot ratio; other energies use the Nb exponential model.
func SlotTable(tables []CalibrationTable, energy float64) []float64 {
	for _, t := range tables {
		if t.matches(energy) && len(t.Values) > 0 {
			return extend(t.Values, MaxSlot+1)
		}
	}

	step := AbsorberFoilThicknessNb / AbsorptionLengthNb(energy)
	out := make([]float64, MaxSlot+1)
	for i := range out {
		out[i] = math.Exp(-float64(i) * step)
	}
	return out
}

func extend(values []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, values)
	if len(values) >= n {
		return out
	}

	ratio := 1.0
	if k := len(values); k >= 2 && values[k-2] > 0 {
		ratio = values[k-1] / values[k-2]
	}
	if ratio > 1 {
		ratio = 1
	}
	for i := len(values); i < n; i++ {
		out[i] = out[i-1] * ratio
	}
	return out
}

// NearestSlot returns the first slot whose transmission is closest to target.
func NearestSlot(table []float64, target float64) int {
	best := 0
	bestDiff := math.Inf(1)
	for i, v := range table {
		if d := math.Abs(target - v); d < bestDiff {
			best = i
			bestDiff = d
		}
	}
	return best
}
