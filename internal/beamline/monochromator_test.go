package beamline

import (
	"context"
	"math"
	"testing"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonochromatorEnergy(t *testing.T) {
	sim := controlpoint.NewSim().Set("mono:bragg", 1.5)
	mono := NewMonochromator(controlpoint.Binder{Network: sim}.Point("mono:bragg"), 0)
	ctx := context.Background()

	lambda, err := mono.WavelengthAngstrom(ctx)
	require.NoError(t, err)
	require.InEpsilon(t, 2*20.1*math.Sin(1.5*math.Pi/180), lambda, 1e-12)

	e, err := mono.EnergyKeV(ctx)
	require.NoError(t, err)
	require.InEpsilon(t, 11.7768, e, 1e-4)

	require.NoError(t, mono.SetEnergy(ctx, 13.5))
	e, err = mono.EnergyKeV(ctx)
	require.NoError(t, err)
	require.InEpsilon(t, 13.5, e, 1e-12)
}

func TestBraggAngleRoundTrip(t *testing.T) {
	for _, keV := range []float64{8, 10.5, 13.5, 16, 20} {
		deg, err := BraggAngle(keV, DefaultLayerSpacing)
		require.NoError(t, err)
		lambda, err := Wavelength(deg, DefaultLayerSpacing)
		require.NoError(t, err)
		assert.InEpsilon(t, keV, HCOverE/lambda, 1e-12)
	}
}

func TestWavelengthErrors(t *testing.T) {
	_, err := Wavelength(0, DefaultLayerSpacing)
	require.Error(t, err)
	_, err = Wavelength(-1, DefaultLayerSpacing)
	require.Error(t, err)

	_, err = BraggAngle(0, DefaultLayerSpacing)
	require.Error(t, err)
	_, err = BraggAngle(0.1, DefaultLayerSpacing)
	require.Error(t, err)
}

func TestMonochromatorReadFault(t *testing.T) {
	sim := controlpoint.NewSim().Set("mono:bragg", 1.5).FailReads("mono:bragg", 1)
	mono := NewMonochromator(controlpoint.Binder{Network: sim}.Point("mono:bragg"), DefaultLayerSpacing)

	_, err := mono.EnergyKeV(context.Background())
	require.ErrorIs(t, err, controlpoint.ErrInjected)
}
