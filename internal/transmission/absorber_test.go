package transmission

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWheel(t *testing.T, energy float64) (*AbsorberWheel, *controlpoint.Sim) {
	t.Helper()

	sim := controlpoint.NewSim().Set("armr:set", -55.1).Set("armr:rbv", -55.1).Follow("armr:set", "armr:rbv")
	motor := controlpoint.NewMotor("armr", controlpoint.Bind(sim, "armr:set", time.Second), controlpoint.Bind(sim, "armr:rbv", time.Second)).
		WithSettle(controlpoint.MotorSettle{Tolerance: 0.01, Interval: time.Millisecond, MaxAttempts: 5})

	opts := DefaultAbsorberOptions()
	opts.Settle = time.Millisecond

	wheel, err := NewAbsorberWheel(motor, FixedEnergy(energy), nil, opts, zap.NewNop())
	require.NoError(t, err)
	return wheel, sim
}

func TestAbsorberSetTransmissionAt13p5keV(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	wheel, sim := newTestWheel(t, 13.5)
	res, err := wheel.SetTransmission(ctx, 0.0017)
	require.NoError(err)
	require.Equal(2, res.Slot)
	require.Equal(0.0017425, res.Achieved)
	require.Equal(0.0017, res.Target)
	require.InDelta(-1.7+12, sim.Value("armr:rbv"), 1e-12)

	slot, err := wheel.Slot(ctx)
	require.NoError(err)
	require.Equal(2, slot)

	got, err := wheel.Transmission(ctx)
	require.NoError(err)
	require.Equal(0.0017425, got)
}

func TestAbsorberSlotOutOfRangeWritesNothing(t *testing.T) {
	for _, slot := range []int{-1, 9, 100} {
		wheel, sim := newTestWheel(t, 13.5)
		_, err := wheel.SetSlot(context.Background(), slot)
		require.ErrorIs(t, err, ErrSlotOutOfRange, "slot=%d", slot)
		require.Zero(t, sim.WriteCount(), "slot=%d", slot)
	}
}

func TestAbsorberMonotoneInSlot(t *testing.T) {
	for _, e := range []float64{10, 13.5, 17, 8.2} {
		wheel, _ := newTestWheel(t, e)
		prev := 2.0
		for slot := 0; slot <= MaxSlot; slot++ {
			res, err := wheel.SetSlot(context.Background(), slot)
			require.NoError(t, err)
			require.LessOrEqual(t, res.Achieved, prev, "E=%g slot=%d", e, slot)
			prev = res.Achieved
		}
	}
}

func TestAbsorberActuatorTimeout(t *testing.T) {
	require := require.New(t)

	wheel, sim := newTestWheel(t, 17)
	sim.IgnoreWrites("armr:set", -1)

	res, err := wheel.SetSlot(context.Background(), 3)
	require.ErrorIs(err, ErrActuatorTimeout)
	require.Equal(3, res.Retries)
	require.Len(sim.Writes("armr:set"), 4)

	var posErr *PositionError
	require.ErrorAs(err, &posErr)
	require.Equal(-55.1, posErr.Last)
	require.InDelta(-1.7+18, posErr.Target, 1e-12)
}

func TestAbsorberRecoversAfterMissedMove(t *testing.T) {
	require := require.New(t)

	wheel, sim := newTestWheel(t, 17)
	sim.IgnoreWrites("armr:set", 1)

	res, err := wheel.SetSlot(context.Background(), 1)
	require.NoError(err)
	require.Equal(1, res.Retries)
	require.Equal(1.847e-1, res.Achieved)
}

func TestAbsorberSlotFromPosition(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	wheel, sim := newTestWheel(t, 13.5)
	for slot := 0; slot <= MaxSlot; slot++ {
		require.Equal(slot, wheel.SlotAt(wheel.SlotPosition(slot)))
	}

	// Retracted wheel is outside the slot range.
	_, err := wheel.Slot(ctx)
	require.ErrorIs(err, ErrSlotOutOfRange)

	sim.Set("armr:rbv", wheel.SlotPosition(4))
	got, err := wheel.Transmission(ctx)
	require.NoError(err)
	require.Equal(0.00000287662355, got)
}

func TestAbsorberRetract(t *testing.T) {
	require := require.New(t)

	wheel, sim := newTestWheel(t, 13.5)
	_, err := wheel.SetSlot(context.Background(), 1)
	require.NoError(err)
	require.NoError(wheel.Retract(context.Background()))
	require.Equal(-55.1, sim.Value("armr:rbv"))
}

func TestAbsorberRejectsUnknownEnergy(t *testing.T) {
	require := require.New(t)

	wheel, sim := newTestWheel(t, 0)
	_, err := wheel.SetSlot(context.Background(), 1)
	require.ErrorIs(err, ErrEnergyOutOfRange)
	require.Zero(sim.WriteCount())
}

func TestAbsorberWaitsForSlowWheel(t *testing.T) {
	require := require.New(t)

	// The readback trails the setpoint by three reads.
	sim := controlpoint.NewSim().Set("armr:set", -55.1).Set("armr:rbv", -55.1).Lag("armr:set", "armr:rbv", 3)
	motor := controlpoint.NewMotor("armr", controlpoint.Bind(sim, "armr:set", time.Second), controlpoint.Bind(sim, "armr:rbv", time.Second)).
		WithSettle(controlpoint.MotorSettle{Tolerance: 0.01, Interval: time.Millisecond, MaxAttempts: 10})
	opts := DefaultAbsorberOptions()
	opts.Settle = 0
	wheel, err := NewAbsorberWheel(motor, FixedEnergy(17), nil, opts, zap.NewNop())
	require.NoError(err)

	res, err := wheel.SetSlot(context.Background(), 2)
	require.NoError(err)
	require.Equal(0, res.Retries)
	require.Len(sim.Writes("armr:set"), 1)
	require.InDelta(wheel.SlotPosition(2), sim.Value("armr:rbv"), 1e-12)
}
