package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedEnergy float64

func (e fixedEnergy) EnergyKeV(context.Context) (float64, error) { return float64(e), nil }

type fixedTransmission struct {
	value float64
	err   error
}

func (f fixedTransmission) Transmission(context.Context) (float64, error) { return f.value, f.err }

func newBeamline(t *testing.T, sim *controlpoint.Sim) *Model {
	t.Helper()
	b := controlpoint.Binder{Network: sim}

	elements := []Element{
		NewPassive("sample", 58.8, 1),
		NewScintillator("bim4", 57, b.Point("bim4:period"), b.Point("bim4:counts")),
		NewShutter("photon shutter", 55, b.Point("psh:status"), b.Point("psh:open"), b.Point("psh:close")),
		NewAttenuator("attenuator", 53.8, fixedTransmission{value: 0.5}),
		NewIonChamber("bim3", 49, b.Point("ic:v1"), b.Point("ic:v2"), b.Point("ic:h1"), b.Point("ic:h2"), fixedEnergy(13.5)),
		NewGateValve("GV", 28, b.Point("gv:status"), nil, nil),
		NewPassive("monochromator", 26.5, 1e-7),
		NewSource("3PW", 0, b.Point("src:position"), b.Point("ring:current")),
	}
	m, err := NewModel(elements, zap.NewNop())
	require.NoError(t, err)
	return m
}

func newBeamlineSim() *controlpoint.Sim {
	sim := controlpoint.NewSim()
	sim.Set("src:position", 0.5).Set("ring:current", 400)
	sim.Set("gv:status", 1)
	sim.Set("ic:v1", 1e-9).Set("ic:v2", 1e-9).Set("ic:h1", 1e-9).Set("ic:h2", 1e-9)
	sim.Set("psh:status", 1).Define("psh:open", "psh:close")
	sim.Set("bim4:period", 2).Set("bim4:counts", 1000)
	return sim
}

func TestNewModelSortsByPosition(t *testing.T) {
	m := newBeamline(t, newBeamlineSim())

	var names []string
	for _, el := range m.Elements() {
		names = append(names, el.Name())
	}
	require.Equal(t, []string{"3PW", "monochromator", "GV", "bim3", "attenuator", "photon shutter", "bim4", "sample"}, names)

	el, ok := m.Element("GV")
	require.True(t, ok)
	require.Equal(t, KindGateValve, el.Kind())
}

func TestNewModelRejectsDuplicates(t *testing.T) {
	_, err := NewModel([]Element{NewPassive("a", 1, 1), NewPassive("a", 2, 1)}, nil)
	require.Error(t, err)
}

func TestReportWalksBeam(t *testing.T) {
	require := require.New(t)

	m := newBeamline(t, newBeamlineSim())
	report := m.Report(context.Background())
	require.Len(report.Rows, 8)
	require.Zero(report.Errors())
	require.Equal("photon shutter", report.BlockedAt)

	rows := make(map[string]ElementRow)
	for _, r := range report.Rows {
		rows[r.Name] = r
	}

	src := rows["3PW"]
	require.Equal(StateIn, src.State)
	require.Equal(PathInUnblocked, src.Path)
	require.Nil(src.ExpectedFlux)
	require.InDelta(400, *src.Reading, 1e-9)
	sourceFlux := 400 * SourceFluxPerMA
	require.InDelta(sourceFlux, *src.Flux, 1)

	mono := rows["monochromator"]
	require.Equal(PathOutUnblocked, mono.Path)
	require.InDelta(sourceFlux, *mono.ExpectedFlux, 1)
	require.Nil(mono.Reading)

	gv := rows["GV"]
	require.Equal(StateOut, gv.State)
	require.InEpsilon(sourceFlux*1e-7, *gv.ExpectedFlux, 1e-9)

	icFlux := 0.5 * 4 * IonChamberFlux(1e-9, 13.5)
	ic := rows["bim3"]
	require.InEpsilon(sourceFlux*1e-7, *ic.ExpectedFlux, 1e-9)
	require.InEpsilon(4e-9, *ic.Reading, 1e-9)
	require.InEpsilon(icFlux, *ic.Flux, 1e-9)

	att := rows["attenuator"]
	require.InEpsilon(icFlux, *att.ExpectedFlux, 1e-9)
	require.InDelta(0.5, *att.Reading, 1e-12)
	require.Nil(att.Flux)

	shutter := rows["photon shutter"]
	require.Equal(StateBlock, shutter.State)
	require.Equal(PathBlocked, shutter.Path)
	require.Nil(shutter.ExpectedFlux)

	scint := rows["bim4"]
	require.Equal(PathInBlocked, scint.Path)
	require.Nil(scint.ExpectedFlux)
	require.InDelta(500, *scint.Reading, 1e-9)
	require.InDelta(500*ScintillatorFluxPerCPS, *scint.Flux, 1e-3)

	sample := rows["sample"]
	require.Equal(PathOutBlocked, sample.Path)
	require.Nil(sample.ExpectedFlux)

	table := report.String()
	assert.Contains(t, table, "[X]")
	assert.Contains(t, table, "photon shutter")
}

func TestReportRecordsErrorsAndCompletes(t *testing.T) {
	sim := newBeamlineSim()
	sim.FailReads("gv:status", 1)
	m := newBeamline(t, sim)

	report := m.Report(context.Background())
	require.Len(t, report.Rows, 8)
	require.Equal(t, 1, report.Errors())

	gv := report.Rows[2]
	require.Equal(t, "GV", gv.Name)
	require.Equal(t, StateUndefined, gv.State)
	require.Equal(t, PathUndefined, gv.Path)
	require.Contains(t, gv.Err, "state")

	// The walk goes on past the failed element.
	require.Equal(t, "photon shutter", report.BlockedAt)
}

func TestReportWithoutBlock(t *testing.T) {
	sim := newBeamlineSim()
	sim.Set("psh:status", 0)
	m := newBeamline(t, sim)

	report := m.Report(context.Background())
	require.Empty(t, report.BlockedAt)
	for _, row := range report.Rows[1:] {
		assert.NotNil(t, row.ExpectedFlux, row.Name)
	}
}

func TestSourceStates(t *testing.T) {
	sim := controlpoint.NewSim().Set("ring:current", 400)
	b := controlpoint.Binder{Network: sim}
	src := NewSource("3PW", 0, b.Point("pos"), b.Point("ring:current"))
	ctx := context.Background()

	tests := []struct {
		position float64
		state    ElementState
		reading  float64
	}{
		{0, StateIn, 400},
		{-2.9, StateIn, 400},
		{-189, StateOut, 0},
		{-180, StateOut, 0},
		{-50, StateUndefined, 0},
	}
	for _, tt := range tests {
		sim.Set("pos", tt.position)
		state, err := src.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, tt.state, state, "position %g", tt.position)
		reading, err := src.Reading(ctx)
		require.NoError(t, err)
		assert.Equal(t, tt.reading, reading)
	}
}

func TestValveCommandsAndStates(t *testing.T) {
	sim := controlpoint.NewSim().Define("sh:open", "sh:close")
	b := controlpoint.Binder{Network: sim}
	ctx := context.Background()

	shutter := NewShutter("sh", 1, b.Point("sh:status"), b.Point("sh:open"), b.Point("sh:close"))
	gv := NewGateValve("gv", 2, b.Point("gv:status"), nil, nil)

	sim.Set("sh:status", 0).Set("gv:status", 0)
	s, _ := shutter.State(ctx)
	assert.Equal(t, StateOut, s)
	g, _ := gv.State(ctx)
	assert.Equal(t, StateBlock, g)
	tr, _ := gv.Transmission(ctx)
	assert.Zero(t, tr)

	sim.Set("sh:status", 2)
	s, _ = shutter.State(ctx)
	assert.Equal(t, StateUndefined, s)

	require.NoError(t, shutter.Close(ctx))
	require.Equal(t, []float64{1}, sim.Writes("sh:close"))
	require.ErrorIs(t, gv.Open(ctx), controlpoint.ErrReadOnly)
}

func TestScreenReadsOnlyWhenInserted(t *testing.T) {
	sim := controlpoint.NewSim().Set("fs:status", 0).Set("fs:signal", 1234).Define("fs:in", "fs:out")
	b := controlpoint.Binder{Network: sim}
	ctx := context.Background()
	screen := NewScreen("fs3", 55.8, b.Point("fs:status"), b.Point("fs:in"), b.Point("fs:out"), b.Point("fs:signal"))

	v, err := screen.Reading(ctx)
	require.NoError(t, err)
	require.Zero(t, v)

	require.NoError(t, screen.Insert(ctx))
	require.Equal(t, []float64{1}, sim.Writes("fs:in"))

	sim.Set("fs:status", 1)
	v, err = screen.Reading(ctx)
	require.NoError(t, err)
	require.Equal(t, 1234.0, v)
	require.False(t, screen.HasFlux())
}

func TestFluxConversions(t *testing.T) {
	ctx := context.Background()

	// Ion chamber flux is linear in current.
	f1 := IonChamberFlux(1e-9, 13.5)
	require.InEpsilon(t, 2*f1, IonChamberFlux(2e-9, 13.5), 1e-12)
	require.Greater(t, f1, 0.0)

	sim := controlpoint.NewSim()
	b := controlpoint.Binder{Network: sim}
	ic := NewIonChamber("ic", 49, b.Point("v1"), b.Point("v2"), b.Point("h1"), b.Point("h2"), fixedEnergy(13.5))
	sim.Set("v1", 1e-10).Set("v2", 1e-10).Set("h1", 1e-10).Set("h2", 1e-10)
	flux, err := ic.Flux(ctx)
	require.NoError(t, err)
	require.Zero(t, flux, "below threshold")

	sim.Set("v1", 3e-9).Set("v2", 1e-9).Set("h1", 2e-9).Set("h2", 2e-9)
	h, v, err := ic.Positions(ctx)
	require.NoError(t, err)
	require.InDelta(t, 0, h, 1e-12)
	require.InDelta(t, 0.5, v, 1e-12)

	dd := NewDiamondDiode("bim5", 58.2, [4]controlpoint.ControlPoint{b.Point("i0"), b.Point("i1"), b.Point("i2"), b.Point("i3")})
	sim.Set("i0", 1e-8).Set("i1", 1e-8).Set("i2", 1e-8).Set("i3", 1e-8)
	reading, err := dd.Reading(ctx)
	require.NoError(t, err)
	require.InEpsilon(t, 4e-8-DiamondDarkCurrent, reading, 1e-12)
	flux, err = dd.Flux(ctx)
	require.NoError(t, err)
	require.InEpsilon(t, (4e-8-DiamondDarkCurrent)*DiamondFluxPerAmp, flux, 1e-12)

	sim.Set("i0", 0).Set("i1", 0).Set("i2", 0).Set("i3", 0)
	flux, err = dd.Flux(ctx)
	require.NoError(t, err)
	require.Zero(t, flux)

	sc := NewScintillator("bim4", 57, b.Point("period"), b.Point("counts"))
	sim.Set("period", 0).Set("counts", 100)
	cps, err := sc.Reading(ctx)
	require.NoError(t, err)
	require.Zero(t, cps)
}

func TestAttenuatorPropagatesErrors(t *testing.T) {
	errDown := errors.New("filter box offline")
	b := controlpoint.Binder{Network: controlpoint.NewSim().Set("p", 0).Set("c", 100)}
	m, err := NewModel([]Element{
		NewSource("src", 0, b.Point("p"), b.Point("c")),
		NewAttenuator("att", 10, fixedTransmission{err: errDown}),
	}, nil)
	require.NoError(t, err)

	report := m.Report(context.Background())
	require.Contains(t, report.Rows[1].Err, "filter box offline")
	require.NotNil(t, report.Rows[1].ExpectedFlux)
	require.Nil(t, report.Rows[1].Reading)
}
