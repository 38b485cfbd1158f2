package system

import (
	"fmt"
	"os"
	"sort"

	"github.com/KevinKickass/OpenBeamlineCore/internal/beamline"
	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/KevinKickass/OpenBeamlineCore/internal/devices"
	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"github.com/KevinKickass/OpenBeamlineCore/internal/topology"
	"github.com/KevinKickass/OpenBeamlineCore/internal/transmission"
	"github.com/KevinKickass/OpenBeamlineCore/internal/vacuum"
	"go.uber.org/zap"
)

// attenuatorDevice is the filter bank or the absorber wheel.
type attenuatorDevice interface {
	beamline.Attenuator
	SetObserver(o transmission.Observer)
	SetRecorder(r *procedure.Recorder)
}

// components is everything built from the configuration. Sequencer,
// controller and monitor are nil when their points are not configured.
type components struct {
	network       controlpoint.Network
	sim           *controlpoint.Sim
	deviceManager *devices.Manager
	binder        controlpoint.Binder

	energy     transmission.EnergySource
	attenuator attenuatorDevice
	topology   *topology.Model
	sequencer  *vacuum.Sequencer
	controller *beamline.Controller
	monitor    *controlpoint.Monitor
}

func buildComponents(cfg *config.Config, sink controlpoint.Sink, logger *zap.Logger) (*components, error) {
	data, err := os.ReadFile(cfg.Topology.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	topologyIDs, err := topology.PointIDs(data)
	if err != nil {
		return nil, err
	}
	ids := mergeIDs(configPointIDs(cfg), topologyIDs)

	c := &components{}
	if cfg.ControlPoints.Simulate {
		c.sim = controlpoint.NewSim().Define(ids...)
		c.network = c.sim
		logger.Warn("Using simulated control points", zap.Int("points", len(ids)))
	} else {
		mgr, err := devices.NewManager(cfg.ControlPoints.SearchPaths, logger)
		if err != nil {
			return nil, err
		}
		if err := mgr.LoadMap(cfg.ControlPoints.Map); err != nil {
			return nil, err
		}
		if err := mgr.CheckPoints(ids); err != nil {
			return nil, err
		}
		c.deviceManager = mgr
		c.network = mgr.Network()
	}
	c.binder = controlpoint.Binder{Network: c.network, Timeout: cfg.ControlPoints.Timeout}

	if cfg.Energy.BraggPoint != "" {
		c.energy = beamline.NewMonochromator(c.binder.Point(cfg.Energy.BraggPoint), cfg.Energy.CrystalSpacing)
	} else {
		c.energy = transmission.FixedEnergy(cfg.Energy.FixedKeV)
	}

	if c.attenuator, err = c.buildAttenuator(cfg, logger); err != nil {
		return nil, err
	}

	elements, err := topology.ParseYAML(data, topology.Dependencies{
		Points:      c.binder,
		Energy:      c.energy,
		Attenuators: map[string]topology.TransmissionSource{cfg.Transmission.Device: c.attenuator},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load topology %s: %w", cfg.Topology.File, err)
	}
	if c.topology, err = topology.NewModel(elements, logger); err != nil {
		return nil, err
	}

	if cfg.Vacuum.Sample.PumpValve != "" {
		if c.sequencer, err = c.buildSequencer(cfg, logger); err != nil {
			return nil, err
		}
	} else {
		logger.Info("Vacuum sequencer disabled: no zone points configured")
	}

	if cfg.Beamline.Beamstop.Setpoint != "" {
		if c.controller, err = c.buildController(cfg, logger); err != nil {
			return nil, err
		}
	} else {
		logger.Info("Mode controller disabled: no beamstop configured")
	}

	if points := c.monitorPoints(cfg); len(points) > 0 {
		c.monitor = controlpoint.NewMonitor(points, cfg.Monitor.Interval, sink, logger.Named("monitor"))
	}

	return c, nil
}

// motor binds a motor's points and its settle bound. Unset settle fields
// keep the controlpoint defaults. A simulated readback tracks its setpoint.
func (c *components) motor(name string, mc config.MotorConfig) *controlpoint.Motor {
	if c.sim != nil && mc.Readback != "" && mc.Readback != mc.Setpoint {
		c.sim.Follow(mc.Setpoint, mc.Readback)
	}
	return controlpoint.NewMotor(name, c.binder.Point(mc.Setpoint), c.binder.Point(mc.Readback)).
		WithSettle(controlpoint.MotorSettle{
			Tolerance:   mc.Tolerance,
			Interval:    mc.SettleInterval,
			MaxAttempts: mc.SettleAttempts,
			MaxFaults:   controlpoint.DefaultMotorSettle().MaxFaults,
		})
}

func (c *components) buildAttenuator(cfg *config.Config, logger *zap.Logger) (attenuatorDevice, error) {
	tc := cfg.Transmission
	switch tc.Device {
	case transmission.DeviceFilterBank:
		var foils [transmission.FoilCount]controlpoint.ControlPoint
		for i := range foils {
			foils[i] = c.binder.Point(tc.FilterBank.Foils[i])
		}
		opts := transmission.FilterBankOptions{
			Settle:        tc.FilterBank.Settle,
			Tolerance:     tc.FilterBank.Tolerance,
			Retries:       tc.FilterBank.Retries,
			MaxFaults:     tc.FilterBank.MaxFaults,
			FaultInterval: tc.FilterBank.FaultInterval,
		}
		return transmission.NewFilterBank(foils, c.energy, opts, logger.Named("filter_bank"))

	case transmission.DeviceAbsorber:
		motor := c.motor("absorber", tc.Absorber.Motor)
		opts := transmission.AbsorberOptions{
			Origin:            tc.Absorber.Origin,
			Pitch:             tc.Absorber.Pitch,
			Adjustment:        tc.Absorber.Adjustment,
			OutPosition:       tc.Absorber.OutPosition,
			PositionTolerance: tc.Absorber.PositionTolerance,
			Retries:           tc.Absorber.Retries,
			Settle:            tc.Absorber.Settle,
		}
		return transmission.NewAbsorberWheel(motor, c.energy, nil, opts, logger.Named("absorber"))
	}
	return nil, fmt.Errorf("unknown transmission device %q", tc.Device)
}

func (c *components) buildSequencer(cfg *config.Config, logger *zap.Logger) (*vacuum.Sequencer, error) {
	vc := cfg.Vacuum
	zone := func(z config.ZoneConfig) vacuum.Zone {
		return vacuum.Zone{
			Name:      z.Name,
			PumpValve: c.binder.Point(z.PumpValve),
			VentValve: c.binder.Point(z.VentValve),
			Pressure:  c.binder.Point(z.Pressure),
		}
	}
	il := vacuum.Interlocks{
		GateValve:        c.binder.Point(vc.Interlocks.GateValve),
		OutletStatus:     c.binder.Point(vc.Interlocks.OutletStatus),
		OutletToggle:     c.binder.Point(vc.Interlocks.OutletToggle),
		PumpEnableStatus: c.binder.Point(vc.Interlocks.PumpEnableStatus),
		PumpEnableToggle: c.binder.Point(vc.Interlocks.PumpEnableToggle),
		Window:           c.motor("window", vc.Interlocks.Window),
	}

	roughing, err := vacuum.ParseValvePosition(vc.RoughingPosition)
	if err != nil {
		return nil, err
	}
	opts := vacuum.Options{
		PollInterval:       vc.PollInterval,
		CoarseThreshold:    vc.CoarseThreshold,
		TargetPressure:     vc.TargetPressure,
		SoftVentThreshold:  vc.SoftVentThreshold,
		FullVentThreshold:  vc.FullVentThreshold,
		PollLimit:          vc.PollLimit,
		ProgressEvery:      vc.ProgressEvery,
		VacuumBelow:        vc.VacuumBelow,
		AirAbove:           vc.AirAbove,
		RoughingPosition:   roughing,
		PumpSpinUp:         vc.PumpSpinUp,
		PumpTogglePacing:   vc.PumpTogglePacing,
		PumpEnableAttempts: vc.PumpEnableAttempts,
		OutletPacing:       vc.OutletPacing,
		OutletAttempts:     vc.OutletAttempts,
		VentSettle:         vc.VentSettle,
		WindowOpen:         vc.WindowOpen,
		WindowClosed:       vc.WindowClosed,
		WindowTolerance:    vc.WindowTolerance,
		ValveSettle:        vc.ValveSettle,
		ValveTries:         vc.ValveTries,
		MaxFaults:          vc.MaxFaults,
		FaultInterval:      vc.FaultInterval,
	}
	return vacuum.NewSequencer(zone(vc.Sample), zone(vc.Detector), il, opts, logger.Named("vacuum"))
}

func (c *components) buildController(cfg *config.Config, logger *zap.Logger) (*beamline.Controller, error) {
	bc := cfg.Beamline

	el, ok := c.topology.Element(bc.Shutter)
	if !ok {
		return nil, fmt.Errorf("shutter element %q not in topology", bc.Shutter)
	}
	shutter, ok := el.(beamline.Shutter)
	if !ok {
		return nil, fmt.Errorf("element %q is a %s and cannot close", bc.Shutter, el.Kind())
	}

	var gateValve beamline.ValveState
	if bc.GateValve != "" {
		gv, ok := c.topology.Element(bc.GateValve)
		if !ok {
			return nil, fmt.Errorf("gate valve element %q not in topology", bc.GateValve)
		}
		gateValve = gv
	}

	beamstop := c.motor("beamstop", bc.Beamstop)
	opts := beamline.ControllerOptions{
		AlignmentTransmission:   bc.AlignmentTransmission,
		AlignmentCeiling:        bc.AlignmentCeiling,
		AlignmentPacing:         bc.AlignmentPacing,
		AlignmentAttempts:       bc.AlignmentAttempts,
		MeasurementTransmission: bc.MeasurementTransmission,
		BeamstopPark:            bc.BeamstopPark,
		BeamstopAlignmentOffset: bc.BeamstopAlignmentOffset,
		BeamstopTolerance:       bc.BeamstopTolerance,
	}
	return beamline.NewController(logger.Named("mode"), shutter, c.attenuator, beamstop, gateValve, opts)
}

// monitorPoints are the configured monitor points, or the zone gauges
// when none are listed.
func (c *components) monitorPoints(cfg *config.Config) []controlpoint.ControlPoint {
	ids := cfg.Monitor.Points
	if len(ids) == 0 {
		for _, id := range []string{cfg.Vacuum.Sample.Pressure, cfg.Vacuum.Detector.Pressure} {
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	points := make([]controlpoint.ControlPoint, 0, len(ids))
	for _, id := range ids {
		points = append(points, c.binder.Point(id))
	}
	return points
}

// configPointIDs lists every control point the configuration names.
func configPointIDs(cfg *config.Config) []string {
	ids := []string{cfg.Energy.BraggPoint}
	switch cfg.Transmission.Device {
	case transmission.DeviceFilterBank:
		ids = append(ids, cfg.Transmission.FilterBank.Foils...)
	case transmission.DeviceAbsorber:
		ids = append(ids, cfg.Transmission.Absorber.Motor.Setpoint, cfg.Transmission.Absorber.Motor.Readback)
	}
	for _, z := range []config.ZoneConfig{cfg.Vacuum.Sample, cfg.Vacuum.Detector} {
		ids = append(ids, z.PumpValve, z.VentValve, z.Pressure)
	}
	il := cfg.Vacuum.Interlocks
	ids = append(ids, il.GateValve, il.OutletStatus, il.OutletToggle, il.PumpEnableStatus, il.PumpEnableToggle,
		il.Window.Setpoint, il.Window.Readback)
	ids = append(ids, cfg.Beamline.Beamstop.Setpoint, cfg.Beamline.Beamstop.Readback)
	ids = append(ids, cfg.Monitor.Points...)
	return ids
}

// mergeIDs returns the sorted union of ids without empty entries.
func mergeIDs(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}
