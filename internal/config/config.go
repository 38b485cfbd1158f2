package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/observability"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. OBC_DATABASE_HOST.
const EnvPrefix = "OBC"

type Config struct {
	Server        ServerConfig                `mapstructure:"server"`
	Database      DatabaseConfig              `mapstructure:"database"`
	Modbus        ModbusConfig                `mapstructure:"modbus"`
	ControlPoints ControlPointsConfig         `mapstructure:"control_points"`
	Topology      TopologyConfig              `mapstructure:"topology"`
	Energy        EnergyConfig                `mapstructure:"energy"`
	Transmission  TransmissionConfig          `mapstructure:"transmission"`
	Vacuum        VacuumConfig                `mapstructure:"vacuum"`
	Beamline      BeamlineConfig              `mapstructure:"beamline"`
	Monitor       MonitorConfig               `mapstructure:"monitor"`
	Tracing       observability.TracingConfig `mapstructure:"tracing"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type ModbusConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ControlPointsConfig selects the control point network. With Simulate
// set, an in-memory network stands in for the hardware.
type ControlPointsConfig struct {
	Simulate    bool          `mapstructure:"simulate"`
	SearchPaths []string      `mapstructure:"search_paths"`
	Map         string        `mapstructure:"map"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type TopologyConfig struct {
	File string `mapstructure:"file"`
}

// EnergyConfig chooses the beam energy source: the monochromator Bragg
// angle point, or a fixed energy when BraggPoint is empty.
type EnergyConfig struct {
	BraggPoint     string  `mapstructure:"bragg_point"`
	CrystalSpacing float64 `mapstructure:"crystal_spacing"`
	FixedKeV       float64 `mapstructure:"fixed_kev"`
}

// MotorConfig names a motor's points. A move waits until the readback is
// within Tolerance of the setpoint, polling every SettleInterval for at
// most SettleAttempts reads.
type MotorConfig struct {
	Setpoint       string        `mapstructure:"setpoint"`
	Readback       string        `mapstructure:"readback"`
	Tolerance      float64       `mapstructure:"tolerance"`
	SettleInterval time.Duration `mapstructure:"settle_interval"`
	SettleAttempts int           `mapstructure:"settle_attempts"`
}

type TransmissionConfig struct {
	// Device is filter_bank or absorber_wheel.
	Device     string           `mapstructure:"device"`
	FilterBank FilterBankConfig `mapstructure:"filter_bank"`
	Absorber   AbsorberConfig   `mapstructure:"absorber_wheel"`
}

type FilterBankConfig struct {
	Foils         []string      `mapstructure:"foils"`
	Settle        time.Duration `mapstructure:"settle"`
	Tolerance     float64       `mapstructure:"tolerance"`
	Retries       int           `mapstructure:"retries"`
	MaxFaults     int           `mapstructure:"max_faults"`
	FaultInterval time.Duration `mapstructure:"fault_interval"`
}

type AbsorberConfig struct {
	Motor             MotorConfig   `mapstructure:"motor"`
	Origin            float64       `mapstructure:"origin"`
	Pitch             float64       `mapstructure:"pitch"`
	Adjustment        float64       `mapstructure:"adjustment"`
	OutPosition       float64       `mapstructure:"out_position"`
	PositionTolerance float64       `mapstructure:"position_tolerance"`
	Retries           int           `mapstructure:"retries"`
	Settle            time.Duration `mapstructure:"settle"`
}

type ZoneConfig struct {
	Name      string `mapstructure:"name"`
	PumpValve string `mapstructure:"pump_valve"`
	VentValve string `mapstructure:"vent_valve"`
	Pressure  string `mapstructure:"pressure"`
}

type InterlocksConfig struct {
	GateValve        string      `mapstructure:"gate_valve"`
	OutletStatus     string      `mapstructure:"outlet_status"`
	OutletToggle     string      `mapstructure:"outlet_toggle"`
	PumpEnableStatus string      `mapstructure:"pump_enable_status"`
	PumpEnableToggle string      `mapstructure:"pump_enable_toggle"`
	Window           MotorConfig `mapstructure:"window"`
}

type VacuumConfig struct {
	Sample     ZoneConfig       `mapstructure:"sample"`
	Detector   ZoneConfig       `mapstructure:"detector"`
	Interlocks InterlocksConfig `mapstructure:"interlocks"`

	PollInterval       time.Duration `mapstructure:"poll_interval"`
	CoarseThreshold    float64       `mapstructure:"coarse_threshold"`
	TargetPressure     float64       `mapstructure:"target_pressure"`
	SoftVentThreshold  float64       `mapstructure:"soft_vent_threshold"`
	FullVentThreshold  float64       `mapstructure:"full_vent_threshold"`
	PollLimit          int           `mapstructure:"poll_limit"`
	ProgressEvery      int           `mapstructure:"progress_every"`
	VacuumBelow        float64       `mapstructure:"vacuum_below"`
	AirAbove           float64       `mapstructure:"air_above"`
	RoughingPosition   string        `mapstructure:"roughing_position"`
	PumpSpinUp         time.Duration `mapstructure:"pump_spin_up"`
	PumpTogglePacing   time.Duration `mapstructure:"pump_toggle_pacing"`
	PumpEnableAttempts int           `mapstructure:"pump_enable_attempts"`
	OutletPacing       time.Duration `mapstructure:"outlet_pacing"`
	OutletAttempts     int           `mapstructure:"outlet_attempts"`
	VentSettle         time.Duration `mapstructure:"vent_settle"`
	WindowOpen         float64       `mapstructure:"window_open"`
	WindowClosed       float64       `mapstructure:"window_closed"`
	WindowTolerance    float64       `mapstructure:"window_tolerance"`
	ValveSettle        time.Duration `mapstructure:"valve_settle"`
	ValveTries         int           `mapstructure:"valve_tries"`
	MaxFaults          int           `mapstructure:"max_faults"`
	FaultInterval      time.Duration `mapstructure:"fault_interval"`
}

type BeamlineConfig struct {
	// Shutter and GateValve name topology elements.
	Shutter   string      `mapstructure:"shutter"`
	GateValve string      `mapstructure:"gate_valve"`
	Beamstop  MotorConfig `mapstructure:"beamstop"`

	AlignmentTransmission   float64       `mapstructure:"alignment_transmission"`
	AlignmentCeiling        float64       `mapstructure:"alignment_ceiling"`
	AlignmentPacing         time.Duration `mapstructure:"alignment_pacing"`
	AlignmentAttempts       int           `mapstructure:"alignment_attempts"`
	MeasurementTransmission float64       `mapstructure:"measurement_transmission"`
	BeamstopPark            float64       `mapstructure:"beamstop_park"`
	BeamstopAlignmentOffset float64       `mapstructure:"beamstop_alignment_offset"`
	BeamstopTolerance       float64       `mapstructure:"beamstop_tolerance"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Points   []string      `mapstructure:"points"`
}

// Load reads a YAML file and applies defaults and OBC_ environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "beamline")
	v.SetDefault("database.user", "beamline")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("modbus.default_timeout", "1s")

	v.SetDefault("control_points.simulate", false)
	v.SetDefault("control_points.search_paths", []string{"./configs/controlpoints"})
	v.SetDefault("control_points.map", "beamline")
	v.SetDefault("control_points.timeout", "2s")

	v.SetDefault("topology.file", "./configs/topology.yaml")

	v.SetDefault("energy.crystal_spacing", 20.1)
	v.SetDefault("energy.fixed_kev", 0)

	v.SetDefault("transmission.device", "filter_bank")
	v.SetDefault("transmission.filter_bank.settle", "1s")
	v.SetDefault("transmission.filter_bank.tolerance", 0.7)
	v.SetDefault("transmission.filter_bank.retries", 3)
	v.SetDefault("transmission.filter_bank.max_faults", 3)
	v.SetDefault("transmission.filter_bank.fault_interval", "200ms")
	v.SetDefault("transmission.absorber_wheel.origin", -1.7)
	v.SetDefault("transmission.absorber_wheel.pitch", 6)
	v.SetDefault("transmission.absorber_wheel.adjustment", 5.9)
	v.SetDefault("transmission.absorber_wheel.out_position", -55.1)
	v.SetDefault("transmission.absorber_wheel.position_tolerance", 0.5)
	v.SetDefault("transmission.absorber_wheel.retries", 3)
	v.SetDefault("transmission.absorber_wheel.settle", "200ms")
	v.SetDefault("transmission.absorber_wheel.motor.tolerance", 0.5)
	v.SetDefault("transmission.absorber_wheel.motor.settle_interval", "100ms")
	v.SetDefault("transmission.absorber_wheel.motor.settle_attempts", 300)

	v.SetDefault("vacuum.sample.name", "sample")
	v.SetDefault("vacuum.detector.name", "detector")
	v.SetDefault("vacuum.poll_interval", "3s")
	v.SetDefault("vacuum.coarse_threshold", 500)
	v.SetDefault("vacuum.target_pressure", 0.7)
	v.SetDefault("vacuum.soft_vent_threshold", 800)
	v.SetDefault("vacuum.full_vent_threshold", 950)
	v.SetDefault("vacuum.poll_limit", 600)
	v.SetDefault("vacuum.progress_every", 10)
	v.SetDefault("vacuum.vacuum_below", 1)
	v.SetDefault("vacuum.air_above", 950)
	v.SetDefault("vacuum.roughing_position", "open")
	v.SetDefault("vacuum.pump_spin_up", "10s")
	v.SetDefault("vacuum.pump_toggle_pacing", "1s")
	v.SetDefault("vacuum.pump_enable_attempts", 10)
	v.SetDefault("vacuum.outlet_pacing", "500ms")
	v.SetDefault("vacuum.outlet_attempts", 20)
	v.SetDefault("vacuum.vent_settle", "3s")
	v.SetDefault("vacuum.window_open", -95)
	v.SetDefault("vacuum.window_closed", 0)
	v.SetDefault("vacuum.window_tolerance", 0.1)
	v.SetDefault("vacuum.interlocks.window.tolerance", 0.1)
	v.SetDefault("vacuum.interlocks.window.settle_interval", "100ms")
	v.SetDefault("vacuum.interlocks.window.settle_attempts", 600)
	v.SetDefault("vacuum.valve_settle", "1s")
	v.SetDefault("vacuum.valve_tries", 5)
	v.SetDefault("vacuum.max_faults", 3)
	v.SetDefault("vacuum.fault_interval", "200ms")

	v.SetDefault("beamline.shutter", "shutter")
	v.SetDefault("beamline.alignment_transmission", 1e-8)
	v.SetDefault("beamline.alignment_ceiling", 3e-8)
	v.SetDefault("beamline.alignment_pacing", "500ms")
	v.SetDefault("beamline.alignment_attempts", 20)
	v.SetDefault("beamline.measurement_transmission", 1)
	v.SetDefault("beamline.beamstop_park", -16.74)
	v.SetDefault("beamline.beamstop_alignment_offset", 3)
	v.SetDefault("beamline.beamstop_tolerance", 0.1)
	v.SetDefault("beamline.beamstop.tolerance", 0.05)
	v.SetDefault("beamline.beamstop.settle_interval", "100ms")
	v.SetDefault("beamline.beamstop.settle_attempts", 300)

	v.SetDefault("monitor.interval", "1s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "beamlined")
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Transmission.Device {
	case "filter_bank":
		if len(c.Transmission.FilterBank.Foils) != 8 {
			return fmt.Errorf("transmission.filter_bank.foils needs 8 control points, got %d", len(c.Transmission.FilterBank.Foils))
		}
	case "absorber_wheel":
		if c.Transmission.Absorber.Motor.Setpoint == "" || c.Transmission.Absorber.Motor.Readback == "" {
			return fmt.Errorf("transmission.absorber_wheel.motor needs setpoint and readback")
		}
	default:
		return fmt.Errorf("unknown transmission device %q", c.Transmission.Device)
	}
	if c.Energy.BraggPoint == "" && c.Energy.FixedKeV <= 0 {
		return fmt.Errorf("energy needs a bragg_point or a positive fixed_kev")
	}
	if !c.ControlPoints.Simulate && c.ControlPoints.Map == "" {
		return fmt.Errorf("control_points.map is required unless simulate is set")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}
