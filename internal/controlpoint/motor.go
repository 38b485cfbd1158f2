package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/poll"
)

// ErrNotSettled is returned by MoveTo when the readback did not reach the
// setpoint within the settle bound. The axis may still be moving or stuck;
// callers with their own position tolerance read Position and decide.
var ErrNotSettled = errors.New("motor did not settle")

// MotorActuator is a continuous-position actuator. MoveTo returns once the
// axis has settled at position.
type MotorActuator interface {
	MoveTo(ctx context.Context, position float64) error
	Position(ctx context.Context) (float64, error)
}

// MotorSettle bounds the wait for the readback after a setpoint write.
type MotorSettle struct {
	// Tolerance is the readback distance from the setpoint that counts
	// as arrived, in the axis unit.
	Tolerance   float64
	Interval    time.Duration
	MaxAttempts int
	MaxFaults   int
}

func DefaultMotorSettle() MotorSettle {
	return MotorSettle{
		Tolerance:   0.05,
		Interval:    100 * time.Millisecond,
		MaxAttempts: 300,
		MaxFaults:   3,
	}
}

// withDefaults fills zero fields from DefaultMotorSettle.
func (s MotorSettle) withDefaults() MotorSettle {
	d := DefaultMotorSettle()
	if s.Tolerance <= 0 {
		s.Tolerance = d.Tolerance
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = d.MaxAttempts
	}
	if s.MaxFaults < 0 {
		s.MaxFaults = d.MaxFaults
	}
	return s
}

// Motor drives a setpoint point and waits on a readback point until the
// axis arrives.
type Motor struct {
	Name     string
	Setpoint ControlPoint
	Readback ControlPoint
	Settle   MotorSettle
}

func NewMotor(name string, setpoint, readback ControlPoint) *Motor {
	if readback == nil {
		readback = setpoint
	}
	return &Motor{Name: name, Setpoint: setpoint, Readback: readback, Settle: DefaultMotorSettle()}
}

// WithSettle replaces the settle bound. Zero fields keep their defaults.
func (m *Motor) WithSettle(s MotorSettle) *Motor {
	m.Settle = s.withDefaults()
	return m
}

// MoveTo writes the setpoint and polls the readback until it is within
// Settle.Tolerance of position.
func (m *Motor) MoveTo(ctx context.Context, position float64) error {
	if err := m.Setpoint.Write(ctx, position); err != nil {
		return fmt.Errorf("motor %s: %w", m.Name, err)
	}

	policy := poll.Policy{Interval: m.Settle.Interval, MaxAttempts: m.Settle.MaxAttempts, MaxFaults: m.Settle.MaxFaults}
	out, err := poll.Until(ctx, policy, func(ctx context.Context) (float64, bool, error) {
		v, err := m.Readback.Read(ctx)
		if err != nil {
			return 0, false, err
		}
		return v, math.Abs(v-position) <= m.Settle.Tolerance, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("motor %s: %w", m.Name, ctx.Err())
		}
		if out.HaveLast {
			return fmt.Errorf("motor %s: %w: at %g, want %g: %w", m.Name, ErrNotSettled, out.Last, position, err)
		}
		return fmt.Errorf("motor %s: %w: %w", m.Name, ErrNotSettled, err)
	}
	return nil
}

func (m *Motor) Position(ctx context.Context) (float64, error) {
	v, err := m.Readback.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("motor %s: %w", m.Name, err)
	}
	return v, nil
}
