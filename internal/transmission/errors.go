package transmission

import (
	"errors"
	"fmt"
)

var (
	// ErrEnergyOutOfRange indicates the beam energy is outside the calibrated range.
	// No hardware is written when it is returned.
	ErrEnergyOutOfRange = errors.New("energy out of range")

	// ErrInvalidTarget indicates a target transmission outside (0, 1] or below MinTarget.
	ErrInvalidTarget = errors.New("invalid target transmission")

	// ErrSlotOutOfRange indicates an absorber slot outside [0, 8].
	// No hardware is written when it is returned.
	ErrSlotOutOfRange = errors.New("absorber slot out of range")
)

var (
	// ErrToleranceExceeded is a reported, non-fatal condition: the returned
	// result holds the best configuration reached.
	ErrToleranceExceeded = errors.New("transmission tolerance exceeded")

	// ErrActuatorTimeout indicates the absorber did not reach its position
	// within the retry budget.
	ErrActuatorTimeout = errors.New("actuator did not reach position")
)

// EnergyError reports an unsupported energy.
type EnergyError struct {
	Energy   float64
	Min, Max float64
}

func (e *EnergyError) Error() string {
	return fmt.Sprintf("%v: %.3f keV not in [%.1f, %.1f]", ErrEnergyOutOfRange, e.Energy, e.Min, e.Max)
}

func (e *EnergyError) Unwrap() error { return ErrEnergyOutOfRange }

// SlotError reports a slot request or readback outside the wheel.
type SlotError struct {
	Slot int
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("%v: %d not in [0, %d]", ErrSlotOutOfRange, e.Slot, MaxSlot)
}

func (e *SlotError) Unwrap() error { return ErrSlotOutOfRange }

// ToleranceError carries the best result when the retry budget is spent.
type ToleranceError struct {
	Result Result
}

func (e *ToleranceError) Error() string {
	return fmt.Sprintf("%v: target %g, achieved %g (deviation %.3f > %.3f after %d retries)",
		ErrToleranceExceeded, e.Result.Target, e.Result.Achieved, e.Result.Deviation, e.Result.Tolerance, e.Result.Retries)
}

func (e *ToleranceError) Unwrap() error { return ErrToleranceExceeded }

// PositionError reports the last observed actuator position.
type PositionError struct {
	Target   float64
	Last     float64
	Attempts int
	Cause    error
}

func (e *PositionError) Error() string {
	msg := fmt.Sprintf("%v: target %.3f, last %.3f after %d attempts", ErrActuatorTimeout, e.Target, e.Last, e.Attempts)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PositionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrActuatorTimeout}
	}
	return []error{ErrActuatorTimeout, e.Cause}
}
