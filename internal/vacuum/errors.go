package vacuum

import (
	"errors"
	"fmt"
)

var (
	// ErrInterlockViolation indicates a guard did not hold. When raised by a
	// guard, no hardware has been written.
	ErrInterlockViolation = errors.New("interlock violation")

	// ErrPumpNotEnabled indicates the roughing pump never reported enabled
	// within the toggle budget.
	ErrPumpNotEnabled = errors.New("pump not enabled")

	// ErrActuatorTimeout indicates a valve, actuator or pressure did not
	// converge within its bound.
	ErrActuatorTimeout = errors.New("actuator timeout")

	// ErrCancelled indicates the caller cancelled the procedure. Valves are
	// left in their last commanded position.
	ErrCancelled = errors.New("procedure cancelled")

	// ErrUnknownZone is returned for a zone name the sequencer does not own.
	ErrUnknownZone = errors.New("unknown vacuum zone")
)

// SequenceError describes where a procedure stopped and what was last observed.
type SequenceError struct {
	Procedure Procedure
	State     State
	Step      string
	Last      float64
	HaveLast  bool
	Err       error
	Cause     error
}

func (e *SequenceError) Error() string {
	msg := fmt.Sprintf("%s %s: %s: %v", e.Procedure, e.State, e.Step, e.Err)
	if e.HaveLast {
		msg += fmt.Sprintf(" (last reading %g)", e.Last)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SequenceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}
