package vacuum

import "fmt"

// State is the step a procedure is in.
type State int

const (
	StateIdle State = iota
	StateInterlocking
	StateRoughing
	StateSettling
	StateSoftVent
	StateFullVent
	StateComplete
	StateFail
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInterlocking:
		return "INTERLOCKING"
	case StateRoughing:
		return "ROUGHING"
	case StateSettling:
		return "SETTLING"
	case StateSoftVent:
		return "SOFT_VENT"
	case StateFullVent:
		return "FULL_VENT"
	case StateComplete:
		return "COMPLETE"
	case StateFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFail
}

var validTransitions = map[State][]State{
	StateIdle:         {StateInterlocking, StateFail},
	StateInterlocking: {StateRoughing, StateSoftVent, StateFail},
	StateRoughing:     {StateSettling, StateFail},
	StateSettling:     {StateComplete, StateFail},
	StateSoftVent:     {StateFullVent, StateFail},
	StateFullVent:     {StateComplete, StateFail},
	StateComplete:     {},
	StateFail:         {},
}

// ValidateTransition checks a single procedure step.
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
