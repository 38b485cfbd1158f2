package beamline

import (
	"fmt"
	"time"
)

// Mode is the operating mode of the endstation.
type Mode int

const (
	ModeUndefined Mode = iota
	ModeAlignment
	ModeMeasurement
)

func (m Mode) String() string {
	switch m {
	case ModeAlignment:
		return "alignment"
	case ModeMeasurement:
		return "measurement"
	default:
		return "undefined"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "undefined":
		return ModeUndefined, nil
	case "alignment":
		return ModeAlignment, nil
	case "measurement":
		return ModeMeasurement, nil
	default:
		return ModeUndefined, fmt.Errorf("unknown mode: %q", s)
	}
}

// Every change passes through ModeUndefined.
var validModeTransitions = map[Mode][]Mode{
	ModeUndefined:   {ModeAlignment, ModeMeasurement},
	ModeAlignment:   {ModeUndefined},
	ModeMeasurement: {ModeUndefined},
}

func ValidateModeTransition(from, to Mode) error {
	allowed, exists := validModeTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current mode: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid mode transition: %s -> %s", from, to)
}

type Status struct {
	Mode             Mode      `json:"mode"`
	Transitioning    bool      `json:"transitioning"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	LastModeChange   time.Time `json:"last_mode_change"`
	LastTransmission float64   `json:"last_transmission,omitempty"`
}
