package transmission

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
)

// Device names used in results, logs and metrics.
const (
	DeviceFilterBank = "filter_bank"
	DeviceAbsorber   = "absorber_wheel"
)

// Result describes a transmission change.
type Result struct {
	Device    string  `json:"device"`
	Target    float64 `json:"target"`
	Achieved  float64 `json:"achieved"`
	Deviation float64 `json:"deviation"`
	Tolerance float64 `json:"tolerance"`
	Retries   int     `json:"retries"`
	EnergyKeV float64 `json:"energy_kev"`

	// Filter bank configuration.
	NAl int `json:"n_al"`
	NNb int `json:"n_nb"`

	// Absorber slot, -1 for the filter bank.
	Slot int `json:"slot"`

	Elapsed time.Duration `json:"elapsed"`
}

// Observer is notified after every transmission change.
type Observer interface {
	ObserveTransmission(res Result, err error)
}

func relativeDeviation(achieved, target float64) float64 {
	return math.Abs(achieved-target) / target
}

// finishRun closes run with the outcome of a change. A tolerance miss is
// a completed change and is recorded as success with its error message.
func finishRun(ctx context.Context, run *procedure.Run, res Result, err error) {
	status := procedure.StatusSuccess
	switch {
	case err == nil, errors.Is(err, ErrToleranceExceeded):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = procedure.StatusCancelled
	default:
		status = procedure.StatusFailed
	}
	run.Finish(ctx, status, res, err)
}
