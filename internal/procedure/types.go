package procedure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Procedure kinds recorded by the beamline core.
const (
	KindEvacuate       = "vacuum.evacuate"
	KindVent           = "vacuum.vent"
	KindFilterBank     = "transmission.filter_bank"
	KindAbsorber       = "transmission.absorber"
	KindModeChange     = "beamline.mode"
	KindTopologyReport = "topology.report"
)

// RunRecord is one invocation of a procedure.
type RunRecord struct {
	ID           uuid.UUID       `json:"id"`
	Kind         string          `json:"kind"`
	Subject      string          `json:"subject"`
	Status       Status          `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	CurrentPhase string          `json:"current_phase,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// PhaseRecord is one step of a run.
type PhaseRecord struct {
	ID          uuid.UUID  `json:"id"`
	RunID       uuid.UUID  `json:"run_id"`
	Index       int        `json:"index"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EventRecord is a timestamped occurrence within a run.
type EventRecord struct {
	ID        uuid.UUID       `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Journal persists run records.
type Journal interface {
	CreateRun(ctx context.Context, run *RunRecord) error
	UpdateRun(ctx context.Context, run *RunRecord) error
	CreatePhase(ctx context.Context, phase *PhaseRecord) error
	UpdatePhase(ctx context.Context, phase *PhaseRecord) error
	CreateEvent(ctx context.Context, event *EventRecord) error
}
