package procedure

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder keeps track of running procedures, writes them to an optional
// Journal and publishes their events. Journal failures are logged and
// never abort a procedure.
type Recorder struct {
	journal  Journal
	streamer *EventStreamer
	logger   *zap.Logger

	runningMu sync.RWMutex
	running   map[uuid.UUID]*Run
}

func NewRecorder(journal Journal, streamer *EventStreamer, logger *zap.Logger) *Recorder {
	if streamer == nil {
		streamer = NewEventStreamer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		journal:  journal,
		streamer: streamer,
		logger:   logger,
		running:  make(map[uuid.UUID]*Run),
	}
}

func (r *Recorder) Streamer() *EventStreamer {
	return r.streamer
}

// Begin records a new run in state running. A nil Recorder returns a nil
// Run, whose methods are no-ops.
func (r *Recorder) Begin(ctx context.Context, kind, subject string, input any) *Run {
	if r == nil {
		return nil
	}

	run := &Run{
		rec: r,
		record: RunRecord{
			ID:        uuid.New(),
			Kind:      kind,
			Subject:   subject,
			Status:    StatusPending,
			Input:     marshal(input),
			StartedAt: time.Now(),
		},
	}

	ctx = context.WithoutCancel(ctx)
	if r.journal != nil {
		if err := r.journal.CreateRun(ctx, &run.record); err != nil {
			r.logger.Warn("Failed to create run record", zap.String("run_id", run.record.ID.String()), zap.Error(err))
		}
	}

	r.runningMu.Lock()
	r.running[run.record.ID] = run
	r.runningMu.Unlock()

	run.mu.Lock()
	run.record.Status = StatusRunning
	run.updateLocked(ctx)
	run.mu.Unlock()

	run.Event(ctx, "run.started", map[string]any{"kind": kind, "subject": subject})
	return run
}

// Running returns a snapshot of the runs not yet finished.
func (r *Recorder) Running() []RunRecord {
	r.runningMu.RLock()
	defer r.runningMu.RUnlock()

	out := make([]RunRecord, 0, len(r.running))
	for _, run := range r.running {
		out = append(out, run.Record())
	}
	return out
}

// Run is a procedure in progress.
type Run struct {
	rec *Recorder

	mu         sync.Mutex
	record     RunRecord
	phase      *PhaseRecord
	phaseIndex int
	finished   bool
}

func (run *Run) ID() uuid.UUID {
	if run == nil {
		return uuid.Nil
	}
	return run.record.ID
}

// Record returns a copy of the run record.
func (run *Run) Record() RunRecord {
	if run == nil {
		return RunRecord{}
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.record
}

// Phase closes the current phase successfully and opens the next one.
func (run *Run) Phase(ctx context.Context, name string) {
	if run == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	run.mu.Lock()
	if run.finished {
		run.mu.Unlock()
		return
	}
	run.closePhaseLocked(ctx, StatusSuccess, "")

	run.phase = &PhaseRecord{
		ID:        uuid.New(),
		RunID:     run.record.ID,
		Index:     run.phaseIndex,
		Name:      name,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	run.phaseIndex++
	run.record.CurrentPhase = name
	phase := *run.phase

	if j := run.rec.journal; j != nil {
		if err := j.CreatePhase(ctx, &phase); err != nil {
			run.rec.logger.Warn("Failed to create phase record", zap.String("run_id", run.record.ID.String()), zap.Error(err))
		}
	}
	run.updateLocked(ctx)
	run.mu.Unlock()

	run.Event(ctx, "phase.started", map[string]any{"phase_index": phase.Index, "phase": name})
}

// Event records and publishes a run event.
func (run *Run) Event(ctx context.Context, eventType string, payload map[string]any) {
	if run == nil {
		return
	}
	event := &EventRecord{
		ID:        uuid.New(),
		RunID:     run.record.ID,
		Type:      eventType,
		Payload:   marshal(payload),
		Timestamp: time.Now(),
	}
	if j := run.rec.journal; j != nil {
		if err := j.CreateEvent(context.WithoutCancel(ctx), event); err != nil {
			run.rec.logger.Warn("Failed to create event record", zap.String("run_id", event.RunID.String()), zap.Error(err))
		}
	}
	run.rec.streamer.Broadcast(event)
}

// Finish closes the run. Later calls are ignored.
func (run *Run) Finish(ctx context.Context, status Status, output any, runErr error) {
	if run == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	run.mu.Lock()
	if run.finished {
		run.mu.Unlock()
		return
	}
	run.finished = true

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	phaseStatus := status
	if phaseStatus == StatusPending || phaseStatus == StatusRunning {
		phaseStatus = StatusSuccess
	}
	run.closePhaseLocked(ctx, phaseStatus, errMsg)

	now := time.Now()
	run.record.Status = status
	run.record.CompletedAt = &now
	run.record.Output = marshal(output)
	run.record.Error = errMsg
	run.updateLocked(ctx)
	run.mu.Unlock()

	run.rec.runningMu.Lock()
	delete(run.rec.running, run.record.ID)
	run.rec.runningMu.Unlock()

	payload := map[string]any{"status": string(status)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	run.Event(ctx, "run."+string(status), payload)
}

func (run *Run) closePhaseLocked(ctx context.Context, status Status, errMsg string) {
	if run.phase == nil {
		return
	}
	now := time.Now()
	run.phase.Status = status
	run.phase.Error = errMsg
	run.phase.CompletedAt = &now
	if j := run.rec.journal; j != nil {
		if err := j.UpdatePhase(ctx, run.phase); err != nil {
			run.rec.logger.Warn("Failed to update phase record", zap.String("run_id", run.record.ID.String()), zap.Error(err))
		}
	}
	run.phase = nil
}

func (run *Run) updateLocked(ctx context.Context) {
	if j := run.rec.journal; j != nil {
		if err := j.UpdateRun(ctx, &run.record); err != nil {
			run.rec.logger.Warn("Failed to update run record", zap.String("run_id", run.record.ID.String()), zap.Error(err))
		}
	}
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"marshal_error": fmt.Sprint(err)})
	}
	return data
}
