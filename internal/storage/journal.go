package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// Journal persists procedure runs. It implements procedure.Journal.
type Journal struct {
	client *PostgresClient
}

func NewJournal(client *PostgresClient) *Journal {
	return &Journal{client: client}
}

var _ procedure.Journal = (*Journal)(nil)

// nullJSON maps an empty document to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (j *Journal) CreateRun(ctx context.Context, run *procedure.RunRecord) error {
	_, err := j.client.pool.Exec(ctx, `
		INSERT INTO procedure_runs (id, kind, subject, status, input, output, error, current_phase, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.Kind, run.Subject, string(run.Status), nullJSON(run.Input), nullJSON(run.Output),
		run.Error, run.CurrentPhase, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (j *Journal) UpdateRun(ctx context.Context, run *procedure.RunRecord) error {
	tag, err := j.client.pool.Exec(ctx, `
		UPDATE procedure_runs
		SET status = $2, output = $3, error = $4, current_phase = $5, completed_at = $6
		WHERE id = $1
	`, run.ID, string(run.Status), nullJSON(run.Output), run.Error, run.CurrentPhase, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

func (j *Journal) CreatePhase(ctx context.Context, phase *procedure.PhaseRecord) error {
	_, err := j.client.pool.Exec(ctx, `
		INSERT INTO procedure_phases (id, run_id, idx, name, status, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, phase.ID, phase.RunID, phase.Index, phase.Name, string(phase.Status), phase.Error, phase.StartedAt, phase.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert phase: %w", err)
	}
	return nil
}

func (j *Journal) UpdatePhase(ctx context.Context, phase *procedure.PhaseRecord) error {
	_, err := j.client.pool.Exec(ctx, `
		UPDATE procedure_phases
		SET status = $2, error = $3, completed_at = $4
		WHERE id = $1
	`, phase.ID, string(phase.Status), phase.Error, phase.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update phase: %w", err)
	}
	return nil
}

func (j *Journal) CreateEvent(ctx context.Context, event *procedure.EventRecord) error {
	_, err := j.client.pool.Exec(ctx, `
		INSERT INTO procedure_events (id, run_id, type, payload, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.RunID, event.Type, nullJSON(event.Payload), event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

const runColumns = `id, kind, subject, status, input, output, error, current_phase, started_at, completed_at`

func scanRun(row pgx.Row) (*procedure.RunRecord, error) {
	var run procedure.RunRecord
	var status string
	var input, output []byte
	err := row.Scan(&run.ID, &run.Kind, &run.Subject, &status, &input, &output,
		&run.Error, &run.CurrentPhase, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	run.Status = procedure.Status(status)
	run.Input = input
	run.Output = output
	return &run, nil
}

// GetRun loads one run.
func (j *Journal) GetRun(ctx context.Context, id uuid.UUID) (*procedure.RunRecord, error) {
	run, err := scanRun(j.client.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM procedure_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first, optionally filtered by kind.
func (j *Journal) ListRuns(ctx context.Context, kind string, limit int) ([]*procedure.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.client.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM procedure_runs
		WHERE $1 = '' OR kind = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*procedure.RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunPhases returns the phases of a run in order.
func (j *Journal) RunPhases(ctx context.Context, runID uuid.UUID) ([]procedure.PhaseRecord, error) {
	rows, err := j.client.pool.Query(ctx, `
		SELECT id, run_id, idx, name, status, error, started_at, completed_at
		FROM procedure_phases
		WHERE run_id = $1
		ORDER BY idx
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load phases: %w", err)
	}
	defer rows.Close()

	phases := make([]procedure.PhaseRecord, 0)
	for rows.Next() {
		var p procedure.PhaseRecord
		var status string
		if err := rows.Scan(&p.ID, &p.RunID, &p.Index, &p.Name, &status, &p.Error, &p.StartedAt, &p.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		p.Status = procedure.Status(status)
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// RunEvents returns the events of a run in time order.
func (j *Journal) RunEvents(ctx context.Context, runID uuid.UUID) ([]procedure.EventRecord, error) {
	rows, err := j.client.pool.Query(ctx, `
		SELECT id, run_id, type, payload, ts
		FROM procedure_events
		WHERE run_id = $1
		ORDER BY ts
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	events := make([]procedure.EventRecord, 0)
	for rows.Next() {
		var e procedure.EventRecord
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}
