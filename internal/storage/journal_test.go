package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestJournal connects to OBC_TEST_DATABASE_DSN and skips without it.
func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dsn := os.Getenv("OBC_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("OBC_TEST_DATABASE_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	client := &PostgresClient{pool: pool}
	t.Cleanup(client.Close)

	require.NoError(t, client.EnsureSchema(ctx))
	return NewJournal(client)
}

func TestJournalRecordsRun(t *testing.T) {
	require := require.New(t)
	journal := newTestJournal(t)
	ctx := context.Background()

	rec := procedure.NewRecorder(journal, nil, zap.NewNop())
	run := rec.Begin(ctx, procedure.KindEvacuate, "sample", map[string]any{"target": 0.7})
	run.Phase(ctx, "INTERLOCKING")
	run.Phase(ctx, "ROUGHING")
	run.Event(ctx, "pressure", map[string]any{"mbar": 420.0})
	run.Finish(ctx, procedure.StatusFailed, nil, errors.New("pump not enabled"))

	got, err := journal.GetRun(ctx, run.ID())
	require.NoError(err)
	require.Equal(procedure.KindEvacuate, got.Kind)
	require.Equal("sample", got.Subject)
	require.Equal(procedure.StatusFailed, got.Status)
	require.Equal("pump not enabled", got.Error)
	require.JSONEq(`{"target": 0.7}`, string(got.Input))
	require.NotNil(got.CompletedAt)

	phases, err := journal.RunPhases(ctx, run.ID())
	require.NoError(err)
	require.Len(phases, 2)
	require.Equal("INTERLOCKING", phases[0].Name)
	require.Equal(procedure.StatusSuccess, phases[0].Status)
	require.Equal(procedure.StatusFailed, phases[1].Status)

	events, err := journal.RunEvents(ctx, run.ID())
	require.NoError(err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	require.Contains(types, "pressure")

	runs, err := journal.ListRuns(ctx, procedure.KindEvacuate, 10)
	require.NoError(err)
	require.NotEmpty(runs)
}

func TestJournalUnknownRun(t *testing.T) {
	journal := newTestJournal(t)
	ctx := context.Background()

	_, err := journal.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, ErrRunNotFound)

	err = journal.UpdateRun(ctx, &procedure.RunRecord{ID: uuid.New(), Status: procedure.StatusSuccess})
	require.ErrorIs(t, err, ErrRunNotFound)
}
