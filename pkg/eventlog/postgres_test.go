package eventlog

import (
	"context"
	stdsql "database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cerebro-sh/cerebro/pkg/database"
	"github.com/cerebro-sh/cerebro/pkg/models"
)

var (
	pgConnStr string
	pgOnce    sync.Once
	pgErr     error
)

// setupPostgres returns a migrated store backed by a shared container, or an
// external database when CI_DATABASE_URL is set. Skips when Docker is
// unavailable.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgOnce.Do(func() {
			container, err := tcpostgres.Run(ctx,
				"postgres:17-alpine",
				tcpostgres.WithDatabase("test"),
				tcpostgres.WithUsername("test"),
				tcpostgres.WithPassword("test"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(30*time.Second)),
			)
			if err != nil {
				pgErr = err
				return
			}
			pgConnStr, pgErr = container.ConnectionString(ctx, "sslmode=disable")
		})
		if pgErr != nil {
			t.Skipf("PostgreSQL container unavailable: %v", pgErr)
		}
		connStr = pgConnStr
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "TRUNCATE run_events, runs")
		_ = db.Close()
	})
	return NewPostgresStore(db)
}

func TestPostgresStoreRunLifecycle(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	createTestRun(t, store, "pg-run-1")
	assert.ErrorIs(t, store.CreateRun(ctx, &models.Run{BrainRunID: "pg-run-1"}), ErrRunExists)

	run, err := store.GetRun(ctx, "pg-run-1")
	require.NoError(t, err)
	assert.Equal(t, "test-brain", run.BrainName)

	_, err = store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	now := time.Now().UTC()
	require.NoError(t, store.UpdateRunStatus(ctx, "pg-run-1", models.RunStatusRunning, "", &now, nil))
	run, err = store.GetRun(ctx, "pg-run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)
}

func TestPostgresStoreCreateRunTimestampPrecision(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	// timestamptz round-trips at microsecond precision; a fresh insert with
	// a nanosecond-resolution CreatedAt must not be mistaken for a duplicate.
	run := &models.Run{
		BrainRunID: "pg-precise-1",
		BrainName:  "test-brain",
		BrainTitle: "Test Brain",
		Status:     models.RunStatusPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond).Add(123 * time.Nanosecond),
	}
	require.NoError(t, store.CreateRun(ctx, run))
	assert.ErrorIs(t, store.CreateRun(ctx, run), ErrRunExists)
}

func TestPostgresLogAppendScan(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	createTestRun(t, store, "pg-run-2")
	log := store.Log("pg-run-2")

	seq, err := log.Append(ctx, &models.Event{Type: models.EventStart, BrainTitle: "Test Brain"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	seq, err = log.Append(ctx, &models.Event{
		Type:   models.EventStepComplete,
		StepID: "s1",
		Patch:  []byte(`[{"op":"add","path":"/a","value":1}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	events, err := log.Scan(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventStart, events[0].Type)
	assert.Equal(t, "s1", events[1].StepID)
	assert.JSONEq(t, `[{"op":"add","path":"/a","value":1}]`, string(events[1].Patch))

	events, err = log.Scan(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Seq)

	last, err := log.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestPostgresLogTerminalBehavior(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	createTestRun(t, store, "pg-run-3")
	log := store.Log("pg-run-3")
	_, err := log.Append(ctx, &models.Event{Type: models.EventStart})
	require.NoError(t, err)

	require.NoError(t, store.UpdateRunStatus(ctx, "pg-run-3", models.RunStatusError, "boom", nil, nil))

	_, err = log.Append(ctx, &models.Event{Type: models.EventStepStatus})
	assert.NoError(t, err, "ERROR accepts the trailing step snapshot")

	_, err = log.Append(ctx, &models.Event{Type: models.EventStepStart})
	assert.ErrorIs(t, err, ErrRunTerminal)
}

func TestPostgresStoreListRuns(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, spec := range []struct {
		id     string
		brain  string
		status models.RunStatus
	}{
		{"pg-list-1", "alpha", models.RunStatusRunning},
		{"pg-list-2", "alpha", models.RunStatusComplete},
		{"pg-list-3", "beta", models.RunStatusRunning},
	} {
		require.NoError(t, store.CreateRun(ctx, &models.Run{
			BrainRunID: spec.id,
			BrainName:  spec.brain,
			BrainTitle: spec.brain,
			Status:     spec.status,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	runs, err := store.ListRuns(ctx, ListFilter{BrainName: "alpha"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = store.ListRuns(ctx, ListFilter{Status: models.RunStatusRunning})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = store.ListRuns(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "pg-list-3", runs[0].BrainRunID)
}
