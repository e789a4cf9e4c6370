// Package eventlog persists run headers and per-run append-only event
// sequences. Two backends implement the same contracts: an in-memory store
// (default, used by unit tests) and a PostgreSQL store. Live fan-out is not
// the log's job; the run actor broadcasts after each successful append.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

// Sentinel errors shared by both backends.
var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTerminal is returned by Append once a run has reached a
	// terminal status. Terminal runs accept no further events.
	ErrRunTerminal = errors.New("run is terminal")

	// ErrRunExists is returned when creating a run whose id is taken.
	ErrRunExists = errors.New("run already exists")
)

// Log is one run's append-only ordered event sequence.
type Log interface {
	// Append atomically assigns the next seq, persists the event, and
	// returns the assigned seq. Fails with ErrRunTerminal if the run's
	// status is terminal.
	Append(ctx context.Context, ev *models.Event) (int64, error)

	// Scan returns all events with seq > fromSeq in order. fromSeq=0
	// yields the full history.
	Scan(ctx context.Context, fromSeq int64) ([]models.Event, error)

	// LastSeq returns the highest assigned seq (0 for an empty log).
	LastSeq(ctx context.Context) (int64, error)
}

// ListFilter narrows ListRuns results. Zero values mean "any".
type ListFilter struct {
	BrainName string
	Status    models.RunStatus
	Limit     int
}

// Store owns run headers and hands out per-run logs.
type Store interface {
	// CreateRun persists a new run header. Fails with ErrRunExists on
	// duplicate ids.
	CreateRun(ctx context.Context, run *models.Run) error

	// GetRun returns the run header or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*models.Run, error)

	// UpdateRunStatus transitions the header status and records optional
	// start/completion timestamps and a terminal error message.
	UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string, startedAt, completedAt *time.Time) error

	// ListRuns returns headers matching the filter, newest first.
	ListRuns(ctx context.Context, filter ListFilter) ([]*models.Run, error)

	// Log returns the event log for a run. The log may be empty; it is
	// valid for any run id the store knows about.
	Log(runID string) Log

	// Close releases backend resources.
	Close() error
}
