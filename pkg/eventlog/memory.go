package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

// MemoryStore is the in-memory Store backend. It is the default when no
// DATABASE_URL is configured, and the backend unit tests run against.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memoryRun
}

type memoryRun struct {
	mu     sync.RWMutex
	header models.Run
	events []models.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*memoryRun)}
}

// CreateRun persists a new run header.
func (s *MemoryStore) CreateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.BrainRunID]; ok {
		return ErrRunExists
	}
	s.runs[run.BrainRunID] = &memoryRun{header: *run}
	return nil
}

// GetRun returns a copy of the run header.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*models.Run, error) {
	r, err := s.run(runID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	header := r.header
	return &header, nil
}

// UpdateRunStatus transitions the header status.
func (s *MemoryStore) UpdateRunStatus(_ context.Context, runID string, status models.RunStatus, errMsg string, startedAt, completedAt *time.Time) error {
	r, err := s.run(runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.header.Status = status
	if errMsg != "" {
		r.header.Error = errMsg
	}
	if startedAt != nil {
		r.header.StartedAt = startedAt
	}
	if completedAt != nil {
		r.header.CompletedAt = completedAt
	}
	return nil
}

// ListRuns returns headers matching the filter, newest first.
func (s *MemoryStore) ListRuns(_ context.Context, filter ListFilter) ([]*models.Run, error) {
	s.mu.RLock()
	runs := make([]*memoryRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	out := make([]*models.Run, 0, len(runs))
	for _, r := range runs {
		r.mu.RLock()
		header := r.header
		r.mu.RUnlock()
		if filter.BrainName != "" && header.BrainName != filter.BrainName {
			continue
		}
		if filter.Status != "" && header.Status != filter.Status {
			continue
		}
		out = append(out, &header)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Log returns the event log for a run.
func (s *MemoryStore) Log(runID string) Log {
	return &memoryLog{store: s, runID: runID}
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) run(runID string) (*memoryRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

// memoryLog appends into the run's in-memory event slice.
type memoryLog struct {
	store *MemoryStore
	runID string
}

func (l *memoryLog) Append(_ context.Context, ev *models.Event) (int64, error) {
	r, err := l.store.run(l.runID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// ERROR still accepts the trailing STEP_STATUS snapshot.
	if r.header.Status.IsTerminal() &&
		!(r.header.Status == models.RunStatusError && ev.Type == models.EventStepStatus) {
		return 0, ErrRunTerminal
	}
	seq := int64(len(r.events)) + 1
	ev.RunID = l.runID
	ev.Seq = seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.events = append(r.events, *ev)
	r.header.LastSeq = seq
	return seq, nil
}

func (l *memoryLog) Scan(_ context.Context, fromSeq int64) ([]models.Event, error) {
	r, err := l.store.run(l.runID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Event, 0, len(r.events))
	for _, ev := range r.events {
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *memoryLog) LastSeq(_ context.Context) (int64, error) {
	r, err := l.store.run(l.runID)
	if err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.events)), nil
}
