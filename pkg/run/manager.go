package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cerebro-sh/cerebro/pkg/agent"
	"github.com/cerebro-sh/cerebro/pkg/brain"
	"github.com/cerebro-sh/cerebro/pkg/eventlog"
	"github.com/cerebro-sh/cerebro/pkg/models"
	"github.com/cerebro-sh/cerebro/pkg/notify"
	"github.com/cerebro-sh/cerebro/pkg/statejson"
)

// Run type values recorded on the header.
const (
	RunTypeBrain = "BRAIN"
	RunTypeRerun = "RERUN"
)

// Manager keys actors by run id and owns their shared dependencies. Actors
// for runs that predate the process (restart recovery, webhook deliveries
// to suspended runs) are rehydrated from the store on demand.
type Manager struct {
	store    eventlog.Store
	registry *brain.Registry
	client   agent.LLMClient
	baseCtx  context.Context
	global   *fanout
	logger   *slog.Logger
	notifier *notify.SlackService

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewManager creates a manager. baseCtx bounds all executor goroutines.
func NewManager(baseCtx context.Context, store eventlog.Store, registry *brain.Registry, client agent.LLMClient) *Manager {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Manager{
		store:    store,
		registry: registry,
		client:   client,
		baseCtx:  baseCtx,
		global:   newFanout(),
		logger:   slog.Default().With("component", "run-manager"),
		actors:   make(map[string]*Actor),
	}
}

// SetNotifier attaches the Slack service. The service is nil-safe, so a nil
// argument simply disables notifications.
func (m *Manager) SetNotifier(n *notify.SlackService) {
	m.notifier = n
}

// StartRun creates a run header and launches its actor.
func (m *Manager) StartRun(ctx context.Context, b *brain.Brain, options map[string]any) (*models.Run, error) {
	return m.startRun(ctx, b, options, RunTypeBrain, statejson.EmptyObject, 0, 0)
}

// StartPartial starts a fresh run bounded to a block window, with no
// inherited state. The rerun endpoint uses it when no source run is given.
func (m *Manager) StartPartial(ctx context.Context, b *brain.Brain, options map[string]any, startsAt, stopsAfter int) (*models.Run, error) {
	return m.startRun(ctx, b, options, RunTypeRerun, statejson.EmptyObject, startsAt, stopsAfter)
}

// Rerun starts a fresh run of a prior run's brain, seeding the initial
// state with the source run's folded state up to startsAt and bounding
// execution to blocks [startsAt, stopsAfter). stopsAfter zero means "to the
// end".
func (m *Manager) Rerun(ctx context.Context, sourceRunID string, startsAt, stopsAfter int) (*models.Run, error) {
	source, err := m.store.GetRun(ctx, sourceRunID)
	if err != nil {
		return nil, err
	}
	res := m.registry.Resolve(source.BrainName)
	if res.MatchType != brain.MatchUnique {
		return nil, fmt.Errorf("brain %q of run %s is no longer registered", source.BrainName, sourceRunID)
	}
	if startsAt < 0 || startsAt > len(res.Brain.Blocks) {
		return nil, fmt.Errorf("startsAt %d out of range for brain %q", startsAt, source.BrainName)
	}

	events, err := m.store.Log(sourceRunID).Scan(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("scanning source run: %w", err)
	}
	initial, err := foldInitialState(events, startsAt)
	if err != nil {
		return nil, fmt.Errorf("folding source state: %w", err)
	}
	return m.startRun(ctx, res.Brain, source.Options, RunTypeRerun, initial, startsAt, stopsAfter)
}

func (m *Manager) startRun(ctx context.Context, b *brain.Brain, options map[string]any, runType string, initial json.RawMessage, startsAt, stopsAfter int) (*models.Run, error) {
	header := &models.Run{
		BrainRunID:  uuid.NewString(),
		BrainName:   b.Name,
		BrainTitle:  b.Title,
		Description: b.Description,
		Type:        runType,
		Status:      models.RunStatusPending,
		Options:     options,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateRun(ctx, header); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	actor := NewActor(ActorConfig{
		RunID:      header.BrainRunID,
		Brain:      b,
		Store:      m.store,
		Client:     m.client,
		Options:    options,
		BaseCtx:    m.baseCtx,
		StartsAt:   startsAt,
		StopsAfter: stopsAfter,
		OnEvent:    m.observeEvent(header),
		OnStatus:   m.observeStatus(header),
	})
	m.mu.Lock()
	m.actors[header.BrainRunID] = actor
	m.mu.Unlock()

	if err := actor.Start(initial); err != nil {
		return nil, err
	}
	m.logger.Info("Run started", "run_id", header.BrainRunID, "brain", b.Name, "type", runType)
	return header, nil
}

// Attach returns the run's actor, rehydrating one from the store when the
// run predates this process. Works for terminal runs too, so history can be
// watched.
func (m *Manager) Attach(ctx context.Context, runID string) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if actor, ok := m.actors[runID]; ok {
		return actor, nil
	}

	header, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	res := m.registry.Resolve(header.BrainName)
	if res.MatchType != brain.MatchUnique {
		return nil, fmt.Errorf("brain %q of run %s is no longer registered", header.BrainName, runID)
	}
	actor := NewActor(ActorConfig{
		RunID:    runID,
		Brain:    res.Brain,
		Store:    m.store,
		Client:   m.client,
		Options:  header.Options,
		BaseCtx:  m.baseCtx,
		OnEvent:  m.observeEvent(header),
		OnStatus: m.observeStatus(header),
	})
	if err := actor.Rehydrate(ctx); err != nil {
		return nil, err
	}
	m.actors[runID] = actor
	return actor, nil
}

// Kill cancels a run. Unknown run ids yield eventlog.ErrRunNotFound.
func (m *Manager) Kill(ctx context.Context, runID string) error {
	actor, err := m.Attach(ctx, runID)
	if err != nil {
		return err
	}
	return actor.Kill()
}

// Pause requests a pause of a live run.
func (m *Manager) Pause(ctx context.Context, runID string) error {
	actor, err := m.Attach(ctx, runID)
	if err != nil {
		return err
	}
	actor.Pause()
	return nil
}

// SendUserMessage buffers a message for the run's next agent iteration.
func (m *Manager) SendUserMessage(ctx context.Context, runID, content string) error {
	actor, err := m.Attach(ctx, runID)
	if err != nil {
		return err
	}
	actor.SendUserMessage(content)
	return nil
}

// ResumeRun relaunches the executor of a paused run.
func (m *Manager) ResumeRun(ctx context.Context, runID string) error {
	actor, err := m.Attach(ctx, runID)
	if err != nil {
		return err
	}
	return actor.Resume()
}

// Watch attaches to a run's event stream: full history plus live channel.
func (m *Manager) Watch(ctx context.Context, runID string) ([]models.Event, <-chan models.Event, func(), error) {
	actor, err := m.Attach(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	return actor.Watch(ctx)
}

// WatchAll subscribes to every run's events, live only.
func (m *Manager) WatchAll() (<-chan models.Event, func()) {
	return m.global.subscribe()
}

// DeliverWebhook routes an inbound submission to the waiting run that
// registered it. In-memory actors are tried first; then runs the store
// reports as WAITING (suspended before this process started). Returns the
// resumed run id, or ErrNotSuspended when nothing matches.
func (m *Manager) DeliverWebhook(ctx context.Context, d models.WebhookDelivery) (string, error) {
	m.mu.Lock()
	candidates := make([]*Actor, 0, len(m.actors))
	seen := make(map[string]bool, len(m.actors))
	for id, actor := range m.actors {
		candidates = append(candidates, actor)
		seen[id] = true
	}
	m.mu.Unlock()

	for _, actor := range candidates {
		if err := actor.DeliverWebhook(d); err == nil {
			return actor.runID, nil
		} else if !errors.Is(err, ErrNotSuspended) {
			return "", err
		}
	}

	waiting, err := m.store.ListRuns(ctx, eventlog.ListFilter{Status: models.RunStatusWaiting})
	if err != nil {
		return "", fmt.Errorf("listing waiting runs: %w", err)
	}
	for _, header := range waiting {
		if seen[header.BrainRunID] {
			continue
		}
		actor, err := m.Attach(ctx, header.BrainRunID)
		if err != nil {
			m.logger.Warn("Skipping waiting run during webhook routing", "run_id", header.BrainRunID, "error", err)
			continue
		}
		if err := actor.DeliverWebhook(d); err == nil {
			return actor.runID, nil
		} else if !errors.Is(err, ErrNotSuspended) {
			return "", err
		}
	}
	return "", ErrNotSuspended
}

// RecoverInterrupted relaunches executors for runs the store reports as
// RUNNING: a previous process died mid-run. Called once at startup.
func (m *Manager) RecoverInterrupted(ctx context.Context) error {
	interrupted, err := m.store.ListRuns(ctx, eventlog.ListFilter{Status: models.RunStatusRunning})
	if err != nil {
		return fmt.Errorf("listing interrupted runs: %w", err)
	}
	for _, header := range interrupted {
		actor, err := m.Attach(ctx, header.BrainRunID)
		if err != nil {
			m.logger.Error("Cannot recover run", "run_id", header.BrainRunID, "error", err)
			continue
		}
		if err := actor.Resume(); err != nil {
			m.logger.Error("Cannot resume recovered run", "run_id", header.BrainRunID, "error", err)
			continue
		}
		m.logger.Info("Recovered interrupted run", "run_id", header.BrainRunID, "brain", header.BrainName)
	}
	return nil
}

// Shutdown closes the global feed. Executor goroutines stop at their next
// suspension point via the base context.
func (m *Manager) Shutdown() {
	m.global.closeAll()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, actor := range m.actors {
		actor.fan.closeAll()
	}
}

// observeEvent feeds the all-runs stream and posts awaiting-response
// notifications for webhook suspensions. Slack posts run in their own
// goroutine: the hook fires under the actor's append lock.
func (m *Manager) observeEvent(header *models.Run) func(models.Event) {
	return func(ev models.Event) {
		m.global.broadcast(ev)
		if m.notifier == nil {
			return
		}
		// Agent suspensions announce their registrations through the same
		// WEBHOOK event wait blocks emit, so this is the one notification
		// point for both.
		if ev.Type != models.EventWebhook {
			return
		}
		for _, reg := range ev.WaitFor {
			input := notify.ApprovalInput{
				RunID:      header.BrainRunID,
				BrainTitle: header.BrainTitle,
				StepTitle:  ev.StepTitle,
				Slug:       reg.Slug,
				Identifier: reg.Identifier,
			}
			go m.notifier.NotifyAwaitingResponse(m.baseCtx, input)
		}
	}
}

// observeStatus posts a completion notification when a run goes terminal.
func (m *Manager) observeStatus(header *models.Run) func(models.RunStatus, string) {
	return func(status models.RunStatus, errMsg string) {
		if m.notifier == nil || !status.IsTerminal() {
			return
		}
		input := notify.CompletedInput{
			RunID:      header.BrainRunID,
			BrainTitle: header.BrainTitle,
			Status:     string(status),
			Error:      errMsg,
		}
		go m.notifier.NotifyRunCompleted(m.baseCtx, input)
	}
}

// foldInitialState replays a source run's log and folds the first startsAt
// top-level step patches onto its initial state. Nested brain events are
// tracked only for depth so inner step patches are not double-counted.
func foldInitialState(events []models.Event, startsAt int) (json.RawMessage, error) {
	depth := 0
	state := statejson.EmptyObject
	folded := 0
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case models.EventStart:
			depth++
			if depth == 1 && len(ev.InitialState) > 0 {
				state = statejson.Normalize(ev.InitialState)
			}
		case models.EventRestart:
			if depth == 0 {
				depth = 1
			}
		case models.EventComplete, models.EventError:
			if depth > 1 {
				depth--
			}
		case models.EventStepComplete:
			if depth == 1 && folded < startsAt {
				next, err := statejson.Apply(state, ev.Patch)
				if err != nil {
					return nil, fmt.Errorf("folding step %s: %w", ev.StepID, err)
				}
				state = next
				folded++
			}
		}
	}
	return state, nil
}
