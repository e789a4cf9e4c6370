package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cerebro-sh/cerebro/pkg/agent"
	"github.com/cerebro-sh/cerebro/pkg/brain"
	"github.com/cerebro-sh/cerebro/pkg/eventlog"
	"github.com/cerebro-sh/cerebro/pkg/models"
	"github.com/cerebro-sh/cerebro/pkg/projection"
)

// ErrNotSuspended is returned when a webhook delivery matches no pending
// registration of the run.
var ErrNotSuspended = errors.New("run has no matching pending webhook")

// Actor is the single execution authority for one run. All appends to the
// run's event log flow through it, which is what makes the exactly-once
// watcher handoff and the single-executor invariant enforceable: at most
// one generator goroutine exists per actor at any time.
type Actor struct {
	runID   string
	brain   *brain.Brain
	store   eventlog.Store
	log     eventlog.Log
	client  agent.LLMClient
	options map[string]any
	mailbox *Mailbox
	fan     *fanout
	logger  *slog.Logger

	// baseCtx bounds executor goroutines; cancelled on server shutdown.
	baseCtx context.Context

	mu         sync.Mutex
	machine    *projection.Machine
	lastStatus models.RunStatus
	running    bool

	startsAt   int
	stopsAfter int
	onEvent    func(models.Event)
	onStatus   func(models.RunStatus, string)
}

// ActorConfig assembles an actor.
type ActorConfig struct {
	RunID   string
	Brain   *brain.Brain
	Store   eventlog.Store
	Client  agent.LLMClient
	Options map[string]any
	BaseCtx context.Context

	// Rerun bounds; zero values run the whole block list.
	StartsAt   int
	StopsAfter int

	// OnEvent, when set, observes every appended event after fan-out.
	// The manager uses it for the all-runs feed.
	OnEvent func(models.Event)

	// OnStatus, when set, observes header status transitions with the
	// terminal error message, if any. Called with the actor's lock held;
	// implementations must not call back into the actor.
	OnStatus func(models.RunStatus, string)
}

// NewActor creates an actor for an existing run header. The machine starts
// empty; Rehydrate folds persisted history in before any executor starts.
func NewActor(cfg ActorConfig) *Actor {
	base := cfg.BaseCtx
	if base == nil {
		base = context.Background()
	}
	return &Actor{
		runID:      cfg.RunID,
		brain:      cfg.Brain,
		store:      cfg.Store,
		log:        cfg.Store.Log(cfg.RunID),
		client:     cfg.Client,
		options:    cfg.Options,
		mailbox:    NewMailbox(),
		fan:        newFanout(),
		logger:     slog.Default().With("component", "run-actor", "run_id", cfg.RunID),
		baseCtx:    base,
		machine:    projection.NewMachine(),
		lastStatus: models.RunStatusPending,
		startsAt:   cfg.StartsAt,
		stopsAfter: cfg.StopsAfter,
		onEvent:    cfg.OnEvent,
		onStatus:   cfg.OnStatus,
	}
}

// Rehydrate folds the persisted log into the actor's projection. Called for
// actors reattached to pre-existing runs (after a restart).
func (a *Actor) Rehydrate(ctx context.Context) error {
	events, err := a.log.Scan(ctx, 0)
	if err != nil {
		return fmt.Errorf("scanning run history: %w", err)
	}
	m, err := projection.Project(events)
	if err != nil {
		return fmt.Errorf("projecting run history: %w", err)
	}
	a.mu.Lock()
	a.machine = m
	a.lastStatus = m.Status()
	a.mu.Unlock()
	return nil
}

// Start launches the initial executor for a freshly created run.
func (a *Actor) Start(initialState json.RawMessage) error {
	return a.launch(func(ctx context.Context) (Outcome, error) {
		out, _, err := Execute(ctx, &Input{
			RunID:        a.runID,
			Brain:        a.brain,
			Options:      a.options,
			InitialState: initialState,
			StartsAt:     a.startsAt,
			StopsAfter:   a.stopsAfter,
			Signals:      a.mailbox,
			Client:       a.client,
			Emit:         a.emit,
		})
		return out, err
	})
}

// Resume launches an executor that re-enters the run from its persisted
// position. No-op result when the run is already terminal.
func (a *Actor) Resume() error {
	return a.launch(func(ctx context.Context) (Outcome, error) {
		events, err := a.log.Scan(ctx, 0)
		if err != nil {
			return OutcomeDone, fmt.Errorf("scanning run history: %w", err)
		}
		rc, err := Reconstruct(events)
		if err != nil {
			return OutcomeDone, fmt.Errorf("reconstructing resume position: %w", err)
		}
		if rc == nil {
			return OutcomeDone, nil
		}
		out, _, err := Execute(ctx, &Input{
			RunID:      a.runID,
			Brain:      a.brain,
			Options:    a.options,
			Resume:     rc,
			StopsAfter: a.stopsAfter,
			Signals:    a.mailbox,
			Client:     a.client,
			Emit:       a.emit,
		})
		return out, err
	})
}

// launch starts the executor goroutine, enforcing at most one per actor.
func (a *Actor) launch(exec func(ctx context.Context) (Outcome, error)) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("run %s already has an executor", a.runID)
	}
	if a.lastStatus.IsTerminal() {
		a.mu.Unlock()
		return eventlog.ErrRunTerminal
	}
	a.running = true
	a.mu.Unlock()

	go func() {
		out, err := exec(a.baseCtx)

		a.mu.Lock()
		a.running = false
		terminal := a.lastStatus.IsTerminal()
		a.mu.Unlock()

		if err != nil {
			a.logger.Error("Executor finished with error", "error", err)
		}
		if terminal {
			a.fan.closeAll()
			return
		}

		// Signals that raced the executor's exit saw a live executor and
		// were only enqueued; honor them now that nothing will drain them.
		if sig := a.mailbox.TakeControl(); sig != nil && sig.Type == models.SignalKill {
			if err := a.Kill(); err != nil {
				a.logger.Error("Killing after raced signal failed", "error", err)
			}
			return
		}
		switch {
		case out == OutcomePaused:
			// A batch chunk pause leaves no PAUSED event; the header still
			// has to reflect the stopped executor.
			a.setStatus(models.RunStatusPaused, "")
		case out == OutcomeSuspended && a.mailbox.HasWebhookResponse():
			if err := a.Resume(); err != nil {
				a.logger.Error("Resuming after raced webhook delivery failed", "error", err)
			}
		}
	}()
	return nil
}

// emit appends one event, advances the projection, reflects status changes
// onto the run header, and fans out to watchers. Append and fan-out happen
// under one lock so Watch's history-then-live handoff never drops or
// duplicates an event.
func (a *Actor) emit(ev *models.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.log.Append(a.baseCtx, ev); err != nil {
		return fmt.Errorf("appending %s event: %w", ev.Type, err)
	}
	if err := a.machine.Apply(ev); err != nil {
		// The log accepted it; the projection disagreeing is a bug worth
		// surfacing loudly but not worth killing the run over.
		a.logger.Error("Projection rejected appended event", "type", ev.Type, "seq", ev.Seq, "error", err)
	}

	if status := a.machine.Status(); status != a.lastStatus {
		a.applyStatusLocked(status)
	}
	a.fan.broadcast(*ev)
	if a.onEvent != nil {
		a.onEvent(*ev)
	}
	return nil
}

// applyStatusLocked persists a header status transition. Caller holds mu.
func (a *Actor) applyStatusLocked(status models.RunStatus) {
	var startedAt, completedAt *time.Time
	now := time.Now().UTC()
	if a.lastStatus == models.RunStatusPending && status == models.RunStatusRunning {
		startedAt = &now
	}
	if status.IsTerminal() {
		completedAt = &now
	}
	errMsg := ""
	if status == models.RunStatusError && a.machine.Error != nil {
		errMsg = a.machine.Error.Message
	}
	if err := a.store.UpdateRunStatus(a.baseCtx, a.runID, status, errMsg, startedAt, completedAt); err != nil {
		a.logger.Error("Updating run header failed", "status", status, "error", err)
	}
	a.lastStatus = status
	if a.onStatus != nil {
		a.onStatus(status, errMsg)
	}
}

// setStatus persists a header transition outside the emit path.
func (a *Actor) setStatus(status models.RunStatus, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastStatus == status || a.lastStatus.IsTerminal() {
		return
	}
	if err := a.store.UpdateRunStatus(a.baseCtx, a.runID, status, errMsg, nil, nil); err != nil {
		a.logger.Error("Updating run header failed", "status", status, "error", err)
	}
	a.lastStatus = status
	if a.onStatus != nil {
		a.onStatus(status, errMsg)
	}
}

// Watch returns the full history so far plus a live channel attached under
// the append lock: every event is delivered exactly once, in order. The
// caller must invoke cancel when done.
func (a *Actor) Watch(ctx context.Context) ([]models.Event, <-chan models.Event, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	history, err := a.log.Scan(ctx, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	if a.lastStatus.IsTerminal() {
		closed := make(chan models.Event)
		close(closed)
		return history, closed, func() {}, nil
	}
	ch, cancel := a.fan.subscribe()
	return history, ch, cancel, nil
}

// Kill cancels the run. Idempotent: a terminal run is left as is. When no
// executor is live (the run is waiting or paused) the CANCELLED event is
// appended directly; otherwise the executor observes the signal at its next
// suspension point.
func (a *Actor) Kill() error {
	a.mu.Lock()
	if a.lastStatus.IsTerminal() {
		a.mu.Unlock()
		return nil
	}
	if a.running {
		a.mu.Unlock()
		a.mailbox.Put(models.Signal{Type: models.SignalKill})
		return nil
	}
	a.mu.Unlock()

	if err := a.emit(&models.Event{Type: models.EventCancelled}); err != nil {
		if errors.Is(err, eventlog.ErrRunTerminal) {
			return nil
		}
		return err
	}
	a.fan.closeAll()
	return nil
}

// Pause requests a pause at the next suspension point. No-op for runs
// without a live executor.
func (a *Actor) Pause() {
	a.mailbox.Put(models.Signal{Type: models.SignalPause})
}

// SendUserMessage buffers a user message for the next agent iteration.
func (a *Actor) SendUserMessage(content string) {
	a.mailbox.Put(models.Signal{Type: models.SignalUserMessage, Content: content})
}

// DeliverWebhook routes an inbound submission to the run. The delivery must
// match a pending registration on all of slug, identifier, and token;
// otherwise ErrNotSuspended. A match enqueues the response and resumes the
// executor. A KILL racing the delivery wins: launch refuses terminal runs.
func (a *Actor) DeliverWebhook(d models.WebhookDelivery) error {
	a.mu.Lock()
	matched := false
	for _, reg := range a.machine.PendingWebhooks {
		if reg.Matches(d.Slug, d.Identifier, d.Token) {
			matched = true
			break
		}
	}
	running := a.running
	a.mu.Unlock()

	if !matched {
		return ErrNotSuspended
	}
	a.mailbox.Put(models.Signal{Type: models.SignalWebhookResponse, Webhook: &d})
	if running {
		return nil
	}
	err := a.Resume()
	if errors.Is(err, eventlog.ErrRunTerminal) {
		return ErrNotSuspended
	}
	return err
}

// Status returns the projected run status.
func (a *Actor) Status() models.RunStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStatus
}

// Snapshot returns a copy of the current projection for summary endpoints.
func (a *Actor) Snapshot(ctx context.Context) (*projection.Machine, error) {
	events, err := a.log.Scan(ctx, 0)
	if err != nil {
		return nil, err
	}
	return projection.Project(events)
}
