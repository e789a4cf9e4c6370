package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/cerebro-sh/cerebro/pkg/agent"
	"github.com/cerebro-sh/cerebro/pkg/brain"
	"github.com/cerebro-sh/cerebro/pkg/models"
	"github.com/cerebro-sh/cerebro/pkg/statejson"
)

// Outcome classifies how one generator pass over the block list ended.
type Outcome string

// Generator outcomes. OutcomeSuspended means a webhook was registered and
// the run waits for delivery; the other non-done outcomes mirror the control
// signals that produced them.
const (
	OutcomeDone      Outcome = "done"
	OutcomeSuspended Outcome = "suspended"
	OutcomePaused    Outcome = "paused"
	OutcomeCancelled Outcome = "cancelled"
)

// outcomeHalted is internal to dispatch: a false guard already emitted the
// COMPLETE for this level.
const outcomeHalted Outcome = "halted"

// EmitFunc delivers one event to the run's log and fan-out.
type EmitFunc func(ev *models.Event) error

// SignalSource is the full mailbox view the generator consumes: the agent
// slice plus webhook responses taken at resume time.
type SignalSource interface {
	agent.Signals
	TakeWebhookResponse() *models.Signal
}

// Input configures one generator pass. StartsAt and StopsAfter implement
// partial reruns: blocks before StartsAt are skipped (their effect is
// expected to be in InitialState) and a non-zero StopsAfter completes the
// run after that many blocks.
type Input struct {
	RunID        string
	Brain        *brain.Brain
	Options      map[string]any
	InitialState json.RawMessage
	Resume       *ResumeContext
	StartsAt     int
	StopsAfter   int
	Signals      SignalSource
	Client       agent.LLMClient
	Emit         EmitFunc
	ParentStepID string
	Depth        int
}

// generator drives one brain's block list, emitting the event stream as a
// side effect of execution. One instance exists per brain level; nested
// brains recurse through Execute with Depth+1.
type generator struct {
	in       *Input
	steps    []models.StepInfo
	state    json.RawMessage
	response json.RawMessage
	tokens   int
	log      *slog.Logger
}

// Execute runs the brain until completion, suspension, a control signal, or
// an error. The returned state is the folded brain state at exit; on
// OutcomeDone it is the brain's final state, which nested callers reduce
// into their own.
func Execute(ctx context.Context, in *Input) (Outcome, json.RawMessage, error) {
	g := &generator{
		in:  in,
		log: slog.Default().With("component", "generator", "run_id", in.RunID, "brain", in.Brain.Name, "depth", in.Depth),
	}

	start := in.StartsAt
	if in.Resume == nil {
		g.state = statejson.Normalize(in.InitialState)
		g.steps = in.Brain.PendingSteps()
		for i := 0; i < start && i < len(g.steps); i++ {
			g.steps[i].Status = models.StepStatusComplete
		}
		if err := g.emit(&models.Event{
			Type:             models.EventStart,
			Options:          in.Options,
			BrainTitle:       in.Brain.Title,
			BrainDescription: in.Brain.Description,
			ParentStepID:     in.ParentStepID,
			InitialState:     g.state,
		}); err != nil {
			return OutcomeDone, nil, err
		}
		if err := g.emitStepStatus(); err != nil {
			return OutcomeDone, nil, err
		}
	} else {
		rc := in.Resume
		g.state = statejson.Normalize(rc.State)
		g.response = rc.WebhookResponse
		g.tokens = rc.TotalTokens
		start = rc.StepIndex
		g.steps = in.Brain.PendingSteps()
		for i := 0; i < start && i < len(g.steps); i++ {
			g.steps[i].Status = models.StepStatusComplete
		}
		if in.Depth == 0 {
			if err := g.announceResume(rc); err != nil {
				return OutcomeDone, nil, err
			}
		}
	}

	return g.dispatch(ctx, start)
}

// announceResume injects a delivered webhook response into the deepest
// suspended level and emits the matching lifecycle event. With no response
// pending this is a plain executor restart, announced as RESUMED.
func (g *generator) announceResume(rc *ResumeContext) error {
	deepest := rc.deepest()
	if sig := g.in.Signals.TakeWebhookResponse(); sig != nil && sig.Webhook != nil {
		if deepest.Agent != nil {
			deepest.Agent.WebhookResponse = sig.Webhook.Response
		} else {
			deepest.WebhookResponse = sig.Webhook.Response
		}
	}
	if deepest == rc {
		g.response = deepest.WebhookResponse
	}

	switch {
	case deepest.Agent != nil && deepest.Agent.WebhookResponse != nil:
		// The agent loop emits WEBHOOK_RESPONSE itself when it resolves
		// the pending tool call.
		return nil
	case deepest.WebhookResponse != nil:
		return g.emit(&models.Event{
			Type:     models.EventWebhookResponse,
			Response: deepest.WebhookResponse,
		})
	default:
		return g.emit(&models.Event{Type: models.EventResumed, BrainTitle: g.in.Brain.Title})
	}
}

// dispatch walks the block list from start, observing control signals
// before each block.
func (g *generator) dispatch(ctx context.Context, start int) (Outcome, json.RawMessage, error) {
	blocks := g.in.Brain.Blocks
	for i := start; i < len(blocks); i++ {
		if g.in.StopsAfter > 0 && i >= g.in.StopsAfter {
			break
		}

		if sig := g.in.Signals.TakeControl(); sig != nil {
			switch sig.Type {
			case models.SignalKill:
				if err := g.emit(&models.Event{Type: models.EventCancelled}); err != nil {
					return OutcomeDone, nil, err
				}
				return OutcomeCancelled, g.state, nil
			case models.SignalPause:
				if err := g.emit(&models.Event{Type: models.EventPaused}); err != nil {
					return OutcomeDone, nil, err
				}
				return OutcomePaused, g.state, nil
			}
		}

		out, err := g.runBlock(ctx, i, &blocks[i])
		if err != nil {
			// Shutdown cancellation is not a run failure: no ERROR event, the
			// header stays RUNNING and the run is recovered on the next start.
			if ctx.Err() != nil {
				return OutcomeDone, nil, err
			}
			return OutcomeDone, nil, g.fail(i, err)
		}
		if out == outcomeHalted {
			return OutcomeDone, g.state, nil
		}
		if out != OutcomeDone {
			return out, g.state, nil
		}
		g.response = nil
	}

	if err := g.emit(&models.Event{Type: models.EventComplete, BrainTitle: g.in.Brain.Title}); err != nil {
		return OutcomeDone, nil, err
	}
	return OutcomeDone, g.state, nil
}

// runBlock executes one block. OutcomeDone means the block completed and
// execution proceeds; any other outcome ends this pass.
func (g *generator) runBlock(ctx context.Context, i int, blk *brain.Block) (Outcome, error) {
	if err := g.startStep(i, blk); err != nil {
		return OutcomeDone, err
	}

	switch blk.Kind {
	case brain.BlockStep:
		return g.runStep(ctx, i, blk)
	case brain.BlockGuard:
		return g.runGuard(i, blk)
	case brain.BlockAgent:
		return g.runAgent(ctx, i, blk)
	case brain.BlockBatch:
		return g.runBatch(ctx, i, blk)
	case brain.BlockBrain:
		return g.runInner(ctx, i, blk)
	case brain.BlockWait:
		return g.runWait(ctx, i, blk)
	case brain.BlockUI:
		return g.runUI(i, blk)
	default:
		return OutcomeDone, fmt.Errorf("block %q has unknown kind %q", blk.ID, blk.Kind)
	}
}

// runStep executes a deterministic step with one retry on failure.
func (g *generator) runStep(ctx context.Context, i int, blk *brain.Block) (Outcome, error) {
	sc := g.stepContext()
	next, err := safeStep(ctx, blk.Step, sc)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeDone, err
		}
		if retryErr := g.emit(&models.Event{
			Type:   models.EventStepRetry,
			StepID: blk.ID,
			Error:  errorInfo(err),
		}); retryErr != nil {
			return OutcomeDone, retryErr
		}
		g.log.Warn("Step failed, retrying once", "step_id", blk.ID, "error", err)
		next, err = safeStep(ctx, blk.Step, sc)
		if err != nil {
			return OutcomeDone, err
		}
	}
	return OutcomeDone, g.completeStep(i, blk, next)
}

// runGuard halts all remaining blocks when the condition is false.
func (g *generator) runGuard(i int, blk *brain.Block) (Outcome, error) {
	ok, err := blk.Guard(g.state, g.in.Options)
	if err != nil {
		return OutcomeDone, err
	}
	if err := g.completeStep(i, blk, g.state); err != nil {
		return OutcomeDone, err
	}
	if ok {
		return OutcomeDone, nil
	}
	for j := i + 1; j < len(g.steps); j++ {
		g.steps[j].Status = models.StepStatusHalted
	}
	if err := g.emitStepStatus(); err != nil {
		return OutcomeDone, err
	}
	if err := g.emit(&models.Event{Type: models.EventComplete, BrainTitle: g.in.Brain.Title}); err != nil {
		return OutcomeDone, err
	}
	return outcomeHalted, nil
}

// runAgent delegates to the agent loop, resuming a preserved context when
// this block is the resume target.
func (g *generator) runAgent(ctx context.Context, i int, blk *brain.Block) (Outcome, error) {
	cfg, err := blk.Agent(g.state, g.in.Options)
	if err != nil {
		return OutcomeDone, err
	}

	params := &agent.Params{
		StepID:     blk.ID,
		StepTitle:  blk.Title,
		Config:     cfg,
		Client:     g.in.Client,
		Emit:       g.emit,
		Signals:    g.in.Signals,
		State:      g.state,
		BaseTokens: g.tokens,
	}
	if rc := g.in.Resume; rc != nil && rc.Agent != nil && rc.Agent.StepID == blk.ID {
		params.Resume = rc.Agent
		rc.Agent = nil
	}

	res, err := agent.Run(ctx, params)
	if err != nil {
		return OutcomeDone, err
	}
	switch res.Outcome {
	case agent.OutcomeComplete:
		return OutcomeDone, g.completeStep(i, blk, res.State)
	case agent.OutcomeCancelled:
		return OutcomeCancelled, nil
	case agent.OutcomePaused:
		return OutcomePaused, nil
	case agent.OutcomeWaiting:
		return OutcomeSuspended, nil
	}
	return OutcomeDone, fmt.Errorf("agent loop returned unknown outcome %q", res.Outcome)
}

// runBatch processes state-derived items chunk by chunk. Chunk boundaries
// are suspension points: progress is persisted per chunk, a PAUSE exits
// without further events (BATCH_CHUNK_COMPLETE already marks the position),
// and a KILL cancels the run.
func (g *generator) runBatch(ctx context.Context, i int, blk *brain.Block) (Outcome, error) {
	spec := blk.Batch
	items, err := spec.Items(g.state)
	if err != nil {
		return OutcomeDone, err
	}
	chunkSize := spec.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1
	}

	processed := 0
	var results []json.RawMessage
	if rc := g.in.Resume; rc != nil && rc.Batch != nil && rc.StepIndex == i {
		processed = rc.Batch.ProcessedCount
		results = rc.Batch.Results
		rc.Batch = nil
	}

	for processed < len(items) {
		if sig := g.in.Signals.TakeControl(); sig != nil {
			switch sig.Type {
			case models.SignalKill:
				if err := g.emit(&models.Event{Type: models.EventCancelled}); err != nil {
					return OutcomeDone, err
				}
				return OutcomeCancelled, nil
			case models.SignalPause:
				return OutcomePaused, nil
			}
		}

		end := processed + chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk, err := g.processChunk(ctx, spec, items[processed:end])
		if err != nil {
			return OutcomeDone, err
		}
		results = append(results, chunk...)
		processed = end
		if err := g.emit(&models.Event{
			Type:           models.EventBatchChunkComplete,
			StepID:         blk.ID,
			ProcessedCount: processed,
			ChunkResults:   chunk,
		}); err != nil {
			return OutcomeDone, err
		}
	}

	next, err := spec.Reduce(g.state, results)
	if err != nil {
		return OutcomeDone, err
	}
	return OutcomeDone, g.completeStep(i, blk, next)
}

// processChunk runs one chunk's items concurrently, preserving item order
// in the result slice.
func (g *generator) processChunk(ctx context.Context, spec *brain.BatchSpec, items []json.RawMessage) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for idx, item := range items {
		wg.Add(1)
		go func(idx int, item json.RawMessage) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[idx] = fmt.Errorf("batch item panicked: %v", r)
				}
			}()
			results[idx], errs[idx] = spec.Process(ctx, item, g.in.Client)
		}(idx, item)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// runInner recurses into a nested brain, sharing the run id, log, and
// mailbox. The inner brain emits its own lifecycle events; this level only
// records the surrounding step.
func (g *generator) runInner(ctx context.Context, i int, blk *brain.Block) (Outcome, error) {
	spec := blk.Inner

	var innerResume *ResumeContext
	if rc := g.in.Resume; rc != nil && rc.Inner != nil && rc.StepIndex == i {
		innerResume = rc.Inner
		rc.Inner = nil
	}

	var initial json.RawMessage
	if innerResume == nil {
		var err error
		initial, err = spec.InitialState(g.state, g.in.Options)
		if err != nil {
			return OutcomeDone, err
		}
	}

	out, innerState, err := Execute(ctx, &Input{
		RunID:        g.in.RunID,
		Brain:        spec.Brain,
		Options:      g.in.Options,
		InitialState: initial,
		Resume:       innerResume,
		Signals:      g.in.Signals,
		Client:       g.in.Client,
		Emit:         g.in.Emit,
		ParentStepID: blk.ID,
		Depth:        g.in.Depth + 1,
	})
	if err != nil {
		return OutcomeDone, err
	}
	if out != OutcomeDone {
		return out, nil
	}

	next, err := spec.Reduce(g.state, innerState)
	if err != nil {
		return OutcomeDone, err
	}
	return OutcomeDone, g.completeStep(i, blk, next)
}

// runWait performs the block's side effect and suspends on the returned
// registrations. The block completes before suspension so the resumed run
// continues at the following block, with the webhook payload as its
// response.
func (g *generator) runWait(ctx context.Context, i int, blk *brain.Block) (Outcome, error) {
	regs, err := blk.Wait(ctx, g.stepContext())
	if err != nil {
		return OutcomeDone, err
	}
	if len(regs) == 0 {
		return OutcomeDone, fmt.Errorf("wait block %q registered no webhooks", blk.ID)
	}
	for idx := range regs {
		if regs[idx].Token == "" {
			regs[idx].Token = uuid.NewString()
		}
	}
	if err := g.completeStep(i, blk, g.state); err != nil {
		return OutcomeDone, err
	}
	if err := g.emit(&models.Event{
		Type:    models.EventWebhook,
		StepID:  blk.ID,
		WaitFor: regs,
	}); err != nil {
		return OutcomeDone, err
	}
	return OutcomeSuspended, nil
}

// runUI renders a page into the state and suspends on the built-in ui-form
// webhook. The page lands under the "page" key so it survives the restart
// and is offered to the next step.
func (g *generator) runUI(i int, blk *brain.Block) (Outcome, error) {
	page, err := blk.UI.Render(g.state)
	if err != nil {
		return OutcomeDone, err
	}
	wrapped, err := statejson.Namespace("page", page)
	if err != nil {
		return OutcomeDone, err
	}
	next, err := statejson.Merge(g.state, wrapped)
	if err != nil {
		return OutcomeDone, err
	}
	if err := g.completeStep(i, blk, next); err != nil {
		return OutcomeDone, err
	}
	if err := g.emit(&models.Event{
		Type:   models.EventWebhook,
		StepID: blk.ID,
		WaitFor: []models.WebhookRegistration{{
			Slug:       brain.UIWebhookSlug,
			Identifier: blk.ID,
			Token:      uuid.NewString(),
		}},
	}); err != nil {
		return OutcomeDone, err
	}
	return OutcomeSuspended, nil
}

// startStep announces a block as RUNNING.
func (g *generator) startStep(i int, blk *brain.Block) error {
	g.steps[i].Status = models.StepStatusRunning
	if err := g.emit(&models.Event{
		Type:      models.EventStepStart,
		StepID:    blk.ID,
		StepTitle: blk.Title,
	}); err != nil {
		return err
	}
	return g.emitStepStatus()
}

// completeStep records the block's state delta and the updated snapshot.
func (g *generator) completeStep(i int, blk *brain.Block, next json.RawMessage) error {
	next = statejson.Normalize(next)
	patch, err := statejson.Compute(g.state, next)
	if err != nil {
		return err
	}
	g.steps[i].Status = models.StepStatusComplete
	g.steps[i].Patch = patch
	if err := g.emit(&models.Event{
		Type:   models.EventStepComplete,
		StepID: blk.ID,
		Patch:  patch,
	}); err != nil {
		return err
	}
	if err := g.emitStepStatus(); err != nil {
		return err
	}
	g.state = next
	return nil
}

// fail ends this level with an ERROR event. At the root the final step
// snapshot follows, marking the failed block; a nested failure leaves the
// snapshot to the parent level, whose own ERROR surfaces the cause.
func (g *generator) fail(i int, cause error) error {
	g.log.Error("Run failed", "step_id", g.steps[i].ID, "error", cause)
	if err := g.emit(&models.Event{
		Type:  models.EventError,
		Error: errorInfo(cause),
	}); err != nil {
		return err
	}
	if g.in.Depth == 0 {
		g.steps[i].Status = models.StepStatusError
		if err := g.emitStepStatus(); err != nil {
			return err
		}
	}
	return cause
}

func (g *generator) stepContext() *brain.StepContext {
	return &brain.StepContext{
		State:    g.state,
		Options:  g.in.Options,
		Response: g.response,
		Page:     pageFromState(g.state),
		Client:   g.in.Client,
	}
}

func (g *generator) emitStepStatus() error {
	return g.emit(&models.Event{
		Type:  models.EventStepStatus,
		Steps: models.CloneSteps(g.steps),
	})
}

func (g *generator) emit(ev *models.Event) error {
	return g.in.Emit(ev)
}

// safeStep invokes a step function, converting panics into errors so a
// misbehaving step fails its run instead of the executor.
func safeStep(ctx context.Context, fn brain.StepFunc, sc *brain.StepContext) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, sc)
}

// pageFromState extracts the page a preceding UI block stored in the state.
func pageFromState(state json.RawMessage) json.RawMessage {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(statejson.Normalize(state), &doc); err != nil {
		return nil
	}
	return doc["page"]
}

func errorInfo(err error) *models.ErrorInfo {
	return &models.ErrorInfo{Name: "Error", Message: err.Error()}
}
