package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cerebro-sh/cerebro/pkg/models"
	"github.com/cerebro-sh/cerebro/pkg/projection"
	"github.com/cerebro-sh/cerebro/pkg/statejson"
)

// DefaultMaxIterations bounds the loop when the step config does not.
const DefaultMaxIterations = 10

// defaultSystemPrompt reminds the model that it is headless: there is no
// human reading free-form text, so results must flow through tools.
const defaultSystemPrompt = `You are an autonomous agent running inside a workflow engine. ` +
	`No human reads your messages directly: to produce results or take actions you must use the provided tools. ` +
	`When the task is complete, call the "done" tool with the final result.`

// Outcome classifies how the loop ended.
type Outcome string

// Loop outcomes. OutcomeWaiting means a tool registered a webhook and the
// run must suspend; OutcomeComplete covers normal completion and the
// iteration/token limits (which are not errors).
const (
	OutcomeComplete  Outcome = "complete"
	OutcomeCancelled Outcome = "cancelled"
	OutcomePaused    Outcome = "paused"
	OutcomeWaiting   Outcome = "waiting"
)

// Result is the loop's terminal value.
type Result struct {
	Outcome Outcome
	// State is the brain state after any terminal-tool merge. Unchanged
	// from the entry state for limits and plain assistant completions.
	State json.RawMessage
}

// Params carries one agent execution. Resume is non-nil when the step is
// re-entered from a paused or webhook-suspended loop; its StepID overrides
// Params.StepID so resumed events group with the originals.
type Params struct {
	StepID    string
	StepTitle string
	Config    *Config
	Client    LLMClient
	Emit      EmitFunc
	Signals   Signals
	State     json.RawMessage
	// BaseTokens seeds the cumulative token counter on resume.
	BaseTokens int
	Resume     *projection.AgentContext
}

// loop is the mutable state of one agent execution.
type loop struct {
	p            *Params
	reg          *registry
	stepID       string
	stepTitle    string
	conversation []models.Message
	totalTokens  int
	state        json.RawMessage
	log          *slog.Logger
}

// Run executes the agent loop until a terminal tool, a limit, a final
// assistant message, a control signal, or a webhook suspension.
func Run(ctx context.Context, p *Params) (*Result, error) {
	reg, err := buildRegistry(p.Config)
	if err != nil {
		return nil, err
	}

	l := &loop{
		p:           p,
		reg:         reg,
		stepID:      p.StepID,
		stepTitle:   p.StepTitle,
		totalTokens: p.BaseTokens,
		state:       statejson.Normalize(p.State),
	}
	l.log = slog.Default().With("component", "agent-loop", "step_id", l.stepID)

	if p.Resume != nil {
		if err := l.resume(p.Resume); err != nil {
			return nil, err
		}
	} else {
		l.conversation = []models.Message{models.UserMessage(p.Config.Prompt)}
		if err := l.emit(&models.Event{
			Type:         models.EventAgentStart,
			StepID:       l.stepID,
			StepTitle:    l.stepTitle,
			Prompt:       p.Config.Prompt,
			SystemPrompt: p.Config.System,
		}); err != nil {
			return nil, err
		}
	}

	return l.run(ctx)
}

// resume rebuilds the conversation from a preserved agent context. For a
// webhook resume the pending tool call is resolved with the webhook
// response before iteration continues; for a pause resume nothing extra is
// emitted.
func (l *loop) resume(rc *projection.AgentContext) error {
	l.stepID = rc.StepID
	l.stepTitle = rc.StepTitle
	l.conversation = append([]models.Message{models.UserMessage(rc.Prompt)}, rc.ResponseMessages...)

	if rc.PendingToolCallID == "" || rc.WebhookResponse == nil {
		return nil
	}

	if err := l.emit(&models.Event{
		Type:     models.EventWebhookResponse,
		StepID:   l.stepID,
		Response: rc.WebhookResponse,
	}); err != nil {
		return err
	}
	if err := l.emit(&models.Event{
		Type:       models.EventAgentToolResult,
		StepID:     l.stepID,
		ToolCallID: rc.PendingToolCallID,
		ToolName:   rc.PendingToolName,
		Result:     rc.WebhookResponse,
	}); err != nil {
		return err
	}
	msg := models.ToolResultMessage(rc.PendingToolCallID, rc.PendingToolName, rc.WebhookResponse)
	l.conversation = append(l.conversation, msg)
	return l.emitRawMessage(msg)
}

// run is the main iteration cycle.
func (l *loop) run(ctx context.Context) (*Result, error) {
	maxIter := l.p.Config.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	for iteration := 1; ; iteration++ {
		if res, err := l.drainSignals(); res != nil || err != nil {
			return res, err
		}

		if iteration > maxIter {
			if err := l.emit(&models.Event{
				Type:        models.EventAgentIterationLimit,
				StepID:      l.stepID,
				Iteration:   iteration - 1,
				TotalTokens: l.totalTokens,
			}); err != nil {
				return nil, err
			}
			return &Result{Outcome: OutcomeComplete, State: l.state}, nil
		}

		resp, err := l.p.Client.Generate(ctx, &GenerateInput{
			System:     joinSystem(l.p.Config.System),
			Messages:   l.conversation,
			Tools:      l.reg.specs,
			ToolChoice: l.p.Config.ToolChoice,
		})
		if err != nil {
			// A cancelled executor context is a process shutdown, not a user
			// kill: no terminal event, the run header stays RUNNING and
			// recovery resumes it on the next start.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("llm call failed on iteration %d: %w", iteration, err)
		}

		// The provider returns the full conversation so its metadata
		// (reasoning signatures etc.) is preserved verbatim.
		l.conversation = resp.Messages
		if len(resp.Messages) > 0 {
			if err := l.emitRawMessage(resp.Messages[len(resp.Messages)-1]); err != nil {
				return nil, err
			}
		}

		l.totalTokens += resp.TokensUsed
		if err := l.emit(&models.Event{
			Type:                models.EventAgentIteration,
			StepID:              l.stepID,
			Iteration:           iteration,
			TokensThisIteration: resp.TokensUsed,
			TotalTokens:         l.totalTokens,
		}); err != nil {
			return nil, err
		}

		if max := l.p.Config.MaxTokens; max > 0 && l.totalTokens > max {
			if err := l.emit(&models.Event{
				Type:        models.EventAgentTokenLimit,
				StepID:      l.stepID,
				Iteration:   iteration,
				TotalTokens: l.totalTokens,
			}); err != nil {
				return nil, err
			}
			return &Result{Outcome: OutcomeComplete, State: l.state}, nil
		}

		if len(resp.ToolCalls) == 0 {
			if err := l.emit(&models.Event{
				Type:    models.EventAgentAssistantMessage,
				StepID:  l.stepID,
				Content: resp.Text,
			}); err != nil {
				return nil, err
			}
			return &Result{Outcome: OutcomeComplete, State: l.state}, nil
		}

		res, done, err := l.processToolCalls(ctx, resp.ToolCalls)
		if err != nil || done {
			return res, err
		}
	}
}

// drainSignals consumes the mailbox at the top of an iteration. Control
// signals end the loop; user messages join the conversation.
func (l *loop) drainSignals() (*Result, error) {
	if sig := l.p.Signals.TakeControl(); sig != nil {
		switch sig.Type {
		case models.SignalKill:
			if err := l.emit(&models.Event{Type: models.EventCancelled}); err != nil {
				return nil, err
			}
			return &Result{Outcome: OutcomeCancelled, State: l.state}, nil
		case models.SignalPause:
			if err := l.emit(&models.Event{Type: models.EventPaused}); err != nil {
				return nil, err
			}
			return &Result{Outcome: OutcomePaused, State: l.state}, nil
		}
	}
	for {
		sig := l.p.Signals.TakeUserMessage()
		if sig == nil {
			return nil, nil
		}
		msg := models.UserMessage(sig.Content)
		l.conversation = append(l.conversation, msg)
		if err := l.emit(&models.Event{
			Type:    models.EventAgentUserMessage,
			StepID:  l.stepID,
			Content: sig.Content,
		}); err != nil {
			return nil, err
		}
		if err := l.emitRawMessage(msg); err != nil {
			return nil, err
		}
	}
}

// pendingHook tracks the first webhook-registering tool of a batch.
type pendingHook struct {
	toolCallID string
	toolName   string
	waitFor    []models.WebhookRegistration
}

// processToolCalls executes the batch in order. A webhook-registering tool
// does not pause immediately: a placeholder result is recorded and the
// remaining calls still execute, so that every call has a result before the
// run suspends.
func (l *loop) processToolCalls(ctx context.Context, calls []models.ToolCall) (*Result, bool, error) {
	var pending *pendingHook

	for _, call := range calls {
		if err := l.emit(&models.Event{
			Type:       models.EventAgentToolCall,
			StepID:     l.stepID,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  call.Arguments,
		}); err != nil {
			return nil, true, err
		}

		tool, ok := l.reg.lookup(call.Name)
		if !ok {
			if err := l.toolError(call, fmt.Sprintf("unknown tool %q", call.Name)); err != nil {
				return nil, true, err
			}
			continue
		}
		if err := tool.validate(call.Arguments); err != nil {
			if err := l.toolError(call, err.Error()); err != nil {
				return nil, true, err
			}
			continue
		}

		if tool.def.Terminal {
			res, err := l.completeTerminal(call)
			return res, true, err
		}

		out, err := tool.def.Execute(ctx, call.Arguments, l.state)
		if err != nil {
			if ctx.Err() != nil {
				return nil, true, ctx.Err()
			}
			return nil, true, fmt.Errorf("tool %q failed: %w", call.Name, err)
		}

		if len(out.WaitFor) > 0 {
			placeholder, merr := json.Marshal(map[string]any{
				"status":   "waiting_for_webhook",
				"webhooks": out.WaitFor,
			})
			if merr != nil {
				return nil, true, fmt.Errorf("marshaling webhook placeholder: %w", merr)
			}
			if err := l.emit(&models.Event{
				Type:       models.EventAgentToolResult,
				StepID:     l.stepID,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Result:     placeholder,
			}); err != nil {
				return nil, true, err
			}
			// The placeholder tool-result message is appended locally but
			// not emitted: the resume path reconstructs it from the
			// pending tool call and the webhook response.
			l.conversation = append(l.conversation, models.ToolResultMessage(call.ID, call.Name, placeholder))
			if pending == nil {
				pending = &pendingHook{toolCallID: call.ID, toolName: call.Name}
			}
			pending.waitFor = append(pending.waitFor, out.WaitFor...)
			continue
		}

		if err := l.toolResult(call, out.Result); err != nil {
			return nil, true, err
		}
	}

	if pending != nil {
		if err := l.emit(&models.Event{
			Type:       models.EventAgentWebhook,
			StepID:     l.stepID,
			ToolCallID: pending.toolCallID,
			ToolName:   pending.toolName,
			WaitFor:    pending.waitFor,
		}); err != nil {
			return nil, true, err
		}
		if err := l.emit(&models.Event{
			Type:    models.EventWebhook,
			StepID:  l.stepID,
			WaitFor: pending.waitFor,
		}); err != nil {
			return nil, true, err
		}
		return &Result{Outcome: OutcomeWaiting, State: l.state}, true, nil
	}
	return nil, false, nil
}

// completeTerminal merges a terminal tool's arguments into the brain state
// and ends the loop. A done tool with an output schema is namespaced under
// the schema name; any other terminal result spreads at the root.
func (l *loop) completeTerminal(call models.ToolCall) (*Result, error) {
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var merged json.RawMessage
	var schemaName string
	var err error
	if call.Name == DoneToolName && l.p.Config.OutputSchema != nil {
		schemaName = l.p.Config.OutputSchema.Name
		var namespaced json.RawMessage
		namespaced, err = statejson.Namespace(schemaName, args)
		if err == nil {
			merged, err = statejson.Merge(l.state, namespaced)
		}
	} else {
		merged, err = statejson.Merge(l.state, args)
	}
	if err != nil {
		return nil, fmt.Errorf("merging terminal tool result: %w", err)
	}

	if err := l.emit(&models.Event{
		Type:       models.EventAgentComplete,
		StepID:     l.stepID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     args,
		SchemaName: schemaName,
	}); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeComplete, State: merged}, nil
}

// toolResult records a normal tool result and feeds it back to the model.
func (l *loop) toolResult(call models.ToolCall, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	if err := l.emit(&models.Event{
		Type:       models.EventAgentToolResult,
		StepID:     l.stepID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     result,
	}); err != nil {
		return err
	}
	msg := models.ToolResultMessage(call.ID, call.Name, result)
	l.conversation = append(l.conversation, msg)
	return l.emitRawMessage(msg)
}

// toolError feeds a validation or lookup failure back to the model as the
// tool's result so the loop can self-correct.
func (l *loop) toolError(call models.ToolCall, message string) error {
	l.log.Warn("Tool call rejected", "tool", call.Name, "reason", message)
	result, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return fmt.Errorf("marshaling tool error: %w", err)
	}
	return l.toolResult(call, result)
}

func (l *loop) emitRawMessage(msg models.Message) error {
	return l.emit(&models.Event{
		Type:    models.EventAgentRawResponseMessage,
		StepID:  l.stepID,
		Message: &msg,
	})
}

func (l *loop) emit(ev *models.Event) error {
	return l.p.Emit(ev)
}

func joinSystem(userSystem string) string {
	if userSystem == "" {
		return defaultSystemPrompt
	}
	return defaultSystemPrompt + "\n\n" + userSystem
}
