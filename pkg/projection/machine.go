package projection

import (
	"fmt"

	"github.com/cerebro-sh/cerebro/pkg/models"
	"github.com/cerebro-sh/cerebro/pkg/statejson"
)

// NewMachine returns a machine in the idle state with an empty brain state.
func NewMachine() *Machine {
	return &Machine{State: StateIdle, CurrentState: statejson.EmptyObject}
}

// Project folds an ordered event log into a fresh machine.
func Project(events []models.Event) (*Machine, error) {
	m := NewMachine()
	for i := range events {
		if err := m.Apply(&events[i]); err != nil {
			return nil, fmt.Errorf("applying event seq %d (%s): %w", events[i].Seq, events[i].Type, err)
		}
	}
	return m, nil
}

// Apply advances the machine by one event. Terminal states reject further
// events, except that error accepts a trailing STEP_STATUS for the final UI
// snapshot.
func (m *Machine) Apply(ev *models.Event) error {
	switch m.State {
	case StateComplete, StateCancelled:
		return fmt.Errorf("run is terminal (%s)", m.State)
	case StateError:
		if ev.Type != models.EventStepStatus {
			return fmt.Errorf("run is terminal (error)")
		}
	}
	if ev.Options != nil && m.Options == nil {
		m.Options = ev.Options
	}

	switch ev.Type {
	case models.EventStart:
		m.push(ev)
		m.State = StateRunning

	case models.EventResumed:
		if m.Root == nil {
			m.push(ev)
		}
		m.State = m.runningState()

	case models.EventRestart:
		m.applyRestart(ev)

	case models.EventComplete:
		return m.applyComplete(ev)

	case models.EventError:
		m.applyError(ev)

	case models.EventCancelled:
		m.State = StateCancelled
		m.PendingWebhooks = nil
		m.Depth = 0

	case models.EventPaused:
		m.State = StatePaused

	case models.EventWebhook:
		// Exactly one outstanding registration set at a time.
		m.PendingWebhooks = ev.WaitFor
		m.State = StateWaiting

	case models.EventWebhookResponse:
		m.PendingWebhooks = nil
		if m.Agent != nil {
			m.Agent.WebhookResponse = ev.Response
		}
		m.State = m.runningState()

	case models.EventStepStart:
		m.CurrentStepID = ev.StepID
		m.CurrentStepTitle = ev.StepTitle
		m.setStepStatus(ev.StepID, models.StepStatusRunning)

	case models.EventStepComplete:
		return m.applyStepComplete(ev)

	case models.EventStepStatus:
		m.applyStepStatus(ev)

	case models.EventStepRetry:
		// Observability only; the step is still RUNNING.

	case models.EventAgentStart:
		m.Agent = &AgentContext{
			StepID:       ev.StepID,
			StepTitle:    ev.StepTitle,
			Prompt:       ev.Prompt,
			SystemPrompt: ev.SystemPrompt,
		}
		m.CurrentStepID = ev.StepID
		m.CurrentStepTitle = ev.StepTitle
		m.State = StateAgentLoop

	case models.EventAgentIteration:
		m.TotalTokens += ev.TokensThisIteration

	case models.EventAgentRawResponseMessage:
		if m.Agent != nil && ev.Message != nil {
			m.Agent.ResponseMessages = append(m.Agent.ResponseMessages, *ev.Message)
		}

	case models.EventAgentToolCall, models.EventAgentAssistantMessage, models.EventAgentUserMessage:
		// Conversation bookkeeping arrives via AGENT_RAW_RESPONSE_MESSAGE.

	case models.EventAgentToolResult:
		if m.Agent != nil && m.Agent.PendingToolCallID == ev.ToolCallID {
			m.Agent.PendingToolCallID = ""
			m.Agent.PendingToolName = ""
			m.Agent.WebhookResponse = nil
		}

	case models.EventAgentWebhook:
		if m.Agent != nil {
			m.Agent.PendingToolCallID = ev.ToolCallID
			m.Agent.PendingToolName = ev.ToolName
		}

	case models.EventAgentComplete, models.EventAgentTokenLimit, models.EventAgentIterationLimit:
		m.Agent = nil
		m.State = StateRunning

	case models.EventBatchChunkComplete:
		// Consumed by resume reconstruction, not by the live projection.

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

// runningState routes resumption to agentLoop when an agent context is live.
func (m *Machine) runningState() State {
	if m.Agent != nil {
		return StateAgentLoop
	}
	return StateRunning
}

// push adds a brain node at the deepest position and seeds the initial state
// for the root brain.
func (m *Machine) push(ev *models.Event) {
	node := &BrainNode{
		BrainRunID:   ev.RunID,
		Title:        ev.BrainTitle,
		ParentStepID: ev.ParentStepID,
	}
	if m.Root == nil {
		m.Root = node
	} else {
		m.Deepest().Inner = node
	}
	m.Depth++
	if m.Depth == 1 && len(ev.InitialState) > 0 {
		m.CurrentState = ev.InitialState
	}
}

// applyRestart replaces the deepest brain when the title matches (resume of
// the same brain) and pushes a nested node otherwise. A RESTART from idle
// creates a fresh root.
func (m *Machine) applyRestart(ev *models.Event) {
	deepest := m.Deepest()
	switch {
	case deepest == nil:
		m.push(ev)
	case deepest.Title == ev.BrainTitle:
		replacement := &BrainNode{
			BrainRunID:   ev.RunID,
			Title:        ev.BrainTitle,
			ParentStepID: deepest.ParentStepID,
		}
		if parent := m.parentOfDeepest(); parent != nil {
			parent.Inner = replacement
		} else {
			m.Root = replacement
		}
	default:
		m.push(ev)
	}
	m.State = m.runningState()
}

// applyComplete finishes the deepest brain. Only the root's COMPLETE is
// terminal; a nested COMPLETE splices the inner step list onto the parent
// step before removing the node.
func (m *Machine) applyComplete(_ *models.Event) error {
	if m.Depth <= 1 {
		// Root done. The tree is preserved so the final state can still
		// be rendered; depth drops to zero.
		m.State = StateComplete
		m.Depth = 0
		return nil
	}

	parent := m.parentOfDeepest()
	inner := parent.Inner
	for i := range parent.Steps {
		if parent.Steps[i].ID == inner.ParentStepID {
			parent.Steps[i].InnerSteps = models.CloneSteps(inner.Steps)
			parent.Steps[i].Status = models.StepStatusComplete
			break
		}
	}
	parent.Inner = nil
	m.Depth--
	return nil
}

// applyError ends the run for a root-level error; a nested error pops the
// inner brain and marks the surrounding parent step failed, leaving the
// outer brain running to surface the failure itself.
func (m *Machine) applyError(ev *models.Event) {
	if m.Depth <= 1 {
		m.State = StateError
		m.Error = ev.Error
		m.Depth = 0
		return
	}
	parent := m.parentOfDeepest()
	inner := parent.Inner
	for i := range parent.Steps {
		if parent.Steps[i].ID == inner.ParentStepID {
			parent.Steps[i].InnerSteps = models.CloneSteps(inner.Steps)
			parent.Steps[i].Status = models.StepStatusError
			break
		}
	}
	parent.Inner = nil
	m.Depth--
}

// applyStepComplete records the step patch and, for top-level steps, folds
// it into the current brain state.
func (m *Machine) applyStepComplete(ev *models.Event) error {
	deepest := m.Deepest()
	if deepest != nil {
		for i := range deepest.Steps {
			if deepest.Steps[i].ID == ev.StepID {
				deepest.Steps[i].Status = models.StepStatusComplete
				deepest.Steps[i].Patch = ev.Patch
				break
			}
		}
	}
	if m.Depth == 1 {
		next, err := statejson.Apply(m.CurrentState, ev.Patch)
		if err != nil {
			return fmt.Errorf("folding step %s patch: %w", ev.StepID, err)
		}
		m.CurrentState = next
	}
	// An agent loop that ends on a plain assistant message has no
	// AGENT_COMPLETE; its step's completion retires the context.
	if m.Agent != nil && m.Agent.StepID == ev.StepID {
		m.Agent = nil
		m.State = StateRunning
	}
	return nil
}

// applyStepStatus replaces the deepest brain's step list with the snapshot,
// preserving patches already recorded on matching steps.
func (m *Machine) applyStepStatus(ev *models.Event) {
	deepest := m.Deepest()
	if deepest == nil {
		return
	}
	prior := make(map[string]models.StepInfo, len(deepest.Steps))
	for _, s := range deepest.Steps {
		prior[s.ID] = s
	}
	steps := models.CloneSteps(ev.Steps)
	for i := range steps {
		if old, ok := prior[steps[i].ID]; ok {
			if steps[i].Patch == nil {
				steps[i].Patch = old.Patch
			}
			if steps[i].InnerSteps == nil {
				steps[i].InnerSteps = old.InnerSteps
			}
		}
	}
	deepest.Steps = steps
	if m.Depth == 1 || (m.State == StateError && m.Root != nil && m.Root.Inner == nil) {
		m.TopLevelStepCount = len(steps)
	}
}

// setStepStatus updates one step's status in the deepest brain.
func (m *Machine) setStepStatus(stepID string, status models.StepStatus) {
	deepest := m.Deepest()
	if deepest == nil {
		return
	}
	for i := range deepest.Steps {
		if deepest.Steps[i].ID == stepID {
			deepest.Steps[i].Status = status
			return
		}
	}
}
