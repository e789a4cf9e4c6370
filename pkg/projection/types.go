// Package projection implements the pure function from an ordered event log
// to the observable run state: execution state, running-brain tree, current
// brain state, pending webhooks, and agent context. The runtime uses it to
// reconstruct status after crashes; watchers use it to drive UIs. Projection
// is deterministic: the same events always yield the same result.
package projection

import (
	"encoding/json"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

// State is the execution state of the labelled transition system.
type State string

// Machine states. agentLoop is surfaced to consumers as RUNNING.
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateAgentLoop State = "agentLoop"
	StatePaused    State = "paused"
	StateWaiting   State = "waiting"
	StateComplete  State = "complete"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// BrainNode is one node of the running-brain tree. The deepest node is the
// currently executing brain; at most one Inner exists per node.
type BrainNode struct {
	BrainRunID   string            `json:"brainRunId"`
	Title        string            `json:"title"`
	ParentStepID string            `json:"parentStepId,omitempty"`
	Steps        []models.StepInfo `json:"steps"`
	Inner        *BrainNode        `json:"innerBrain,omitempty"`
}

// AgentContext is the runtime state of an active or paused agent loop.
// Non-nil iff execution is inside, or was paused from, an agent step.
type AgentContext struct {
	StepID            string           `json:"stepId"`
	StepTitle         string           `json:"stepTitle"`
	Prompt            string           `json:"prompt"`
	SystemPrompt      string           `json:"systemPrompt,omitempty"`
	ResponseMessages  []models.Message `json:"responseMessages"`
	PendingToolCallID string           `json:"pendingToolCallId,omitempty"`
	PendingToolName   string           `json:"pendingToolName,omitempty"`
	WebhookResponse   json.RawMessage  `json:"webhookResponse,omitempty"`
}

// Machine is the projection's accumulated context. Apply mutates it; Project
// folds a whole log. All fields are derived exclusively from events.
type Machine struct {
	State             State
	Root              *BrainNode
	Depth             int
	CurrentState      json.RawMessage
	CurrentStepID     string
	CurrentStepTitle  string
	PendingWebhooks   []models.WebhookRegistration
	Agent             *AgentContext
	TotalTokens       int
	TopLevelStepCount int
	Error             *models.ErrorInfo
	Options           map[string]any
}

// Status maps the machine state to the externally visible run status.
func (m *Machine) Status() models.RunStatus {
	switch m.State {
	case StateIdle:
		return models.RunStatusPending
	case StateRunning, StateAgentLoop:
		return models.RunStatusRunning
	case StatePaused:
		return models.RunStatusPaused
	case StateWaiting:
		return models.RunStatusWaiting
	case StateComplete:
		return models.RunStatusComplete
	case StateError:
		return models.RunStatusError
	case StateCancelled:
		return models.RunStatusCancelled
	}
	return models.RunStatusPending
}

// BrainStack returns the tree flattened root-first. Convenience for UIs.
func (m *Machine) BrainStack() []*BrainNode {
	var stack []*BrainNode
	for node := m.Root; node != nil; node = node.Inner {
		stack = append(stack, node)
	}
	return stack
}

// Deepest returns the currently executing brain node, or nil before START.
func (m *Machine) Deepest() *BrainNode {
	var last *BrainNode
	for node := m.Root; node != nil; node = node.Inner {
		last = node
	}
	return last
}

// parentOfDeepest returns the node whose Inner is the deepest node, or nil
// when the tree has a single level.
func (m *Machine) parentOfDeepest() *BrainNode {
	if m.Root == nil || m.Root.Inner == nil {
		return nil
	}
	node := m.Root
	for node.Inner.Inner != nil {
		node = node.Inner
	}
	return node
}
