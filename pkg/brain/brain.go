// Package brain defines the declarative workflow model: an ordered list of
// blocks interleaving deterministic steps, LLM batch mapping, agent loops,
// nested sub-brains, guards, and external suspension points. The builder DSL
// that produces block lists lives with the callers; this package is the
// runtime's view of a workflow.
package brain

import (
	"context"
	"encoding/json"

	"github.com/cerebro-sh/cerebro/pkg/agent"
	"github.com/cerebro-sh/cerebro/pkg/models"
)

// BlockKind discriminates the closed block variant set.
type BlockKind string

// Block kinds.
const (
	BlockStep  BlockKind = "step"
	BlockBatch BlockKind = "batch"
	BlockAgent BlockKind = "agent"
	BlockBrain BlockKind = "brain"
	BlockGuard BlockKind = "guard"
	BlockWait  BlockKind = "wait"
	BlockUI    BlockKind = "ui"
)

// StepContext is what a step function sees: the current brain state plus
// the run services. Response carries the webhook payload when the step is
// the first to run after a Wait/UI resume; Page carries the page produced
// by a preceding UI block.
type StepContext struct {
	State    json.RawMessage
	Options  map[string]any
	Response json.RawMessage
	Page     json.RawMessage
	Client   agent.LLMClient
}

// StepFunc is a deterministic step: state in, new state out.
type StepFunc func(ctx context.Context, sc *StepContext) (json.RawMessage, error)

// GuardFunc decides whether execution proceeds past this point. A false
// result halts all subsequent blocks as HALTED.
type GuardFunc func(state json.RawMessage, options map[string]any) (bool, error)

// WaitFunc performs the block's side effect (e.g. sending a notification)
// and returns the webhook registrations the run suspends on.
type WaitFunc func(ctx context.Context, sc *StepContext) ([]models.WebhookRegistration, error)

// AgentConfigFunc produces the agent step configuration from the current
// state, evaluated when the block is reached.
type AgentConfigFunc func(state json.RawMessage, options map[string]any) (*agent.Config, error)

// BatchSpec maps state-derived items through an LLM call, chunk by chunk.
// Items within a chunk run concurrently; chunk boundaries are suspension
// points where control signals are observed and progress is persisted.
type BatchSpec struct {
	Items     func(state json.RawMessage) ([]json.RawMessage, error)
	ChunkSize int
	Process   func(ctx context.Context, item json.RawMessage, client agent.LLMClient) (json.RawMessage, error)
	Reduce    func(state json.RawMessage, results []json.RawMessage) (json.RawMessage, error)
}

// InnerBrainSpec nests a sub-brain: the parent state seeds the inner
// initial state, and the reducer folds the inner result back.
type InnerBrainSpec struct {
	Brain        *Brain
	InitialState func(parent json.RawMessage, options map[string]any) (json.RawMessage, error)
	Reduce       func(parent, inner json.RawMessage) (json.RawMessage, error)
}

// UISpec generates a page and suspends on the built-in ui-form webhook.
// The rendered page is offered to the next step via StepContext.Page.
type UISpec struct {
	Render func(state json.RawMessage) (json.RawMessage, error)
}

// UIWebhookSlug is the built-in slug UI blocks register under.
const UIWebhookSlug = "ui-form"

// Block is one unit of a brain's ordered list. Exactly the field matching
// Kind is set.
type Block struct {
	ID    string
	Title string
	Kind  BlockKind

	Step  StepFunc
	Guard GuardFunc
	Wait  WaitFunc
	Agent AgentConfigFunc
	Batch *BatchSpec
	Inner *InnerBrainSpec
	UI    *UISpec
}

// Brain is an ordered block list with identity. Name is the stable
// filename-like identifier; Title is the human-readable one.
type Brain struct {
	Name        string
	Title       string
	Description string
	Blocks      []Block
}

// StepDesc describes one block for the structure endpoint; nested brains
// expose their own step lists recursively.
type StepDesc struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Kind       BlockKind  `json:"kind"`
	InnerSteps []StepDesc `json:"steps,omitempty"`
}

// Structure renders the brain's nested step descriptions.
func (b *Brain) Structure() []StepDesc {
	out := make([]StepDesc, 0, len(b.Blocks))
	for _, blk := range b.Blocks {
		desc := StepDesc{ID: blk.ID, Title: blk.Title, Kind: blk.Kind}
		if blk.Kind == BlockBrain && blk.Inner != nil && blk.Inner.Brain != nil {
			desc.InnerSteps = blk.Inner.Brain.Structure()
		}
		out = append(out, desc)
	}
	return out
}

// PendingSteps returns the initial step-status snapshot: every block
// PENDING, in order.
func (b *Brain) PendingSteps() []models.StepInfo {
	out := make([]models.StepInfo, 0, len(b.Blocks))
	for _, blk := range b.Blocks {
		out = append(out, models.StepInfo{ID: blk.ID, Title: blk.Title, Status: models.StepStatusPending})
	}
	return out
}
