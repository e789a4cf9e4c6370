// Package agent implements the iterative LLM call / tool execution cycle
// that drives an agent step: tool registry with schema validation, the main
// loop with iteration and token limits, and pause/webhook resume that
// preserves provider-native message history.
package agent

import (
	"context"
	"encoding/json"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

// ToolSpec is the provider-facing description of one tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// GenerateInput is one provider call. Messages is the full provider-native
// conversation, initial user prompt included.
type GenerateInput struct {
	System     string
	Messages   []models.Message
	Tools      []ToolSpec
	ToolChoice string
}

// GenerateResult is the provider's reply. Messages is the full updated
// conversation: the provider returns its own message list so that
// provider-specific metadata survives verbatim. Text and ToolCalls are
// convenience views of the final assistant message.
type GenerateResult struct {
	Messages   []models.Message
	Text       string
	ToolCalls  []models.ToolCall
	TokensUsed int
}

// LLMClient is the provider adapter contract. Implementations own HTTP
// concerns (auth, retries, per-call timeouts); the loop owns iteration.
type LLMClient interface {
	Generate(ctx context.Context, input *GenerateInput) (*GenerateResult, error)
}

// Signals is the slice of the run mailbox the agent loop consumes: control
// signals at the top of each iteration and buffered user messages.
type Signals interface {
	// TakeControl pops a pending KILL or PAUSE, or returns nil.
	TakeControl() *models.Signal
	// TakeUserMessage pops a buffered USER_MESSAGE, or returns nil.
	TakeUserMessage() *models.Signal
}

// EmitFunc delivers one event to the run's log. A failed emit aborts the
// loop (the run is terminal or the executor lost its log).
type EmitFunc func(ev *models.Event) error
