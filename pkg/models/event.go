package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of a run event. The set is closed: the
// projection rejects unknown types.
type EventType string

// Lifecycle events.
const (
	EventStart     EventType = "START"
	EventResumed   EventType = "RESUMED"
	EventComplete  EventType = "COMPLETE"
	EventError     EventType = "ERROR"
	EventCancelled EventType = "CANCELLED"
	EventPaused    EventType = "PAUSED"
	EventRestart   EventType = "RESTART"
)

// Step events.
const (
	EventStepStart    EventType = "STEP_START"
	EventStepComplete EventType = "STEP_COMPLETE"
	EventStepStatus   EventType = "STEP_STATUS"
	EventStepRetry    EventType = "STEP_RETRY"
)

// Webhook events.
const (
	EventWebhook         EventType = "WEBHOOK"
	EventWebhookResponse EventType = "WEBHOOK_RESPONSE"
)

// Agent events.
const (
	EventAgentStart              EventType = "AGENT_START"
	EventAgentIteration          EventType = "AGENT_ITERATION"
	EventAgentRawResponseMessage EventType = "AGENT_RAW_RESPONSE_MESSAGE"
	EventAgentToolCall           EventType = "AGENT_TOOL_CALL"
	EventAgentToolResult         EventType = "AGENT_TOOL_RESULT"
	EventAgentAssistantMessage   EventType = "AGENT_ASSISTANT_MESSAGE"
	EventAgentUserMessage        EventType = "AGENT_USER_MESSAGE"
	EventAgentWebhook            EventType = "AGENT_WEBHOOK"
	EventAgentComplete           EventType = "AGENT_COMPLETE"
	EventAgentTokenLimit         EventType = "AGENT_TOKEN_LIMIT"
	EventAgentIterationLimit     EventType = "AGENT_ITERATION_LIMIT"
)

// Batch events.
const (
	EventBatchChunkComplete EventType = "BATCH_CHUNK_COMPLETE"
)

// IsTerminal reports whether the event type can end a run. Nested brains
// also emit COMPLETE/ERROR; only the projection (which tracks depth) can
// tell whether a given COMPLETE/ERROR is terminal for the run.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventError || t == EventCancelled
}

// ErrorInfo is the serialized form of a terminal runtime error.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Event is the atomic unit of a run's history. Events are immutable once
// appended and totally ordered per run by Seq. One flat struct covers the
// whole closed tag set; payload fields not used by a given type stay zero
// and are omitted from the JSON encoding.
type Event struct {
	RunID     string         `json:"runId"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Options   map[string]any `json:"options,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// Brain lifecycle (START, RESUMED, RESTART, COMPLETE).
	BrainTitle       string          `json:"brainTitle,omitempty"`
	BrainDescription string          `json:"brainDescription,omitempty"`
	ParentStepID     string          `json:"parentStepId,omitempty"`
	InitialState     json.RawMessage `json:"initialState,omitempty"`

	// Terminal error (ERROR, STEP_RETRY).
	Error *ErrorInfo `json:"error,omitempty"`

	// Step payloads (STEP_*, plus the stepId of every agent/batch event).
	StepID    string          `json:"stepId,omitempty"`
	StepTitle string          `json:"stepTitle,omitempty"`
	Patch     json.RawMessage `json:"patch,omitempty"`
	Steps     []StepInfo      `json:"steps,omitempty"`

	// Webhook payloads (WEBHOOK, WEBHOOK_RESPONSE, AGENT_WEBHOOK).
	WaitFor    []WebhookRegistration `json:"waitFor,omitempty"`
	Slug       string                `json:"slug,omitempty"`
	Identifier string                `json:"identifier,omitempty"`
	Response   json.RawMessage       `json:"response,omitempty"`

	// Agent payloads.
	Prompt              string          `json:"prompt,omitempty"`
	SystemPrompt        string          `json:"systemPrompt,omitempty"`
	Iteration           int             `json:"iteration,omitempty"`
	TokensThisIteration int             `json:"tokensThisIteration,omitempty"`
	TotalTokens         int             `json:"totalTokens,omitempty"`
	Message             *Message        `json:"message,omitempty"`
	ToolCallID          string          `json:"toolCallId,omitempty"`
	ToolName            string          `json:"toolName,omitempty"`
	Arguments           json.RawMessage `json:"arguments,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	Content             string          `json:"content,omitempty"`
	SchemaName          string          `json:"schemaName,omitempty"`

	// Batch payloads (BATCH_CHUNK_COMPLETE).
	ProcessedCount int               `json:"processedCount,omitempty"`
	ChunkResults   []json.RawMessage `json:"chunkResults,omitempty"`
}
