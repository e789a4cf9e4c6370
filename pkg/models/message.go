package models

import "encoding/json"

// Role is a conversation message role.
type Role string

// Conversation roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is a provider-native conversation message. The runtime treats
// ProviderMetadata as opaque and forwards it verbatim so provider-specific
// data (reasoning signatures, cache markers) survives suspend/resume cycles.
type Message struct {
	Role             Role            `json:"role"`
	Content          string          `json:"content,omitempty"`
	ToolCalls        []ToolCall      `json:"toolCalls,omitempty"`
	ToolCallID       string          `json:"toolCallId,omitempty"`
	ToolName         string          `json:"toolName,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ProviderMetadata json.RawMessage `json:"providerMetadata,omitempty"`
}

// UserMessage builds a plain user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolResultMessage builds a tool-result message for a prior tool call.
func ToolResultMessage(toolCallID, toolName string, result json.RawMessage) Message {
	return Message{
		Role:       RoleTool,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Result:     result,
	}
}
