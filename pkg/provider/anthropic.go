// Package provider adapts LLM vendor SDKs to the agent loop's client
// contract. The Anthropic adapter is the default; swapping vendors means
// implementing agent.LLMClient against another SDK.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cerebro-sh/cerebro/pkg/agent"
	"github.com/cerebro-sh/cerebro/pkg/models"
)

// DefaultModel is used when the config does not name one.
const DefaultModel = "claude-sonnet-4-20250514"

// defaultMaxTokens bounds a single completion, not the whole agent loop.
const defaultMaxTokens = 4096

// AnthropicConfig configures the adapter. APIKey is required.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// AnthropicClient implements agent.LLMClient on the official SDK. Safe for
// concurrent use; each Generate call is an independent request.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicClient validates the config and builds the SDK client.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}, nil
}

// Generate performs one non-streaming completion. The returned Messages
// slice is the input conversation plus the new assistant message, whose raw
// content blocks ride along as provider metadata so thinking signatures and
// block ordering survive a suspend/resume cycle.
func (c *AnthropicClient) Generate(ctx context.Context, input *agent.GenerateInput) (*agent.GenerateResult, error) {
	params, err := c.buildParams(input)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion failed: %w", err)
	}

	assistant, text, toolCalls, err := convertResponse(resp)
	if err != nil {
		return nil, err
	}
	return &agent.GenerateResult{
		Messages:   append(append([]models.Message{}, input.Messages...), assistant),
		Text:       text,
		ToolCalls:  toolCalls,
		TokensUsed: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}, nil
}

func (c *AnthropicClient) buildParams(input *agent.GenerateInput) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(input.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
	if input.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: input.System}}
	}

	for _, spec := range input.Tools {
		var schema anthropic.ToolInputSchemaParam
		if len(spec.InputSchema) > 0 {
			if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
				return anthropic.MessageNewParams{}, fmt.Errorf("invalid input schema for tool %q: %w", spec.Name, err)
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		params.Tools = append(params.Tools, tool)
	}

	switch input.ToolChoice {
	case "", "auto":
		if len(params.Tools) > 0 {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	case "any", "required":
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		params.ToolChoice = anthropic.ToolChoiceParamOfTool(input.ToolChoice)
	}
	return params, nil
}

// convertMessages maps the runtime conversation onto API params. Assistant
// messages carrying provider metadata are rebuilt from their original
// content blocks; tool results become user messages per the API contract.
func convertMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case models.RoleAssistant:
			blocks, err := assistantBlocks(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case models.RoleTool:
			result := msg.Result
			if len(result) == 0 {
				result = json.RawMessage(`null`)
			}
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, string(result), false)))

		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}

// rawBlock is the generic shape of a persisted response content block.
type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Signature string          `json:"signature"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// assistantBlocks rebuilds an assistant message's content blocks, preferring
// the verbatim blocks preserved in ProviderMetadata.
func assistantBlocks(msg *models.Message) ([]anthropic.ContentBlockParamUnion, error) {
	if len(msg.ProviderMetadata) > 0 {
		var raw []rawBlock
		if err := json.Unmarshal(msg.ProviderMetadata, &raw); err == nil {
			var blocks []anthropic.ContentBlockParamUnion
			for _, b := range raw {
				switch b.Type {
				case "text":
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				case "thinking":
					blocks = append(blocks, anthropic.NewThinkingBlock(b.Signature, b.Thinking))
				case "tool_use":
					var in any
					if err := json.Unmarshal(b.Input, &in); err != nil {
						return nil, fmt.Errorf("invalid preserved tool input for %q: %w", b.Name, err)
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, in, b.Name))
				}
			}
			if len(blocks) > 0 {
				return blocks, nil
			}
		}
	}

	// Fallback path for messages without metadata (hand-built in tests).
	var blocks []anthropic.ContentBlockParamUnion
	if msg.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		var in any
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &in); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %q: %w", call.Name, err)
			}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, in, call.Name))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(""))
	}
	return blocks, nil
}

// convertResponse flattens the API message into the runtime's assistant
// message plus the convenience text/tool-call views.
func convertResponse(resp *anthropic.Message) (models.Message, string, []models.ToolCall, error) {
	var text strings.Builder
	var toolCalls []models.ToolCall
	raw := make([]rawBlock, 0, len(resp.Content))

	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
			raw = append(raw, rawBlock{Type: "text", Text: v.Text})
		case anthropic.ThinkingBlock:
			raw = append(raw, rawBlock{Type: "thinking", Thinking: v.Thinking, Signature: v.Signature})
		case anthropic.ToolUseBlock:
			args := json.RawMessage(v.Input)
			toolCalls = append(toolCalls, models.ToolCall{ID: v.ID, Name: v.Name, Arguments: args})
			raw = append(raw, rawBlock{Type: "tool_use", ID: v.ID, Name: v.Name, Input: args})
		}
	}

	metadata, err := json.Marshal(raw)
	if err != nil {
		return models.Message{}, "", nil, fmt.Errorf("marshaling response blocks: %w", err)
	}
	assistant := models.Message{
		Role:             models.RoleAssistant,
		Content:          text.String(),
		ToolCalls:        toolCalls,
		ProviderMetadata: metadata,
	}
	return assistant, text.String(), toolCalls, nil
}
