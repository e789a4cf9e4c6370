package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

// DoneToolName is the well-known terminal tool, always synthesized.
const DoneToolName = "done"

// freeFormDoneSchema is the done tool's input when no output schema is
// configured: a single free-form result string.
var freeFormDoneSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"result": {"type": "string", "description": "The final result of the task"}
	},
	"required": ["result"]
}`)

// ToolResult is what a tool execution produces. A non-empty WaitFor turns
// the call into a webhook suspension: the loop records the registrations and
// pauses the run after the current tool-call batch.
type ToolResult struct {
	Result  json.RawMessage
	WaitFor []models.WebhookRegistration
}

// ToolFunc executes a tool call. State is the brain state at agent entry,
// read-only by contract.
type ToolFunc func(ctx context.Context, args json.RawMessage, state json.RawMessage) (*ToolResult, error)

// ToolDef declares one tool. Terminal tools end the loop; their result is
// merged into the brain state. Execute is nil for terminal tools.
type ToolDef struct {
	Description string
	InputSchema json.RawMessage
	Execute     ToolFunc
	Terminal    bool
}

// OutputSchema names and constrains the agent's final output. When set, the
// done tool uses the schema and the result lands in the brain state under
// the schema name.
type OutputSchema struct {
	Name   string
	Schema json.RawMessage
}

// Config is the agent step configuration, produced by the block's config
// function from the current brain state.
type Config struct {
	Prompt        string
	System        string
	Tools         map[string]ToolDef
	ToolChoice    string
	MaxIterations int
	MaxTokens     int
	OutputSchema  *OutputSchema
}

// registry holds the compiled tool set for one agent execution.
type registry struct {
	tools map[string]compiledTool
	specs []ToolSpec
}

type compiledTool struct {
	def    ToolDef
	schema *jsonschema.Schema
}

// buildRegistry compiles the configured tools plus the synthesized done
// tool. Schema compilation failures are configuration errors and abort the
// agent step.
func buildRegistry(cfg *Config) (*registry, error) {
	defs := make(map[string]ToolDef, len(cfg.Tools)+1)
	for name, def := range cfg.Tools {
		defs[name] = def
	}
	if _, ok := defs[DoneToolName]; !ok {
		doneSchema := freeFormDoneSchema
		if cfg.OutputSchema != nil {
			doneSchema = cfg.OutputSchema.Schema
		}
		defs[DoneToolName] = ToolDef{
			Description: "Call this tool when the task is complete, with the final result.",
			InputSchema: doneSchema,
			Terminal:    true,
		}
	}

	r := &registry{tools: make(map[string]compiledTool, len(defs))}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := defs[name]
		schema, err := compileSchema(name, def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("compiling input schema for tool %q: %w", name, err)
		}
		r.tools[name] = compiledTool{def: def, schema: schema}
		r.specs = append(r.specs, ToolSpec{
			Name:        name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return r, nil
}

// compileSchema compiles a JSON schema; a nil schema means "any input".
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// lookup returns the compiled tool, or false for a name the model invented.
func (r *registry) lookup(name string) (compiledTool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// validate checks tool-call arguments against the tool's input schema.
func (t compiledTool) validate(args json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	var v any
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := t.schema.Validate(v); err != nil {
		return fmt.Errorf("arguments failed schema validation: %w", err)
	}
	return nil
}
