// Package builtin ships the demo brains registered by the server binary.
// They double as smoke-test workflows for a fresh deployment: one pure
// compute pipeline and one that exercises webhook suspension.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cerebro-sh/cerebro/pkg/brain"
	"github.com/cerebro-sh/cerebro/pkg/models"
)

// Register adds the built-in brains to the registry.
func Register(r *brain.Registry) error {
	for _, b := range []*brain.Brain{Echo(), ApprovalDemo()} {
		if err := r.Register(b); err != nil {
			return err
		}
	}
	return nil
}

// Echo is a three-block compute pipeline: seed state from options, guard on
// a "skip" option, uppercase the message.
func Echo() *brain.Brain {
	return &brain.Brain{
		Name:        "echo",
		Title:       "Echo",
		Description: "Copies the message option through a guard and uppercases it.",
		Blocks: []brain.Block{
			{
				ID:    "seed",
				Title: "Seed state",
				Kind:  brain.BlockStep,
				Step: func(_ context.Context, sc *brain.StepContext) (json.RawMessage, error) {
					msg, _ := sc.Options["message"].(string)
					if msg == "" {
						msg = "hello"
					}
					return json.Marshal(map[string]any{"message": msg})
				},
			},
			{
				ID:    "not-skipped",
				Title: "Check skip option",
				Kind:  brain.BlockGuard,
				Guard: func(_ json.RawMessage, options map[string]any) (bool, error) {
					skip, _ := options["skip"].(bool)
					return !skip, nil
				},
			},
			{
				ID:    "shout",
				Title: "Uppercase message",
				Kind:  brain.BlockStep,
				Step: func(_ context.Context, sc *brain.StepContext) (json.RawMessage, error) {
					var st struct {
						Message string `json:"message"`
					}
					if err := json.Unmarshal(sc.State, &st); err != nil {
						return nil, fmt.Errorf("reading state: %w", err)
					}
					return json.Marshal(map[string]any{
						"message": st.Message,
						"shouted": strings.ToUpper(st.Message),
					})
				},
			},
		},
	}
}

// ApprovalDemo suspends on an external approval webhook and records the
// decision payload.
func ApprovalDemo() *brain.Brain {
	return &brain.Brain{
		Name:        "approval-demo",
		Title:       "Approval Demo",
		Description: "Waits for an external approval before finishing.",
		Blocks: []brain.Block{
			{
				ID:    "prepare",
				Title: "Prepare request",
				Kind:  brain.BlockStep,
				Step: func(_ context.Context, sc *brain.StepContext) (json.RawMessage, error) {
					subject, _ := sc.Options["subject"].(string)
					return json.Marshal(map[string]any{"subject": subject})
				},
			},
			{
				ID:    "await-approval",
				Title: "Await approval",
				Kind:  brain.BlockWait,
				Wait: func(_ context.Context, _ *brain.StepContext) ([]models.WebhookRegistration, error) {
					return []models.WebhookRegistration{
						{Slug: "approval", Identifier: "default"},
					}, nil
				},
			},
			{
				ID:    "record-decision",
				Title: "Record decision",
				Kind:  brain.BlockStep,
				Step: func(_ context.Context, sc *brain.StepContext) (json.RawMessage, error) {
					decision := json.RawMessage(`null`)
					if len(sc.Response) > 0 {
						decision = sc.Response
					}
					merged := map[string]json.RawMessage{}
					if err := json.Unmarshal(sc.State, &merged); err != nil {
						return nil, fmt.Errorf("reading state: %w", err)
					}
					merged["decision"] = decision
					return json.Marshal(merged)
				},
			},
		},
	}
}
