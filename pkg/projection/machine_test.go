package projection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

func ev(t models.EventType) models.Event {
	return models.Event{Type: t}
}

func stepComplete(stepID string, patch string) models.Event {
	return models.Event{Type: models.EventStepComplete, StepID: stepID, Patch: json.RawMessage(patch)}
}

func startEvent(title string, initial string) models.Event {
	return models.Event{Type: models.EventStart, BrainTitle: title, InitialState: json.RawMessage(initial)}
}

func TestProjectLinearRun(t *testing.T) {
	events := []models.Event{
		startEvent("Linear", `{"n":0}`),
		{Type: models.EventStepStatus, Steps: []models.StepInfo{
			{ID: "s1", Title: "One", Status: models.StepStatusPending},
			{ID: "s2", Title: "Two", Status: models.StepStatusPending},
		}},
		{Type: models.EventStepStart, StepID: "s1", StepTitle: "One"},
		stepComplete("s1", `[{"op":"replace","path":"/n","value":1}]`),
		{Type: models.EventStepStart, StepID: "s2", StepTitle: "Two"},
		stepComplete("s2", `[{"op":"replace","path":"/n","value":2}]`),
		{Type: models.EventComplete, BrainTitle: "Linear"},
	}

	m, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, m.State)
	assert.Equal(t, models.RunStatusComplete, m.Status())
	assert.JSONEq(t, `{"n":2}`, string(m.CurrentState))
	assert.Equal(t, 0, m.Depth)
	require.NotNil(t, m.Root, "tree preserved after completion")
	assert.Equal(t, models.StepStatusComplete, m.Root.Steps[0].Status)
}

func TestProjectDeterministic(t *testing.T) {
	events := []models.Event{
		startEvent("B", `{}`),
		{Type: models.EventStepStart, StepID: "s1"},
		stepComplete("s1", `[{"op":"add","path":"/x","value":"y"}]`),
		{Type: models.EventComplete},
	}
	m1, err := Project(events)
	require.NoError(t, err)
	m2, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, m1.State, m2.State)
	assert.JSONEq(t, string(m1.CurrentState), string(m2.CurrentState))
}

func TestProjectTerminalRejectsFurtherEvents(t *testing.T) {
	m, err := Project([]models.Event{startEvent("B", `{}`), ev(models.EventComplete)})
	require.NoError(t, err)
	assert.Error(t, m.Apply(&models.Event{Type: models.EventStepStart}))

	m, err = Project([]models.Event{startEvent("B", `{}`), ev(models.EventCancelled)})
	require.NoError(t, err)
	assert.Error(t, m.Apply(&models.Event{Type: models.EventStepStart}))
}

func TestProjectErrorAcceptsTrailingStepStatus(t *testing.T) {
	m, err := Project([]models.Event{
		startEvent("B", `{}`),
		{Type: models.EventStepStatus, Steps: []models.StepInfo{{ID: "s1", Status: models.StepStatusRunning}}},
		{Type: models.EventError, Error: &models.ErrorInfo{Name: "Error", Message: "boom"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateError, m.State)
	require.NotNil(t, m.Error)
	assert.Equal(t, "boom", m.Error.Message)

	require.NoError(t, m.Apply(&models.Event{
		Type:  models.EventStepStatus,
		Steps: []models.StepInfo{{ID: "s1", Status: models.StepStatusError}},
	}))
	assert.Equal(t, models.StepStatusError, m.Root.Steps[0].Status)

	assert.Error(t, m.Apply(&models.Event{Type: models.EventStepStart}))
}

func TestProjectWebhookSuspension(t *testing.T) {
	reg := models.WebhookRegistration{Slug: "approval", Identifier: "default", Token: "tok"}
	m, err := Project([]models.Event{
		startEvent("B", `{}`),
		{Type: models.EventStepStart, StepID: "wait"},
		stepComplete("wait", `[]`),
		{Type: models.EventWebhook, StepID: "wait", WaitFor: []models.WebhookRegistration{reg}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, m.State)
	assert.Equal(t, models.RunStatusWaiting, m.Status())
	require.Len(t, m.PendingWebhooks, 1)
	assert.True(t, m.PendingWebhooks[0].Matches("approval", "default", "tok"))

	require.NoError(t, m.Apply(&models.Event{Type: models.EventWebhookResponse, Response: json.RawMessage(`{"ok":true}`)}))
	assert.Equal(t, StateRunning, m.State)
	assert.Empty(t, m.PendingWebhooks)
}

func TestProjectNestedBrainSplice(t *testing.T) {
	events := []models.Event{
		startEvent("Outer", `{}`),
		{Type: models.EventStepStatus, Steps: []models.StepInfo{
			{ID: "o1", Status: models.StepStatusPending},
			{ID: "o2", Status: models.StepStatusPending},
		}},
		{Type: models.EventStepStart, StepID: "o1"},
		// Inner brain starts under o1.
		{Type: models.EventStart, BrainTitle: "Inner", ParentStepID: "o1"},
		{Type: models.EventStepStatus, Steps: []models.StepInfo{{ID: "i1", Status: models.StepStatusPending}}},
		{Type: models.EventStepStart, StepID: "i1"},
		stepComplete("i1", `[]`),
		{Type: models.EventComplete, BrainTitle: "Inner"},
	}

	m, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, m.State, "outer brain still running")
	assert.Equal(t, 1, m.Depth)
	require.Nil(t, m.Root.Inner, "inner node spliced away")

	o1 := m.Root.Steps[0]
	assert.Equal(t, models.StepStatusComplete, o1.Status)
	require.Len(t, o1.InnerSteps, 1)
	assert.Equal(t, "i1", o1.InnerSteps[0].ID)
}

func TestProjectNestedBrainError(t *testing.T) {
	events := []models.Event{
		startEvent("Outer", `{}`),
		{Type: models.EventStepStatus, Steps: []models.StepInfo{{ID: "o1", Status: models.StepStatusPending}}},
		{Type: models.EventStepStart, StepID: "o1"},
		{Type: models.EventStart, BrainTitle: "Inner", ParentStepID: "o1"},
		{Type: models.EventStepStatus, Steps: []models.StepInfo{{ID: "i1", Status: models.StepStatusPending}}},
		{Type: models.EventStepStart, StepID: "i1"},
		{Type: models.EventError, Error: &models.ErrorInfo{Name: "Error", Message: "inner boom"}},
	}

	m, err := Project(events)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, m.State, "nested error leaves the outer brain running")
	assert.Equal(t, 1, m.Depth)
	assert.Nil(t, m.Root.Inner)
	assert.Equal(t, models.StepStatusError, m.Root.Steps[0].Status)
	assert.Nil(t, m.Error, "machine error reserved for the root")
}

func TestProjectRootError(t *testing.T) {
	m, err := Project([]models.Event{
		startEvent("B", `{}`),
		{Type: models.EventError, Error: &models.ErrorInfo{Name: "Error", Message: "root boom"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateError, m.State)
	assert.Equal(t, models.RunStatusError, m.Status())
	assert.Equal(t, "root boom", m.Error.Message)
}

func TestProjectAgentLoop(t *testing.T) {
	m, err := Project([]models.Event{
		startEvent("B", `{}`),
		{Type: models.EventStepStart, StepID: "a1", StepTitle: "Agent"},
		{Type: models.EventAgentStart, StepID: "a1", StepTitle: "Agent", Prompt: "do it", SystemPrompt: "sys"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateAgentLoop, m.State)
	assert.Equal(t, models.RunStatusRunning, m.Status(), "agentLoop surfaces as RUNNING")
	require.NotNil(t, m.Agent)
	assert.Equal(t, "do it", m.Agent.Prompt)

	msg := models.Message{Role: models.RoleAssistant, Content: "thinking"}
	require.NoError(t, m.Apply(&models.Event{Type: models.EventAgentRawResponseMessage, StepID: "a1", Message: &msg}))
	require.Len(t, m.Agent.ResponseMessages, 1)

	require.NoError(t, m.Apply(&models.Event{Type: models.EventAgentIteration, StepID: "a1", TokensThisIteration: 120, TotalTokens: 120}))
	assert.Equal(t, 120, m.TotalTokens)

	require.NoError(t, m.Apply(&models.Event{Type: models.EventAgentComplete, StepID: "a1", ToolCallID: "c1", ToolName: "done"}))
	assert.Nil(t, m.Agent)
	assert.Equal(t, StateRunning, m.State)
}

func TestProjectAgentWebhookCycle(t *testing.T) {
	reg := models.WebhookRegistration{Slug: "hook", Identifier: "id", Token: "tok"}
	m, err := Project([]models.Event{
		startEvent("B", `{}`),
		{Type: models.EventStepStart, StepID: "a1"},
		{Type: models.EventAgentStart, StepID: "a1", Prompt: "p"},
		{Type: models.EventAgentWebhook, StepID: "a1", ToolCallID: "c1", ToolName: "ask_human", WaitFor: []models.WebhookRegistration{reg}},
		{Type: models.EventWebhook, StepID: "a1", WaitFor: []models.WebhookRegistration{reg}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, m.State)
	require.NotNil(t, m.Agent)
	assert.Equal(t, "c1", m.Agent.PendingToolCallID)

	// Delivery resumes into the agent loop.
	require.NoError(t, m.Apply(&models.Event{Type: models.EventWebhookResponse, StepID: "a1", Response: json.RawMessage(`{"answer":42}`)}))
	assert.Equal(t, StateAgentLoop, m.State)
	assert.JSONEq(t, `{"answer":42}`, string(m.Agent.WebhookResponse))

	// The resumed loop resolves the pending call.
	require.NoError(t, m.Apply(&models.Event{Type: models.EventAgentToolResult, StepID: "a1", ToolCallID: "c1", ToolName: "ask_human", Result: json.RawMessage(`{"answer":42}`)}))
	assert.Empty(t, m.Agent.PendingToolCallID)
	assert.Nil(t, m.Agent.WebhookResponse)
}

func TestProjectAgentEndsOnPlainAssistantMessage(t *testing.T) {
	m, err := Project([]models.Event{
		startEvent("B", `{}`),
		{Type: models.EventStepStart, StepID: "a1"},
		{Type: models.EventAgentStart, StepID: "a1", Prompt: "p"},
		{Type: models.EventAgentAssistantMessage, StepID: "a1", Content: "all done"},
		stepComplete("a1", `[]`),
	})
	require.NoError(t, err)
	assert.Nil(t, m.Agent, "step completion retires the agent context")
	assert.Equal(t, StateRunning, m.State)
}

func TestProjectPauseResume(t *testing.T) {
	m, err := Project([]models.Event{
		startEvent("B", `{}`),
		{Type: models.EventStepStart, StepID: "s1"},
		ev(models.EventPaused),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, m.Status())

	require.NoError(t, m.Apply(&models.Event{Type: models.EventResumed, BrainTitle: "B"}))
	assert.Equal(t, StateRunning, m.State)
}

func TestProjectRestartReplacesDeepest(t *testing.T) {
	m, err := Project([]models.Event{
		startEvent("B", `{}`),
		{Type: models.EventStepStatus, Steps: []models.StepInfo{{ID: "s1", Status: models.StepStatusRunning}}},
		{Type: models.EventRestart, BrainTitle: "B"},
		{Type: models.EventStepStatus, Steps: []models.StepInfo{{ID: "s1", Status: models.StepStatusPending}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Depth, "restart does not deepen the tree for the same brain")
	assert.Nil(t, m.Root.Inner)
}

func TestProjectUnknownEventType(t *testing.T) {
	m := NewMachine()
	assert.Error(t, m.Apply(&models.Event{Type: "BOGUS"}))
}

func TestProjectStepStatusPreservesPatches(t *testing.T) {
	m, err := Project([]models.Event{
		startEvent("B", `{}`),
		{Type: models.EventStepStatus, Steps: []models.StepInfo{
			{ID: "s1", Status: models.StepStatusPending},
			{ID: "s2", Status: models.StepStatusPending},
		}},
		{Type: models.EventStepStart, StepID: "s1"},
		stepComplete("s1", `[{"op":"add","path":"/a","value":1}]`),
		// Snapshot without patches; the recorded patch must survive.
		{Type: models.EventStepStatus, Steps: []models.StepInfo{
			{ID: "s1", Status: models.StepStatusComplete},
			{ID: "s2", Status: models.StepStatusRunning},
		}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"op":"add","path":"/a","value":1}]`, string(m.Root.Steps[0].Patch))
	assert.Equal(t, 2, m.TopLevelStepCount)
}
