package run

import (
	"encoding/json"
	"fmt"

	"github.com/cerebro-sh/cerebro/pkg/models"
	"github.com/cerebro-sh/cerebro/pkg/projection"
	"github.com/cerebro-sh/cerebro/pkg/statejson"
)

// BatchProgress is the persisted position of an interrupted batch step.
type BatchProgress struct {
	ProcessedCount int
	Results        []json.RawMessage
}

// ResumeContext is everything a generator needs to re-enter a run where it
// stopped: the folded state, the index of the next block, any preserved
// agent context or batch progress, and the same recursively for the inner
// brain that was active at suspension time.
type ResumeContext struct {
	State json.RawMessage
	// StepIndex is the number of completed blocks at this level, i.e. the
	// index of the next block to execute.
	StepIndex       int
	WebhookResponse json.RawMessage
	Agent           *projection.AgentContext
	Batch           *BatchProgress
	Inner           *ResumeContext
	// TotalTokens seeds the cumulative agent token counter.
	TotalTokens int
}

// deepest follows the Inner chain to the suspended brain.
func (rc *ResumeContext) deepest() *ResumeContext {
	cur := rc
	for cur.Inner != nil {
		cur = cur.Inner
	}
	return cur
}

// frame is one brain level during reconstruction.
type frame struct {
	title           string
	state           json.RawMessage
	stepIndex       int
	webhookResponse json.RawMessage
	agent           *projection.AgentContext
	batch           *BatchProgress
}

// Reconstruct folds an event log into a ResumeContext. It is the resume
// counterpart of projection.Project: where the projection derives the
// observable status, this derives the executor's re-entry position. Returns
// nil when the log is empty or the run already terminated at the root.
func Reconstruct(events []models.Event) (*ResumeContext, error) {
	var frames []*frame
	totalTokens := 0

	top := func() *frame {
		if len(frames) == 0 {
			return nil
		}
		return frames[len(frames)-1]
	}

	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case models.EventStart:
			frames = append(frames, &frame{title: ev.BrainTitle, state: statejson.Normalize(ev.InitialState)})

		case models.EventRestart:
			// Same semantics as the projection: restarting the brain already
			// at the deepest level replaces it, a different title nests.
			if f := top(); f != nil && f.title == ev.BrainTitle {
				frames = frames[:len(frames)-1]
			}
			frames = append(frames, &frame{title: ev.BrainTitle, state: statejson.Normalize(ev.InitialState)})

		case models.EventResumed:
			// Informational; position is already reconstructed.

		case models.EventComplete:
			if len(frames) <= 1 {
				return nil, nil
			}
			frames = frames[:len(frames)-1]

		case models.EventError, models.EventCancelled:
			if len(frames) <= 1 {
				return nil, nil
			}
			frames = frames[:len(frames)-1]

		case models.EventPaused:
			// Position unchanged; the next executor picks up here.

		case models.EventStepStart:
			// Position advances on STEP_COMPLETE only. A resumed batch block
			// re-announces STEP_START, so chunk progress must survive it.

		case models.EventStepComplete:
			f := top()
			if f == nil {
				return nil, fmt.Errorf("STEP_COMPLETE at seq %d before START", ev.Seq)
			}
			next, err := statejson.Apply(f.state, ev.Patch)
			if err != nil {
				return nil, fmt.Errorf("folding step %s patch at seq %d: %w", ev.StepID, ev.Seq, err)
			}
			f.state = next
			f.stepIndex++
			f.batch = nil
			f.webhookResponse = nil
			if f.agent != nil && f.agent.StepID == ev.StepID {
				f.agent = nil
			}

		case models.EventStepStatus, models.EventStepRetry:
			// Observability only.

		case models.EventWebhook:
			// Registrations live in the projection; the resume position is
			// simply "the block that emitted this".

		case models.EventWebhookResponse:
			if f := top(); f != nil {
				if f.agent != nil {
					f.agent.WebhookResponse = ev.Response
				} else {
					f.webhookResponse = ev.Response
				}
			}

		case models.EventAgentStart:
			if f := top(); f != nil {
				f.agent = &projection.AgentContext{
					StepID:       ev.StepID,
					StepTitle:    ev.StepTitle,
					Prompt:       ev.Prompt,
					SystemPrompt: ev.SystemPrompt,
				}
			}

		case models.EventAgentIteration:
			totalTokens += ev.TokensThisIteration

		case models.EventAgentRawResponseMessage:
			if f := top(); f != nil && f.agent != nil && ev.Message != nil {
				f.agent.ResponseMessages = append(f.agent.ResponseMessages, *ev.Message)
			}

		case models.EventAgentWebhook:
			if f := top(); f != nil && f.agent != nil {
				f.agent.PendingToolCallID = ev.ToolCallID
				f.agent.PendingToolName = ev.ToolName
			}

		case models.EventAgentToolResult:
			if f := top(); f != nil && f.agent != nil && f.agent.PendingToolCallID == ev.ToolCallID {
				f.agent.PendingToolCallID = ""
				f.agent.PendingToolName = ""
				f.agent.WebhookResponse = nil
			}

		case models.EventAgentComplete, models.EventAgentTokenLimit, models.EventAgentIterationLimit:
			if f := top(); f != nil {
				f.agent = nil
			}

		case models.EventAgentToolCall, models.EventAgentAssistantMessage, models.EventAgentUserMessage:
			// Conversation bookkeeping arrives via AGENT_RAW_RESPONSE_MESSAGE.

		case models.EventBatchChunkComplete:
			f := top()
			if f == nil {
				continue
			}
			if f.batch == nil {
				f.batch = &BatchProgress{}
			}
			f.batch.ProcessedCount = ev.ProcessedCount
			f.batch.Results = append(f.batch.Results, ev.ChunkResults...)

		default:
			return nil, fmt.Errorf("unknown event type %q at seq %d", ev.Type, ev.Seq)
		}
	}

	if len(frames) == 0 {
		return nil, nil
	}

	var root *ResumeContext
	var prev *ResumeContext
	for _, f := range frames {
		rc := &ResumeContext{
			State:           f.state,
			StepIndex:       f.stepIndex,
			WebhookResponse: f.webhookResponse,
			Agent:           f.agent,
			Batch:           f.batch,
		}
		if root == nil {
			root = rc
		} else {
			prev.Inner = rc
		}
		prev = rc
	}
	root.TotalTokens = totalTokens
	return root, nil
}
