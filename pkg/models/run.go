package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the externally visible status of a run.
type RunStatus string

// Run status constants.
const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusPaused    RunStatus = "PAUSED"
	RunStatusWaiting   RunStatus = "WAITING"
	RunStatusComplete  RunStatus = "COMPLETE"
	RunStatusError     RunStatus = "ERROR"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further events.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusComplete || s == RunStatusError || s == RunStatusCancelled
}

// StepStatus is the status of a single step within a brain.
type StepStatus string

// Step status constants. HALTED marks steps skipped because a preceding
// guard evaluated false; they were never started.
const (
	StepStatusPending  StepStatus = "PENDING"
	StepStatusRunning  StepStatus = "RUNNING"
	StepStatusComplete StepStatus = "COMPLETE"
	StepStatusError    StepStatus = "ERROR"
	StepStatusHalted   StepStatus = "HALTED"
)

// StepInfo is the observable state of one step. InnerSteps holds the spliced
// step list of a completed nested brain.
type StepInfo struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Status     StepStatus      `json:"status"`
	Patch      json.RawMessage `json:"patch,omitempty"`
	InnerSteps []StepInfo      `json:"innerSteps,omitempty"`
}

// Clone returns a deep copy of the step, including inner steps.
func (s StepInfo) Clone() StepInfo {
	out := s
	if s.Patch != nil {
		out.Patch = append(json.RawMessage(nil), s.Patch...)
	}
	if s.InnerSteps != nil {
		out.InnerSteps = CloneSteps(s.InnerSteps)
	}
	return out
}

// CloneSteps deep-copies a step list.
func CloneSteps(steps []StepInfo) []StepInfo {
	out := make([]StepInfo, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}

// Run is the persisted header of a single brain run. The event log is the
// source of truth; the header is a cheap denormalization for list queries.
type Run struct {
	BrainRunID  string         `json:"brainRunId"`
	BrainName   string         `json:"brainName"`
	BrainTitle  string         `json:"brainTitle"`
	Description string         `json:"brainDescription,omitempty"`
	Type        string         `json:"type"`
	Status      RunStatus      `json:"status"`
	Options     map[string]any `json:"options,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	LastSeq     int64          `json:"-"`
}
