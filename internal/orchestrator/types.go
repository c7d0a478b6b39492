// Package orchestrator is the human-in-the-loop state machine that turns a
// natural-language analysis request into a supervised sequence of tool
// invocations and a final report.
//
// Control flow: understanding -> planning -> awaiting_confirmation (suspend)
// -> feedback -> {planning | executing} -> executing -> reporting. Every stage
// transition is checkpointed in the conversation store, so a conversation can
// pause indefinitely at the confirmation gate and resume from the latest
// snapshot.
package orchestrator

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/floegence/insight-agent/internal/tools"
)

// Stage records which node owns control next. It is persisted with every
// snapshot and is the sole dispatch key on resume.
type Stage string

const (
	StageUnderstanding        Stage = "understanding"
	StagePlanning             Stage = "planning"
	StageAwaitingConfirmation Stage = "awaiting_confirmation"
	StageExecuting            Stage = "executing"
	StageReporting            Stage = "reporting"
	StageCompleted            Stage = "completed"
	StageCancelled            Stage = "cancelled"
	StageFailed               Stage = "failed"
)

func (s Stage) Valid() bool {
	switch s {
	case StageUnderstanding, StagePlanning, StageAwaitingConfirmation,
		StageExecuting, StageReporting, StageCompleted, StageCancelled, StageFailed:
		return true
	}
	return false
}

// Terminal reports whether the conversation can no longer advance.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageCancelled || s == StageFailed
}

// StepKind is the closed set of planned work kinds.
type StepKind string

const (
	StepKindExtraction     StepKind = "data-extraction"
	StepKindTransformation StepKind = "data-transformation"
	StepKindVisualization  StepKind = "visualization"
	StepKindOtherTool      StepKind = "other-tool"
)

func (k StepKind) Valid() bool {
	switch k {
	case StepKindExtraction, StepKindTransformation, StepKindVisualization, StepKindOtherTool:
		return true
	}
	return false
}

// StepStatus transitions are monotonic: pending -> running -> succeeded or
// failed. A failed step re-enters running only through an explicit retry in
// the execution loop, never silently.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// Step is one unit of planned work. The identifier is stable across plan
// revisions for a step whose instruction is unchanged, so the execution log
// stays attributable after a revision.
type Step struct {
	ID            string     `json:"id"`
	Kind          StepKind   `json:"kind"`
	Instruction   string     `json:"instruction"`
	Status        StepStatus `json:"status"`
	ResultSummary string     `json:"result_summary,omitempty"`
	Attempts      int        `json:"attempts,omitempty"`
}

// Plan is a full-replacement artifact: Planning regenerates it wholesale, the
// execution loop mutates only step status and results.
type Plan struct {
	Revision int    `json:"revision"`
	Steps    []Step `json:"steps"`
}

// TaskRequest is immutable once created.
type TaskRequest struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

// Understanding is the normalized task description derived from a request. It
// is never mutated; a revision re-derives it.
type Understanding struct {
	Entities    []string `json:"entities"`
	Metrics     []string `json:"metrics,omitempty"`
	Filters     []string `json:"filters,omitempty"`
	Ambiguities []string `json:"ambiguities,omitempty"`
}

// FeedbackDecision is the routed classification of one human feedback turn.
type FeedbackDecision string

const (
	DecisionApprove FeedbackDecision = "approve"
	DecisionRevise  FeedbackDecision = "revise"
	DecisionAbort   FeedbackDecision = "abort"
)

// FeedbackEvent is one entry in the append-only feedback history.
type FeedbackEvent struct {
	Text     string           `json:"text"`
	Decision FeedbackDecision `json:"decision"`
	AtUnixMs int64            `json:"at_unix_ms"`
}

// LogEntry is one tool invocation attempt in the append-only execution log.
type LogEntry struct {
	StepID          string             `json:"step_id"`
	Attempt         int                `json:"attempt"`
	Kind            StepKind           `json:"kind"`
	Instruction     string             `json:"instruction"`
	Output          string             `json:"output,omitempty"`
	Error           *tools.ToolError   `json:"error,omitempty"`
	Artifact        *tools.ArtifactRef `json:"artifact,omitempty"`
	StartedAtUnixMs int64              `json:"started_at_unix_ms"`
	EndedAtUnixMs   int64              `json:"ended_at_unix_ms"`
}

// Report is the write-once final artifact, built solely from the execution
// log and plan of one conversation.
type Report struct {
	Summary         string              `json:"summary"`
	Findings        []string            `json:"findings,omitempty"`
	Recommendations []string            `json:"recommendations,omitempty"`
	Artifacts       []tools.ArtifactRef `json:"artifacts,omitempty"`

	// Incomplete is set when the log contains failed steps; the failed and
	// never-attempted steps are listed explicitly instead of being omitted.
	Incomplete         bool     `json:"incomplete,omitempty"`
	FailedStepIDs      []string `json:"failed_step_ids,omitempty"`
	UnattemptedStepIDs []string `json:"unattempted_step_ids,omitempty"`
}

// State is the full conversation aggregate. It is the only thing persisted;
// every stage loads the latest snapshot, mutates it, and writes a new one.
type State struct {
	ConversationID string          `json:"conversation_id"`
	Stage          Stage           `json:"stage"`
	Request        TaskRequest     `json:"request"`
	Understanding  *Understanding  `json:"understanding,omitempty"`
	Plan           *Plan           `json:"plan,omitempty"`
	Feedback       []FeedbackEvent `json:"feedback,omitempty"`
	Log            []LogEntry      `json:"log,omitempty"`
	Report         *Report         `json:"report,omitempty"`

	// FailedStepID and FailureReason qualify StageFailed, and carry the
	// surfaced reason while a non-terminal stage is waiting on clarification.
	FailedStepID  string `json:"failed_step_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// Validate rejects malformed snapshots on load. Dynamic state is persisted as
// JSON, so every enum and invariant is re-checked before a stage trusts it.
func (st *State) Validate() error {
	if st == nil {
		return fmt.Errorf("nil state")
	}
	if strings.TrimSpace(st.ConversationID) == "" {
		return fmt.Errorf("missing conversation id")
	}
	if !st.Stage.Valid() {
		return fmt.Errorf("unknown stage %q", st.Stage)
	}
	if strings.TrimSpace(st.Request.Text) == "" {
		return fmt.Errorf("missing request text")
	}
	if st.Plan != nil {
		seen := make(map[string]struct{}, len(st.Plan.Steps))
		for i := range st.Plan.Steps {
			step := &st.Plan.Steps[i]
			if strings.TrimSpace(step.ID) == "" {
				return fmt.Errorf("step %d: missing id", i)
			}
			if _, dup := seen[step.ID]; dup {
				return fmt.Errorf("duplicate step id %q", step.ID)
			}
			seen[step.ID] = struct{}{}
			if !step.Kind.Valid() {
				return fmt.Errorf("step %q: unknown kind %q", step.ID, step.Kind)
			}
			if !step.Status.Valid() {
				return fmt.Errorf("step %q: unknown status %q", step.ID, step.Status)
			}
			if strings.TrimSpace(step.Instruction) == "" {
				return fmt.Errorf("step %q: missing instruction", step.ID)
			}
		}
	}
	return nil
}

// NextPendingStep returns the first step that is still pending, or nil.
func (p *Plan) NextPendingStep() *Step {
	if p == nil {
		return nil
	}
	for i := range p.Steps {
		if p.Steps[i].Status == StepStatusPending {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	if p == nil {
		return nil
	}
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

func newID(prefix string) (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// NewConversationID returns a fresh conversation identifier.
func NewConversationID() (string, error) {
	return newID("conv")
}

func newStepID() (string, error) {
	return newID("step")
}
