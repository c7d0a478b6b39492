package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/floegence/insight-agent/internal/extract"
	"github.com/floegence/insight-agent/internal/llm"
	"github.com/floegence/insight-agent/internal/summarize"
	"github.com/floegence/insight-agent/internal/tools"
)

// summaryBudget bounds per-step result summaries before they re-enter a
// prompt or the persisted plan.
var summaryBudget = summarize.Budget{MaxBytes: 2048}

// resumeRun drives an approved conversation from its executing or reporting
// checkpoint to a terminal state. The loop checkpoints after every attempt, so
// an interrupted process can leave a snapshot at either stage; a step left
// running by that process is reset to pending so it becomes visible to the
// loop again with a fresh attempt budget.
func (s *Service) resumeRun(ctx context.Context, st *State) error {
	if st.Stage == StageExecuting {
		if st.Plan != nil {
			for i := range st.Plan.Steps {
				if st.Plan.Steps[i].Status == StepStatusRunning {
					st.Plan.Steps[i].Status = StepStatusPending
				}
			}
		}
		if err := s.runExecution(ctx, st); err != nil {
			return err
		}
		if st.Stage != StageFailed {
			if err := s.setStage(ctx, st, StageReporting); err != nil {
				return err
			}
		}
	}
	return s.runReporting(ctx, st)
}

// runExecution drives the plan's steps in order. Each step gets its original
// attempt plus a bounded number of retries with the tool error fed back into
// an adjusted prompt. A step still failed after its budget halts the loop:
// later steps may depend on it, so they stay pending and the conversation
// moves to the failed state with partial results preserved.
//
// The workspace maps step identifiers to raw step outputs. It is scoped to
// this call and discarded on return; only summaries survive in the state.
func (s *Service) runExecution(ctx context.Context, st *State) error {
	if st.Plan == nil || len(st.Plan.Steps) == 0 {
		return fmt.Errorf("no plan to execute")
	}

	workspace := make(map[string]any)
	budget := 1 + s.maxStepRetries()

	for step := st.Plan.NextPendingStep(); step != nil; step = st.Plan.NextPendingStep() {
		var lastErr *tools.ToolError

		for attempt := 1; attempt <= budget; attempt++ {
			step.Status = StepStatusRunning
			step.Attempts = attempt
			if err := s.persist(ctx, st); err != nil {
				return err
			}

			errHint := ""
			if lastErr != nil {
				errHint = lastErr.Error()
			}
			started := time.Now().UnixMilli()
			summary, output, artifact, terr := s.runStepAttempt(ctx, st, step, workspace, errHint)

			entry := LogEntry{
				StepID:          step.ID,
				Attempt:         attempt,
				Kind:            step.Kind,
				Instruction:     step.Instruction,
				StartedAtUnixMs: started,
				EndedAtUnixMs:   time.Now().UnixMilli(),
			}
			if terr != nil {
				entry.Error = terr
				st.Log = append(st.Log, entry)
				step.Status = StepStatusFailed
				lastErr = terr
				if err := s.persist(ctx, st); err != nil {
					return err
				}
				s.log.Warn("step attempt failed",
					"conversation_id", st.ConversationID, "step_id", step.ID,
					"attempt", attempt, "code", terr.Code, "error", terr.Message)
				if terr.Code == tools.ErrorCodeCanceled {
					// The caller went away; retrying cannot help.
					attempt = budget
				}
				continue
			}

			entry.Output = summary
			entry.Artifact = artifact
			st.Log = append(st.Log, entry)
			step.Status = StepStatusSucceeded
			step.ResultSummary = summary
			workspace[step.ID] = output
			if err := s.persist(ctx, st); err != nil {
				return err
			}
			s.log.Info("step succeeded",
				"conversation_id", st.ConversationID, "step_id", step.ID, "attempt", attempt)
			break
		}

		if step.Status == StepStatusFailed {
			st.Stage = StageFailed
			st.FailedStepID = step.ID
			if lastErr != nil {
				st.FailureReason = lastErr.Error()
			}
			s.log.Warn("execution halted",
				"conversation_id", st.ConversationID, "step_id", step.ID, "reason", st.FailureReason)
			return s.persist(ctx, st)
		}
	}
	return nil
}

// runStepAttempt dispatches one attempt to the tool matching the step kind.
// Every blocking call inside the attempt shares one wall-clock timeout; a
// deadline becomes a TIMEOUT tool error and takes the normal retry path.
func (s *Service) runStepAttempt(ctx context.Context, st *State, step *Step, workspace map[string]any, errHint string) (string, any, *tools.ArtifactRef, *tools.ToolError) {
	sctx, cancel := context.WithTimeout(ctx, s.stepTimeout())
	defer cancel()

	switch step.Kind {
	case StepKindExtraction:
		summary, output, terr := s.runExtractionStep(sctx, st, step, errHint)
		return summary, output, nil, terr
	case StepKindTransformation:
		summary, output, terr := s.runTransformationStep(sctx, st, step, workspace, errHint)
		return summary, output, nil, terr
	case StepKindVisualization:
		return s.runVisualizationStep(sctx, st, step, workspace, errHint)
	case StepKindOtherTool:
		summary, output, terr := s.runNoteStep(sctx, st, step)
		return summary, output, nil, terr
	default:
		return "", nil, nil, &tools.ToolError{Code: tools.ErrorCodeBadSpec, Message: fmt.Sprintf("unknown step kind %q", step.Kind)}
	}
}

func (s *Service) runExtractionStep(ctx context.Context, st *State, step *Step, errHint string) (string, any, *tools.ToolError) {
	if s.opts.Data == nil {
		return "", nil, &tools.ToolError{Code: tools.ErrorCodeExecFailed, Message: "no data access configured"}
	}
	prompt, err := renderPrompt("step_extract", map[string]any{
		"Schema":       s.schemaDescription(ctx),
		"PriorResults": priorResultsText(st),
		"ErrorHint":    errHint,
		"Instruction":  step.Instruction,
	})
	if err != nil {
		return "", nil, tools.ClassifyError(err)
	}
	text, err := s.opts.Client.Generate(ctx, llm.Request{Prompt: prompt})
	if err != nil {
		return "", nil, tools.ClassifyError(err)
	}
	query := extract.CodeBlock(text, "sql")
	if strings.TrimSpace(query) == "" {
		return "", nil, &tools.ToolError{Code: tools.ErrorCodeInvalidSQL, Message: "model returned no query", Retryable: true}
	}

	res, err := s.opts.Data.Query(ctx, query)
	if err != nil {
		return "", nil, tools.ClassifyError(err)
	}
	summary := summarize.Table(res.Rows, summaryBudget).Render(summaryBudget)
	if res.Truncated {
		summary = "(result truncated at row cap)\n" + summary
	}
	return summary, res.Rows, nil
}

func (s *Service) runTransformationStep(ctx context.Context, st *State, step *Step, workspace map[string]any, errHint string) (string, any, *tools.ToolError) {
	if s.opts.Runner == nil {
		return "", nil, &tools.ToolError{Code: tools.ErrorCodeExecFailed, Message: "no code runner configured"}
	}
	prompt, err := renderPrompt("step_transform", map[string]any{
		"Keys":         strings.Join(workspaceKeys(workspace), ", "),
		"PriorResults": priorResultsText(st),
		"ErrorHint":    errHint,
		"Instruction":  step.Instruction,
	})
	if err != nil {
		return "", nil, tools.ClassifyError(err)
	}
	text, err := s.opts.Client.Generate(ctx, llm.Request{Prompt: prompt})
	if err != nil {
		return "", nil, tools.ClassifyError(err)
	}
	code := extract.CodeBlock(text, "go")
	if strings.TrimSpace(code) == "" {
		return "", nil, &tools.ToolError{Code: tools.ErrorCodeExecFailed, Message: "model returned no code", Retryable: true}
	}

	output, err := s.opts.Runner.Run(ctx, code, workspace)
	if err != nil {
		return "", nil, tools.ClassifyError(err)
	}
	return summarizeOutput(output), output, nil
}

// chartRequest is the wire shape the model emits for a visualization step.
type chartRequest struct {
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	XField   string `json:"x_field"`
	YField   string `json:"y_field"`
	DataFrom string `json:"data_from"`
}

func (s *Service) runVisualizationStep(ctx context.Context, st *State, step *Step, workspace map[string]any, errHint string) (string, any, *tools.ArtifactRef, *tools.ToolError) {
	if s.opts.Visualizer == nil {
		return "", nil, nil, &tools.ToolError{Code: tools.ErrorCodeExecFailed, Message: "no visualizer configured"}
	}
	prompt, err := renderPrompt("step_chart", map[string]any{
		"Keys":         strings.Join(workspaceKeys(workspace), ", "),
		"PriorResults": priorResultsText(st),
		"ErrorHint":    errHint,
		"Instruction":  step.Instruction,
	})
	if err != nil {
		return "", nil, nil, tools.ClassifyError(err)
	}
	text, err := s.opts.Client.Generate(ctx, llm.Request{Prompt: prompt})
	if err != nil {
		return "", nil, nil, tools.ClassifyError(err)
	}
	raw, ok := extract.LastJSONWithFields(text, "kind")
	if !ok {
		return "", nil, nil, &tools.ToolError{Code: tools.ErrorCodeBadSpec, Message: "model returned no chart spec", Retryable: true}
	}
	var req chartRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", nil, nil, &tools.ToolError{Code: tools.ErrorCodeBadSpec, Message: fmt.Sprintf("invalid chart spec: %v", err), Retryable: true}
	}

	rows, ok := resolveChartData(st, workspace, req.DataFrom)
	if !ok {
		return "", nil, nil, &tools.ToolError{Code: tools.ErrorCodeBadSpec, Message: "no tabular step output to plot", Retryable: true}
	}
	artifact, err := s.opts.Visualizer.Render(ctx, tools.ChartSpec{
		Kind:   req.Kind,
		Title:  req.Title,
		XField: req.XField,
		YField: req.YField,
	}, rows)
	if err != nil {
		return "", nil, nil, tools.ClassifyError(err)
	}

	summary := fmt.Sprintf("%s chart %q rendered to %s", req.Kind, req.Title, artifact.Path)
	return summary, rows, &artifact, nil
}

func (s *Service) runNoteStep(ctx context.Context, st *State, step *Step) (string, any, *tools.ToolError) {
	prompt, err := renderPrompt("step_note", map[string]any{
		"PriorResults": priorResultsText(st),
		"Instruction":  step.Instruction,
	})
	if err != nil {
		return "", nil, tools.ClassifyError(err)
	}
	text, err := s.opts.Client.Generate(ctx, llm.Request{Prompt: prompt})
	if err != nil {
		return "", nil, tools.ClassifyError(err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, &tools.ToolError{Code: tools.ErrorCodeExecFailed, Message: "model returned no answer", Retryable: true}
	}
	return summarize.Text(text, 1000), text, nil
}

// resolveChartData picks the rows to plot: the output the model named, else
// the most recent tabular step output.
func resolveChartData(st *State, workspace map[string]any, dataFrom string) ([]map[string]any, bool) {
	if id := strings.TrimSpace(dataFrom); id != "" {
		if rows, ok := toRows(workspace[id]); ok {
			return rows, true
		}
	}
	if st.Plan != nil {
		for i := len(st.Plan.Steps) - 1; i >= 0; i-- {
			if rows, ok := toRows(workspace[st.Plan.Steps[i].ID]); ok {
				return rows, true
			}
		}
	}
	return nil, false
}

// toRows normalizes a step output into tabular rows where possible.
func toRows(v any) ([]map[string]any, bool) {
	switch x := v.(type) {
	case []map[string]any:
		return x, len(x) > 0
	case []any:
		rows := make([]map[string]any, 0, len(x))
		for _, item := range x {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			rows = append(rows, m)
		}
		return rows, len(rows) > 0
	default:
		return nil, false
	}
}

// summarizeOutput bounds an arbitrary step output for the result summary.
func summarizeOutput(output any) string {
	if rows, ok := toRows(output); ok {
		return summarize.Table(rows, summaryBudget).Render(summaryBudget)
	}
	raw, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return summarize.Text(fmt.Sprintf("%v", output), 1000)
	}
	return summarize.Text(string(raw), 2000)
}

// priorResultsText renders the summaries of succeeded steps for a prompt.
func priorResultsText(st *State) string {
	if st.Plan == nil {
		return ""
	}
	var sb strings.Builder
	for _, step := range st.Plan.Steps {
		if step.Status != StepStatusSucceeded || strings.TrimSpace(step.ResultSummary) == "" {
			continue
		}
		fmt.Fprintf(&sb, "- %s (%s): %s\n", step.ID, step.Kind, step.ResultSummary)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func workspaceKeys(workspace map[string]any) []string {
	keys := make([]string, 0, len(workspace))
	for k := range workspace {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
