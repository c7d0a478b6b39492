package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/floegence/insight-agent/internal/convstore"
	"github.com/floegence/insight-agent/internal/llm"
	"github.com/floegence/insight-agent/internal/tools"
)

type fakeClient struct {
	mu    sync.Mutex
	route func(prompt string) (string, error)
	calls []string
}

func (c *fakeClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.calls = append(c.calls, req.Prompt)
	c.mu.Unlock()
	return c.route(req.Prompt)
}

func (c *fakeClient) ModelID() string { return "fake/scripted" }

type fakeData struct {
	schema  string
	queryFn func(query string) (*tools.QueryResult, error)
}

func (d *fakeData) Schema(ctx context.Context) (string, error) { return d.schema, nil }

func (d *fakeData) Query(ctx context.Context, query string) (*tools.QueryResult, error) {
	return d.queryFn(query)
}

type fakeRunner struct {
	runFn func(code string, namespace map[string]any) (any, error)
}

func (r *fakeRunner) Run(ctx context.Context, code string, namespace map[string]any) (any, error) {
	return r.runFn(code, namespace)
}

type fakeViz struct {
	renderFn func(spec tools.ChartSpec, data []map[string]any) (tools.ArtifactRef, error)
}

func (v *fakeViz) Render(ctx context.Context, spec tools.ChartSpec, data []map[string]any) (tools.ArtifactRef, error) {
	return v.renderFn(spec, data)
}

const (
	understandingResp = "Looking at the request:\n```json\n{\"entities\":[\"revenue\"],\"metrics\":[\"growth\"],\"filters\":[]}\n```"
	threeStepPlanResp = `{"steps":[
  {"kind":"data-extraction","instruction":"Extract monthly revenue totals from the revenue table"},
  {"kind":"data-transformation","instruction":"Compute month-over-month revenue growth"},
  {"kind":"visualization","instruction":"Chart the monthly growth as a line chart"}
]}`
	sqlResp   = "```sql\nSELECT month, amount FROM revenue ORDER BY month\n```"
	goResp    = "```go\nfunc Transform(input map[string]any) (any, error) {\n\treturn nil, nil\n}\n```"
	chartResp = `{"kind":"line","title":"Month-over-month growth","x_field":"month","y_field":"growth"}`
)

// promptKind identifies which template produced a prompt, via markers that
// are part of the template text.
func promptKind(prompt string) string {
	switch {
	case strings.Contains(prompt, "normalized task description"):
		return "understanding"
	case strings.Contains(prompt, "ordered plan of executable steps"):
		return "plan"
	case strings.Contains(prompt, "Classify the reply"):
		return "classify"
	case strings.Contains(prompt, "sql code block"):
		return "extract"
	case strings.Contains(prompt, "go code block"):
		return "transform"
	case strings.Contains(prompt, "Describe the chart"):
		return "chart"
	case strings.Contains(prompt, "short plain-text answer"):
		return "note"
	default:
		return "unknown"
	}
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	store, err := convstore.Open(filepath.Join(t.TempDir(), "conv.sqlite"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	opts.Store = store
	opts.Logger = slog.New(slog.DiscardHandler)
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func monthRows() []map[string]any {
	return []map[string]any{
		{"month": "2025-01", "amount": 1000.0},
		{"month": "2025-02", "amount": 1100.0},
		{"month": "2025-03", "amount": 1210.0},
	}
}

func growthRows() []map[string]any {
	return []map[string]any{
		{"month": "2025-02", "growth": 0.10},
		{"month": "2025-03", "growth": 0.10},
	}
}

func TestEndToEnd_GrowthAnalysis(t *testing.T) {
	t.Parallel()

	client := &fakeClient{route: func(prompt string) (string, error) {
		switch promptKind(prompt) {
		case "understanding":
			return understandingResp, nil
		case "plan":
			return threeStepPlanResp, nil
		case "extract":
			return sqlResp, nil
		case "transform":
			return goResp, nil
		case "chart":
			return chartResp, nil
		}
		return "", fmt.Errorf("unexpected prompt: %s", prompt)
	}}
	svc := newTestService(t, Options{
		Client: client,
		Data: &fakeData{
			schema: "TABLE revenue (month TEXT, amount REAL) -- 3 rows",
			queryFn: func(query string) (*tools.QueryResult, error) {
				if !strings.Contains(query, "revenue") {
					return nil, &tools.ToolError{Code: tools.ErrorCodeInvalidSQL, Message: "no such table"}
				}
				rows := monthRows()
				return &tools.QueryResult{Columns: []string{"month", "amount"}, Rows: rows, RowCount: len(rows)}, nil
			},
		},
		Runner: &fakeRunner{runFn: func(code string, namespace map[string]any) (any, error) {
			if len(namespace) == 0 {
				return nil, errors.New("expected extraction output in namespace")
			}
			return growthRows(), nil
		}},
		Visualizer: &fakeViz{renderFn: func(spec tools.ChartSpec, data []map[string]any) (tools.ArtifactRef, error) {
			if spec.Kind != "line" || spec.YField != "growth" {
				return tools.ArtifactRef{}, fmt.Errorf("unexpected spec %+v", spec)
			}
			if len(data) != len(growthRows()) {
				return tools.ArtifactRef{}, fmt.Errorf("unexpected data %v", data)
			}
			return tools.ArtifactRef{ID: "chart_1", Kind: "chart", Path: "/tmp/chart_1.chart.json"}, nil
		}},
	})

	ctx := context.Background()
	start, err := svc.Start(ctx, StartRequest{Text: "compute month-over-month revenue growth and chart it"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start.Stage != StageAwaitingConfirmation {
		t.Fatalf("stage=%q, want awaiting_confirmation", start.Stage)
	}
	if len(start.Plan.Steps) != 3 {
		t.Fatalf("plan has %d steps, want 3", len(start.Plan.Steps))
	}

	// Suspension holds nothing beyond the snapshot: a fresh status read
	// reproduces the exact persisted plan.
	status, err := svc.GetStatus(ctx, start.ConversationID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !reflect.DeepEqual(status.Plan, start.Plan) {
		t.Fatalf("persisted plan differs:\n%+v\n%+v", status.Plan, start.Plan)
	}

	resp, err := svc.SubmitFeedback(ctx, FeedbackRequest{ConversationID: start.ConversationID, Text: "OK"})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if resp.Decision != DecisionApprove {
		t.Fatalf("decision=%q, want approve", resp.Decision)
	}
	if resp.Stage != StageCompleted {
		t.Fatalf("stage=%q, want completed", resp.Stage)
	}
	for _, step := range resp.Plan.Steps {
		if step.Status != StepStatusSucceeded {
			t.Fatalf("step %q status=%q, want succeeded", step.ID, step.Status)
		}
	}
	if resp.Report == nil {
		t.Fatalf("no report")
	}
	if resp.Report.Incomplete {
		t.Fatalf("report marked incomplete: %+v", resp.Report)
	}
	if len(resp.Report.Artifacts) != 1 || resp.Report.Artifacts[0].ID != "chart_1" {
		t.Fatalf("artifacts=%+v, want one chart", resp.Report.Artifacts)
	}
	foundGrowth := false
	for _, finding := range resp.Report.Findings {
		if strings.Contains(finding, "growth") {
			foundGrowth = true
		}
	}
	if !foundGrowth {
		t.Fatalf("no growth finding in %v", resp.Report.Findings)
	}
}

func TestExecution_StepFailsTwiceHaltsLoop(t *testing.T) {
	t.Parallel()

	client := &fakeClient{route: func(prompt string) (string, error) {
		switch promptKind(prompt) {
		case "understanding":
			return understandingResp, nil
		case "plan":
			return threeStepPlanResp, nil
		case "extract":
			return sqlResp, nil
		case "transform":
			return goResp, nil
		}
		return "", fmt.Errorf("unexpected prompt: %s", prompt)
	}}
	svc := newTestService(t, Options{
		Client: client,
		Data: &fakeData{
			schema: "TABLE revenue (month TEXT, amount REAL)",
			queryFn: func(query string) (*tools.QueryResult, error) {
				rows := monthRows()
				return &tools.QueryResult{Columns: []string{"month", "amount"}, Rows: rows, RowCount: len(rows)}, nil
			},
		},
		Runner: &fakeRunner{runFn: func(code string, namespace map[string]any) (any, error) {
			return nil, &tools.ToolError{Code: tools.ErrorCodeExecFailed, Message: "divide by zero", Retryable: true}
		}},
		Visualizer: &fakeViz{renderFn: func(spec tools.ChartSpec, data []map[string]any) (tools.ArtifactRef, error) {
			return tools.ArtifactRef{}, errors.New("must not be reached")
		}},
	})

	ctx := context.Background()
	start, err := svc.Start(ctx, StartRequest{Text: "compute month-over-month revenue growth and chart it"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := svc.SubmitFeedback(ctx, FeedbackRequest{ConversationID: start.ConversationID, Text: "yes"})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}

	if resp.Stage != StageFailed {
		t.Fatalf("stage=%q, want failed", resp.Stage)
	}
	steps := resp.Plan.Steps
	if steps[0].Status != StepStatusSucceeded {
		t.Fatalf("step 1 status=%q", steps[0].Status)
	}
	if steps[1].Status != StepStatusFailed || steps[1].Attempts != 2 {
		t.Fatalf("step 2 status=%q attempts=%d, want failed after 2", steps[1].Status, steps[1].Attempts)
	}
	if steps[2].Status != StepStatusPending {
		t.Fatalf("step 3 status=%q, want pending (never attempted)", steps[2].Status)
	}
	if resp.FailedStepID != steps[1].ID {
		t.Fatalf("FailedStepID=%q, want %q", resp.FailedStepID, steps[1].ID)
	}

	attempts := 0
	status, err := svc.GetStatus(ctx, start.ConversationID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	for _, entry := range status.Log {
		if entry.StepID == steps[1].ID {
			attempts++
			if entry.Error == nil {
				t.Fatalf("failed attempt logged without error: %+v", entry)
			}
		}
	}
	if attempts != 2 {
		t.Fatalf("log has %d attempts for the failed step, want exactly 2", attempts)
	}

	if resp.Report == nil || !resp.Report.Incomplete {
		t.Fatalf("report=%+v, want incomplete", resp.Report)
	}
	if len(resp.Report.FailedStepIDs) != 1 || resp.Report.FailedStepIDs[0] != steps[1].ID {
		t.Fatalf("FailedStepIDs=%v", resp.Report.FailedStepIDs)
	}
	if len(resp.Report.UnattemptedStepIDs) != 1 || resp.Report.UnattemptedStepIDs[0] != steps[2].ID {
		t.Fatalf("UnattemptedStepIDs=%v", resp.Report.UnattemptedStepIDs)
	}

	// Terminal conversations reject further feedback.
	if _, err := svc.SubmitFeedback(ctx, FeedbackRequest{ConversationID: start.ConversationID, Text: "ok"}); !errors.Is(err, ErrConversationFinished) {
		t.Fatalf("err=%v, want ErrConversationFinished", err)
	}
}

// interruptedState is a snapshot the way a crash mid-execution leaves it: the
// stage marker on executing, one step done, one caught mid-attempt, one never
// reached. The raw step outputs (workspace) died with the process.
func interruptedState(stage Stage) *State {
	return &State{
		ConversationID: "conv_interrupted",
		Stage:          stage,
		Request:        TaskRequest{Text: "compute month-over-month revenue growth and chart it"},
		Understanding:  &Understanding{Entities: []string{"revenue"}, Metrics: []string{"growth"}},
		Plan: &Plan{Revision: 1, Steps: []Step{
			{ID: "step_a", Kind: StepKindExtraction, Instruction: "Extract monthly revenue totals from the revenue table", Status: StepStatusSucceeded, ResultSummary: "3 rows", Attempts: 1},
			{ID: "step_b", Kind: StepKindTransformation, Instruction: "Compute month-over-month revenue growth", Status: StepStatusRunning, Attempts: 1},
			{ID: "step_c", Kind: StepKindVisualization, Instruction: "Chart the monthly growth as a line chart", Status: StepStatusPending},
		}},
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}
}

func TestFeedback_ResumesInterruptedExecution(t *testing.T) {
	t.Parallel()

	client := &fakeClient{route: func(prompt string) (string, error) {
		switch promptKind(prompt) {
		case "transform":
			return goResp, nil
		case "chart":
			return chartResp, nil
		}
		return "", fmt.Errorf("unexpected prompt: %s", prompt)
	}}
	svc := newTestService(t, Options{
		Client: client,
		Runner: &fakeRunner{runFn: func(code string, namespace map[string]any) (any, error) {
			return growthRows(), nil
		}},
		Visualizer: &fakeViz{renderFn: func(spec tools.ChartSpec, data []map[string]any) (tools.ArtifactRef, error) {
			return tools.ArtifactRef{ID: "chart_1", Kind: "chart", Path: "/tmp/chart_1.chart.json"}, nil
		}},
	})

	ctx := context.Background()
	st := interruptedState(StageExecuting)
	if err := svc.persist(ctx, st); err != nil {
		t.Fatalf("persist: %v", err)
	}

	resp, err := svc.SubmitFeedback(ctx, FeedbackRequest{ConversationID: st.ConversationID, Text: "continue"})
	if err != nil {
		t.Fatalf("SubmitFeedback on an executing snapshot: %v", err)
	}
	if resp.Decision != DecisionApprove {
		t.Fatalf("decision=%q, want approve (plan was already approved)", resp.Decision)
	}
	if resp.Stage != StageCompleted {
		t.Fatalf("stage=%q, want completed", resp.Stage)
	}
	steps := resp.Plan.Steps
	if steps[0].Status != StepStatusSucceeded || steps[0].Attempts != 1 {
		t.Fatalf("finished step was rerun: %+v", steps[0])
	}
	if steps[1].Status != StepStatusSucceeded {
		t.Fatalf("interrupted step status=%q, want succeeded after resume", steps[1].Status)
	}
	if steps[2].Status != StepStatusSucceeded {
		t.Fatalf("pending step status=%q, want succeeded after resume", steps[2].Status)
	}
	if resp.Report == nil || len(resp.Report.Artifacts) != 1 {
		t.Fatalf("report=%+v, want one artifact", resp.Report)
	}
}

func TestFeedback_ResumesInterruptedReporting(t *testing.T) {
	t.Parallel()

	client := &fakeClient{route: func(prompt string) (string, error) {
		return "", fmt.Errorf("no model call expected, got: %s", prompt)
	}}
	svc := newTestService(t, Options{Client: client})

	ctx := context.Background()
	st := interruptedState(StageReporting)
	for i := range st.Plan.Steps {
		st.Plan.Steps[i].Status = StepStatusSucceeded
		st.Plan.Steps[i].ResultSummary = "done"
	}
	if err := svc.persist(ctx, st); err != nil {
		t.Fatalf("persist: %v", err)
	}

	resp, err := svc.SubmitFeedback(ctx, FeedbackRequest{ConversationID: st.ConversationID, Text: "continue"})
	if err != nil {
		t.Fatalf("SubmitFeedback on a reporting snapshot: %v", err)
	}
	if resp.Stage != StageCompleted || resp.Report == nil {
		t.Fatalf("stage=%q report=%v, want completed with a report", resp.Stage, resp.Report)
	}
	if resp.Report.Incomplete {
		t.Fatalf("report marked incomplete: %+v", resp.Report)
	}
}

func TestFeedback_CheckpointFailureAbortsApproval(t *testing.T) {
	t.Parallel()

	queried := false
	client := &fakeClient{route: func(prompt string) (string, error) {
		return "", fmt.Errorf("no model call expected, got: %s", prompt)
	}}
	svc := newTestService(t, Options{
		Client: client,
		Data: &fakeData{schema: "TABLE revenue (month TEXT)", queryFn: func(query string) (*tools.QueryResult, error) {
			queried = true
			return &tools.QueryResult{}, nil
		}},
	})

	st := &State{
		ConversationID: "conv_checkpoint",
		Stage:          StageAwaitingConfirmation,
		Request:        TaskRequest{Text: "compute revenue growth"},
		Plan: &Plan{Revision: 1, Steps: []Step{
			{ID: "step_a", Kind: StepKindExtraction, Instruction: "Extract monthly revenue totals", Status: StepStatusPending},
		}},
	}
	// Kill the store so the executing checkpoint cannot be written.
	_ = svc.opts.Store.Close()

	decision, err := svc.handleGateFeedback(context.Background(), st, "ok")
	if err == nil {
		t.Fatalf("approval proceeded past a failed checkpoint")
	}
	if decision != DecisionApprove {
		t.Fatalf("decision=%q, want approve", decision)
	}
	if queried {
		t.Fatalf("execution ran on an unpersisted stage transition")
	}
}

func TestFeedback_RevisionKeepsUnchangedStepIDs(t *testing.T) {
	t.Parallel()

	planCalls := 0
	revisedPlanResp := `{"steps":[
  {"kind":"data-extraction","instruction":"Extract monthly revenue totals from the revenue table"},
  {"kind":"data-transformation","instruction":"Compute month-over-month revenue growth"},
  {"kind":"visualization","instruction":"Chart the monthly growth as a bar chart"}
]}`
	client := &fakeClient{route: func(prompt string) (string, error) {
		switch promptKind(prompt) {
		case "understanding":
			return understandingResp, nil
		case "plan":
			planCalls++
			if planCalls == 1 {
				return threeStepPlanResp, nil
			}
			return revisedPlanResp, nil
		case "classify":
			return `{"decision":"revise"}`, nil
		}
		return "", fmt.Errorf("unexpected prompt: %s", prompt)
	}}
	svc := newTestService(t, Options{Client: client})

	ctx := context.Background()
	start, err := svc.Start(ctx, StartRequest{Text: "compute month-over-month revenue growth and chart it"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := svc.SubmitFeedback(ctx, FeedbackRequest{
		ConversationID: start.ConversationID,
		Text:           "use a bar chart for the last step",
	})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if resp.Decision != DecisionRevise {
		t.Fatalf("decision=%q, want revise", resp.Decision)
	}
	if resp.Stage != StageAwaitingConfirmation {
		t.Fatalf("stage=%q, want awaiting_confirmation", resp.Stage)
	}
	if resp.Plan.Revision != 2 {
		t.Fatalf("Revision=%d, want 2", resp.Plan.Revision)
	}
	if resp.Plan.Steps[0].ID != start.Plan.Steps[0].ID || resp.Plan.Steps[1].ID != start.Plan.Steps[1].ID {
		t.Fatalf("unchanged steps lost their ids: %+v vs %+v", resp.Plan.Steps, start.Plan.Steps)
	}
	if resp.Plan.Steps[2].ID == start.Plan.Steps[2].ID {
		t.Fatalf("reworded step kept its id")
	}
}

func TestFeedback_Abort(t *testing.T) {
	t.Parallel()

	client := &fakeClient{route: func(prompt string) (string, error) {
		switch promptKind(prompt) {
		case "understanding":
			return understandingResp, nil
		case "plan":
			return threeStepPlanResp, nil
		}
		return "", fmt.Errorf("unexpected prompt: %s", prompt)
	}}
	svc := newTestService(t, Options{Client: client})

	ctx := context.Background()
	start, err := svc.Start(ctx, StartRequest{Text: "compute month-over-month revenue growth and chart it"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := svc.SubmitFeedback(ctx, FeedbackRequest{ConversationID: start.ConversationID, Text: "取消"})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if resp.Decision != DecisionAbort || resp.Stage != StageCancelled {
		t.Fatalf("decision=%q stage=%q, want abort/cancelled", resp.Decision, resp.Stage)
	}
}

func TestUnderstandingFailure_SurfacedThenClarified(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	clarified := false
	client := &fakeClient{route: func(prompt string) (string, error) {
		switch promptKind(prompt) {
		case "understanding":
			mu.Lock()
			defer mu.Unlock()
			if !clarified {
				return "I am not sure what you mean.", nil
			}
			return understandingResp, nil
		case "plan":
			return threeStepPlanResp, nil
		}
		return "", fmt.Errorf("unexpected prompt: %s", prompt)
	}}
	svc := newTestService(t, Options{Client: client})

	ctx := context.Background()
	start, err := svc.Start(ctx, StartRequest{Text: "do the thing"})
	if !errors.Is(err, ErrUnderstandingFailed) {
		t.Fatalf("err=%v, want ErrUnderstandingFailed", err)
	}
	if start.Stage != StageUnderstanding {
		t.Fatalf("stage=%q, want understanding (resumable)", start.Stage)
	}
	if start.FailureReason == "" {
		t.Fatalf("no failure reason surfaced")
	}

	mu.Lock()
	clarified = true
	mu.Unlock()
	resp, err := svc.SubmitFeedback(ctx, FeedbackRequest{
		ConversationID: start.ConversationID,
		Text:           "I mean month-over-month revenue growth from the revenue table",
	})
	if err != nil {
		t.Fatalf("SubmitFeedback after clarification: %v", err)
	}
	if resp.Stage != StageAwaitingConfirmation {
		t.Fatalf("stage=%q, want awaiting_confirmation", resp.Stage)
	}
	if resp.FailureReason != "" {
		t.Fatalf("failure reason not cleared: %q", resp.FailureReason)
	}
}

func TestPlanningFailure_RetriesOnceThenSurfaces(t *testing.T) {
	t.Parallel()

	planCalls := 0
	client := &fakeClient{route: func(prompt string) (string, error) {
		switch promptKind(prompt) {
		case "understanding":
			return understandingResp, nil
		case "plan":
			planCalls++
			return "I cannot produce a plan right now.", nil
		}
		return "", fmt.Errorf("unexpected prompt: %s", prompt)
	}}
	svc := newTestService(t, Options{Client: client})

	start, err := svc.Start(context.Background(), StartRequest{Text: "compute revenue growth"})
	if !errors.Is(err, ErrPlanningFailed) {
		t.Fatalf("err=%v, want ErrPlanningFailed", err)
	}
	if planCalls != 2 {
		t.Fatalf("planCalls=%d, want 2 (original + one reformulated retry)", planCalls)
	}
	if start.Stage != StagePlanning {
		t.Fatalf("stage=%q, want planning (resumable)", start.Stage)
	}
}
