package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/floegence/insight-agent/internal/summarize"
	"github.com/floegence/insight-agent/internal/tools"
)

// runReporting builds the final report from the plan and execution log. It is
// deterministic: no model call, so the same log always yields the same report.
// A halted execution still gets a report; failed and never-attempted steps are
// listed explicitly instead of being omitted.
func (s *Service) runReporting(ctx context.Context, st *State) error {
	if st.Report == nil {
		st.Report = buildReport(st)
	}
	if st.Stage != StageFailed && st.Stage != StageCancelled {
		st.Stage = StageCompleted
	}
	if err := s.persist(ctx, st); err != nil {
		return err
	}
	s.log.Info("conversation finished",
		"conversation_id", st.ConversationID, "stage", st.Stage, "incomplete", st.Report.Incomplete)
	return nil
}

func buildReport(st *State) *Report {
	r := &Report{}
	if st.Plan == nil {
		r.Summary = fmt.Sprintf("Analysis of: %s. No plan was executed.", summarize.Text(st.Request.Text, 200))
		r.Incomplete = true
		return r
	}

	succeeded := 0
	for _, step := range st.Plan.Steps {
		switch step.Status {
		case StepStatusSucceeded:
			succeeded++
			if strings.TrimSpace(step.ResultSummary) != "" {
				r.Findings = append(r.Findings,
					fmt.Sprintf("%s: %s", step.Instruction, firstLines(step.ResultSummary, 12)))
			}
		case StepStatusFailed:
			r.Incomplete = true
			r.FailedStepIDs = append(r.FailedStepIDs, step.ID)
		case StepStatusPending:
			r.Incomplete = true
			r.UnattemptedStepIDs = append(r.UnattemptedStepIDs, step.ID)
		}
	}

	r.Artifacts = collectArtifacts(st.Log)
	r.Summary = fmt.Sprintf("Analysis of: %s. %d of %d steps succeeded.",
		summarize.Text(st.Request.Text, 200), succeeded, len(st.Plan.Steps))
	if r.Incomplete {
		r.Summary += " The analysis is incomplete."
		r.Recommendations = append(r.Recommendations,
			"Address the failed steps and resubmit the request; unattempted steps were skipped because an earlier step failed.")
		for _, entry := range st.Log {
			if entry.Error == nil {
				continue
			}
			r.Recommendations = append(r.Recommendations,
				fmt.Sprintf("Step %s attempt %d failed: %s", entry.StepID, entry.Attempt, entry.Error.Error()))
		}
	}
	return r
}

// collectArtifacts lists every artifact in log order, deduplicated by id.
func collectArtifacts(log []LogEntry) []tools.ArtifactRef {
	var out []tools.ArtifactRef
	seen := map[string]struct{}{}
	for _, entry := range log {
		if entry.Artifact == nil {
			continue
		}
		if _, dup := seen[entry.Artifact.ID]; dup {
			continue
		}
		seen[entry.Artifact.ID] = struct{}{}
		out = append(out, *entry.Artifact)
	}
	return out
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n") + "\n..."
}
