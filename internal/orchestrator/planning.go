package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floegence/insight-agent/internal/extract"
	"github.com/floegence/insight-agent/internal/llm"
)

// plannedStep is the wire shape the model is asked to emit.
type plannedStep struct {
	Kind        string `json:"kind"`
	Instruction string `json:"instruction"`
}

type plannedSteps struct {
	Steps []plannedStep `json:"steps"`
}

// runPlanning produces a full replacement plan from the current understanding
// (plus the prior plan and feedback text on a revision pass). Extraction gets
// one automatic retry with a reformulated prompt before the failure surfaces.
func (s *Service) runPlanning(ctx context.Context, st *State, feedback string) (*Plan, error) {
	understandingJSON, err := json.MarshalIndent(st.Understanding, "", "  ")
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"Schema":        s.schemaDescription(ctx),
		"Understanding": string(understandingJSON),
		"Feedback":      strings.TrimSpace(feedback),
		"PriorPlan":     "",
	}
	if strings.TrimSpace(feedback) != "" && st.Plan != nil {
		data["PriorPlan"] = renderPlanText(st.Plan)
	}
	prompt, err := renderPrompt("plan", data)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		p := prompt
		if attempt > 1 {
			// Reformulated retry: repeat the request with the failure spelled
			// out and the output contract up front.
			p = fmt.Sprintf("Your previous reply could not be parsed (%v). Respond with ONLY the JSON object described below, no prose.\n\n%s", lastErr, prompt)
		}
		text, err := s.generate(ctx, llm.Request{Prompt: p})
		if err != nil {
			lastErr = err
			continue
		}
		steps, err := parsePlannedSteps(text)
		if err != nil {
			lastErr = err
			continue
		}
		return s.assemblePlan(st.Plan, steps)
	}
	return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, lastErr)
}

func parsePlannedSteps(text string) ([]plannedStep, error) {
	raw, ok := extract.LastJSONWithFields(text, "steps")
	if !ok {
		return nil, fmt.Errorf("no structured payload in model output")
	}
	var parsed plannedSteps
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Steps) == 0 {
		return nil, fmt.Errorf("plan contains no steps")
	}
	for i, step := range parsed.Steps {
		if !StepKind(strings.TrimSpace(step.Kind)).Valid() {
			return nil, fmt.Errorf("step %d: unknown kind %q", i+1, step.Kind)
		}
		if strings.TrimSpace(step.Instruction) == "" {
			return nil, fmt.Errorf("step %d: empty instruction", i+1)
		}
	}
	return parsed.Steps, nil
}

// assemblePlan assigns step identifiers. A step whose normalized instruction
// text matches an unclaimed step of the prior plan keeps that step's id, so
// the execution log stays attributable across revisions. This is a best-effort
// heuristic, not a guarantee: a reworded but semantically identical step gets
// a fresh id.
func (s *Service) assemblePlan(prior *Plan, steps []plannedStep) (*Plan, error) {
	priorByInstruction := make(map[string]string)
	if prior != nil {
		for _, step := range prior.Steps {
			key := normalizeInstruction(step.Instruction)
			if _, dup := priorByInstruction[key]; !dup {
				priorByInstruction[key] = step.ID
			}
		}
	}

	revision := 1
	if prior != nil {
		revision = prior.Revision + 1
	}
	out := &Plan{Revision: revision, Steps: make([]Step, 0, len(steps))}
	claimed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		key := normalizeInstruction(step.Instruction)
		id := ""
		if priorID, ok := priorByInstruction[key]; ok {
			if _, taken := claimed[priorID]; !taken {
				id = priorID
			}
		}
		if id == "" {
			fresh, err := newStepID()
			if err != nil {
				return nil, err
			}
			id = fresh
		}
		claimed[id] = struct{}{}
		out.Steps = append(out.Steps, Step{
			ID:          id,
			Kind:        StepKind(strings.TrimSpace(step.Kind)),
			Instruction: strings.TrimSpace(step.Instruction),
			Status:      StepStatusPending,
		})
	}
	return out, nil
}

// normalizeInstruction folds case, punctuation, and whitespace so trivial
// rewording does not break step identity across revisions.
func normalizeInstruction(instruction string) string {
	var sb strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(instruction) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastSpace = false
		case r > 127:
			sb.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				sb.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

func renderPlanText(p *Plan) string {
	if p == nil || len(p.Steps) == 0 {
		return "(no plan)"
	}
	var sb strings.Builder
	for i, step := range p.Steps {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, step.Kind, step.Instruction)
	}
	return strings.TrimRight(sb.String(), "\n")
}
