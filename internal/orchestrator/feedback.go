package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/floegence/insight-agent/internal/extract"
	"github.com/floegence/insight-agent/internal/llm"
)

// approvalVocabulary and abortVocabulary are matched case-insensitively
// against the whole trimmed feedback text with trailing punctuation stripped.
// Anything that matches neither vocabulary and carries no other signal is
// treated as a revision request: erring toward asking for a clearer plan
// beats guessing approval.
var approvalVocabulary = map[string]bool{
	"approve":  true,
	"approved": true,
	"confirm":  true,
	"execute":  true,
	"go":       true,
	"go ahead": true,
	"lgtm":     true,
	"ok":       true,
	"okay":     true,
	"proceed":  true,
	"run":      true,
	"run it":   true,
	"start":    true,
	"y":        true,
	"yes":      true,
	"同意":       true,
	"执行":       true,
	"开始":       true,
	"确认":       true,
	"可以":       true,
	"好的":       true,
}

var abortVocabulary = map[string]bool{
	"abort":  true,
	"cancel": true,
	"quit":   true,
	"stop":   true,
	"no":     true,
	"取消":     true,
	"终止":     true,
	"停止":     true,
}

// classifyDeterministic applies the rule set. ok=false means the text needs
// the model-assisted fallback.
func classifyDeterministic(text string) (FeedbackDecision, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".,!。！，~ ")
	if t == "" {
		return DecisionRevise, true
	}
	if approvalVocabulary[t] {
		return DecisionApprove, true
	}
	if abortVocabulary[t] {
		return DecisionAbort, true
	}
	return "", false
}

// classifyFeedback routes one feedback turn. Deterministic vocabulary first,
// then a model-assisted classification; anything ambiguous or failing falls
// back to revise with the raw text forwarded to planning.
func (s *Service) classifyFeedback(ctx context.Context, text string) FeedbackDecision {
	if decision, ok := classifyDeterministic(text); ok {
		return decision
	}

	prompt, err := renderPrompt("classify_feedback", map[string]any{"Feedback": text})
	if err != nil {
		return DecisionRevise
	}
	out, err := s.generate(ctx, llm.Request{Prompt: prompt, MaxOutputTokens: 64})
	if err != nil {
		s.log.Warn("feedback classification fell back to revise", "error", err)
		return DecisionRevise
	}
	raw, ok := extract.LastJSONWithFields(out, "decision")
	if !ok {
		return DecisionRevise
	}
	var parsed struct {
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return DecisionRevise
	}
	switch FeedbackDecision(strings.ToLower(strings.TrimSpace(parsed.Decision))) {
	case DecisionApprove:
		return DecisionApprove
	case DecisionAbort:
		return DecisionAbort
	default:
		return DecisionRevise
	}
}

// handleFeedback processes one feedback turn against the conversation's
// current position and advances until the next suspension or terminal state.
func (s *Service) handleFeedback(ctx context.Context, st *State, text string) (FeedbackDecision, error) {
	switch st.Stage {
	case StageAwaitingConfirmation:
		return s.handleGateFeedback(ctx, st, text)

	case StageExecuting, StageReporting:
		// A crash or interrupted process left the run checkpointed mid-stage.
		// The plan was already approved, so any feedback turn resumes the run
		// from the stage marker.
		s.appendFeedback(st, text, DecisionApprove)
		return DecisionApprove, s.resumeRun(ctx, st)

	case StageUnderstanding, StagePlanning:
		// A surfaced understanding/planning failure left the conversation
		// here. The feedback is a clarification; rerun from the failing stage.
		s.appendFeedback(st, text, DecisionRevise)
		if st.Stage == StageUnderstanding {
			st.Understanding = nil
		}
		return DecisionRevise, s.advanceToGate(ctx, st)

	default:
		return "", ErrConversationFinished
	}
}

func (s *Service) handleGateFeedback(ctx context.Context, st *State, text string) (FeedbackDecision, error) {
	decision := s.classifyFeedback(ctx, text)
	s.appendFeedback(st, text, decision)
	s.log.Info("feedback routed",
		"conversation_id", st.ConversationID, "decision", decision)

	switch decision {
	case DecisionApprove:
		if err := s.setStage(ctx, st, StageExecuting); err != nil {
			return decision, err
		}
		return decision, s.resumeRun(ctx, st)

	case DecisionAbort:
		st.Stage = StageCancelled
		if err := s.persist(ctx, st); err != nil {
			return decision, err
		}
		s.log.Info("conversation cancelled", "conversation_id", st.ConversationID)
		return decision, nil

	default:
		plan, err := s.runPlanning(ctx, st, text)
		if err != nil {
			st.Stage = StagePlanning
			return decision, s.surfaceStageFailure(ctx, st, err)
		}
		st.Plan = plan
		st.FailureReason = ""
		return decision, s.suspendAtGate(ctx, st)
	}
}

func (s *Service) appendFeedback(st *State, text string, decision FeedbackDecision) {
	st.Feedback = append(st.Feedback, FeedbackEvent{
		Text:     strings.TrimSpace(text),
		Decision: decision,
		AtUnixMs: time.Now().UnixMilli(),
	})
}
