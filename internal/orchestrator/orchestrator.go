package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/insight-agent/internal/convstore"
	"github.com/floegence/insight-agent/internal/llm"
	"github.com/floegence/insight-agent/internal/tools"
)

const (
	defaultMaxStepRetries = 1
	defaultStepTimeout    = 120 * time.Second
)

var (
	// ErrUnderstandingFailed is surfaced when a request cannot be normalized.
	// The conversation stays resumable: the next feedback turn is treated as a
	// clarification and understanding runs again.
	ErrUnderstandingFailed = errors.New("understanding failed")

	// ErrPlanningFailed is surfaced after planning exhausted its extraction
	// retry. The conversation stays resumable.
	ErrPlanningFailed = errors.New("planning failed")

	// ErrConversationFinished rejects feedback on a terminal conversation.
	ErrConversationFinished = errors.New("conversation is finished")

	// ErrNotFound mirrors the store's not-found result.
	ErrNotFound = convstore.ErrNotFound
)

// Options wires the orchestrator to its collaborators. Store and Client are
// required; tool collaborators may be nil when the corresponding step kinds
// never occur.
type Options struct {
	Store      *convstore.Store
	Client     llm.Client
	Data       tools.DataAccess
	Runner     tools.CodeRunner
	Visualizer tools.Visualizer
	Logger     *slog.Logger

	// MaxStepRetries is the number of automatic retries per step after its
	// first attempt. nil means 1.
	MaxStepRetries *int

	// StepTimeout bounds every blocking tool or model call inside a step.
	// 0 means 120s.
	StepTimeout time.Duration
}

// Service drives conversations through the stage graph. All mutation for one
// conversation identifier is serialized through a per-conversation actor;
// different conversations advance fully in parallel.
type Service struct {
	opts Options
	log  *slog.Logger
	mgr  *convManager
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Client == nil {
		return nil, errors.New("missing model client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := loadPrompts(); err != nil {
		return nil, err
	}
	return &Service{opts: opts, log: logger, mgr: newConvManager()}, nil
}

// Close stops every conversation actor. In-flight stages run to completion.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mgr.Close()
}

func (s *Service) maxStepRetries() int {
	if s.opts.MaxStepRetries == nil {
		return defaultMaxStepRetries
	}
	if *s.opts.MaxStepRetries < 0 {
		return 0
	}
	return *s.opts.MaxStepRetries
}

func (s *Service) stepTimeout() time.Duration {
	if s.opts.StepTimeout <= 0 {
		return defaultStepTimeout
	}
	return s.opts.StepTimeout
}

// StartRequest opens a new conversation.
type StartRequest struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

// StartResponse reports where the new conversation stopped: normally at the
// confirmation gate with a plan to review.
type StartResponse struct {
	ConversationID string `json:"conversation_id"`
	Stage          Stage  `json:"stage"`
	Plan           *Plan  `json:"plan,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// FeedbackRequest resumes a suspended conversation with human feedback.
type FeedbackRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// FeedbackResponse reports the conversation position after the feedback turn
// was fully processed (including execution and reporting on approval).
type FeedbackResponse struct {
	ConversationID string           `json:"conversation_id"`
	Stage          Stage            `json:"stage"`
	Decision       FeedbackDecision `json:"decision"`
	Plan           *Plan            `json:"plan,omitempty"`
	Report         *Report          `json:"report,omitempty"`
	FailedStepID   string           `json:"failed_step_id,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
}

// StatusResponse is a read-only view of the latest snapshot.
type StatusResponse struct {
	ConversationID  string     `json:"conversation_id"`
	Stage           Stage      `json:"stage"`
	Plan            *Plan      `json:"plan,omitempty"`
	Log             []LogEntry `json:"log,omitempty"`
	Report          *Report    `json:"report,omitempty"`
	FailedStepID    string     `json:"failed_step_id,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	UpdatedAtUnixMs int64      `json:"updated_at_unix_ms"`
}

// Start creates a conversation and advances it through understanding and
// planning to the confirmation gate. A surfaced understanding or planning
// failure leaves the conversation resumable and is returned alongside the
// persisted position.
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	if s == nil {
		return StartResponse{}, errors.New("service not ready")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return StartResponse{}, errors.New("missing request text")
	}
	conversationID, err := NewConversationID()
	if err != nil {
		return StartResponse{}, err
	}

	actor := s.mgr.Get(conversationID)
	if actor == nil {
		return StartResponse{}, errors.New("service closed")
	}
	out, err := actor.Do(ctx, func(ctx context.Context) (any, error) {
		now := time.Now().UnixMilli()
		st := &State{
			ConversationID:  conversationID,
			Stage:           StageUnderstanding,
			Request:         TaskRequest{Text: text, Context: strings.TrimSpace(req.Context)},
			CreatedAtUnixMs: now,
		}
		if err := s.persist(ctx, st); err != nil {
			return nil, err
		}
		advErr := s.advanceToGate(ctx, st)
		resp := StartResponse{
			ConversationID: st.ConversationID,
			Stage:          st.Stage,
			Plan:           st.Plan,
			FailureReason:  st.FailureReason,
		}
		return resp, advErr
	})
	resp, _ := out.(StartResponse)
	return resp, err
}

// advanceToGate runs understanding then planning and suspends at the
// confirmation gate. On a surfaced failure the stage marker stays on the
// failing stage with the reason persisted.
func (s *Service) advanceToGate(ctx context.Context, st *State) error {
	if st.Understanding == nil {
		if err := s.setStage(ctx, st, StageUnderstanding); err != nil {
			return err
		}
		u, err := s.runUnderstanding(ctx, st)
		if err != nil {
			return s.surfaceStageFailure(ctx, st, err)
		}
		st.Understanding = u
	}

	if err := s.setStage(ctx, st, StagePlanning); err != nil {
		return err
	}
	plan, err := s.runPlanning(ctx, st, "")
	if err != nil {
		return s.surfaceStageFailure(ctx, st, err)
	}
	st.Plan = plan
	st.FailureReason = ""
	return s.suspendAtGate(ctx, st)
}

// suspendAtGate is the confirmation gate: persist and return without further
// progress. No resource is held beyond the stored snapshot.
func (s *Service) suspendAtGate(ctx context.Context, st *State) error {
	st.Stage = StageAwaitingConfirmation
	if err := s.persist(ctx, st); err != nil {
		return err
	}
	s.log.Info("conversation awaiting confirmation",
		"conversation_id", st.ConversationID, "plan_steps", len(st.Plan.Steps), "plan_revision", st.Plan.Revision)
	return nil
}

// SubmitFeedback resumes a conversation with one human feedback turn and
// processes it to the next suspension or terminal state.
func (s *Service) SubmitFeedback(ctx context.Context, req FeedbackRequest) (FeedbackResponse, error) {
	if s == nil {
		return FeedbackResponse{}, errors.New("service not ready")
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	text := strings.TrimSpace(req.Text)
	if conversationID == "" {
		return FeedbackResponse{}, errors.New("missing conversation id")
	}
	if text == "" {
		return FeedbackResponse{}, errors.New("missing feedback text")
	}

	actor := s.mgr.Get(conversationID)
	if actor == nil {
		return FeedbackResponse{}, errors.New("service closed")
	}
	out, err := actor.Do(ctx, func(ctx context.Context) (any, error) {
		st, err := s.load(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if st.Stage.Terminal() {
			return nil, fmt.Errorf("%w (stage %s)", ErrConversationFinished, st.Stage)
		}
		decision, advErr := s.handleFeedback(ctx, st, text)
		resp := FeedbackResponse{
			ConversationID: st.ConversationID,
			Stage:          st.Stage,
			Decision:       decision,
			Plan:           st.Plan,
			Report:         st.Report,
			FailedStepID:   st.FailedStepID,
			FailureReason:  st.FailureReason,
		}
		return resp, advErr
	})
	resp, _ := out.(FeedbackResponse)
	return resp, err
}

// GetStatus returns the latest persisted snapshot. It does not enter the
// actor: reads never block an advancing stage.
func (s *Service) GetStatus(ctx context.Context, conversationID string) (StatusResponse, error) {
	if s == nil {
		return StatusResponse{}, errors.New("service not ready")
	}
	st, err := s.load(ctx, conversationID)
	if err != nil {
		return StatusResponse{}, err
	}
	return StatusResponse{
		ConversationID:  st.ConversationID,
		Stage:           st.Stage,
		Plan:            st.Plan,
		Log:             st.Log,
		Report:          st.Report,
		FailedStepID:    st.FailedStepID,
		FailureReason:   st.FailureReason,
		UpdatedAtUnixMs: st.UpdatedAtUnixMs,
	}, nil
}

// surfaceStageFailure persists the failing position and returns the original
// error. The stage marker keeps pointing at the failing stage so the next
// feedback turn can retry it with clarification.
func (s *Service) surfaceStageFailure(ctx context.Context, st *State, cause error) error {
	st.FailureReason = cause.Error()
	if perr := s.persist(ctx, st); perr != nil {
		return errors.Join(cause, perr)
	}
	s.log.Warn("stage surfaced a failure",
		"conversation_id", st.ConversationID, "stage", st.Stage, "reason", st.FailureReason)
	return cause
}

// setStage checkpoints a stage transition. A failed checkpoint aborts the
// stage attempt: advancing on an unpersisted transition would make a crash
// resume from the wrong node.
func (s *Service) setStage(ctx context.Context, st *State, stage Stage) error {
	if st.Stage == stage {
		return nil
	}
	st.Stage = stage
	return s.persist(ctx, st)
}

func (s *Service) persist(ctx context.Context, st *State) error {
	st.UpdatedAtUnixMs = time.Now().UnixMilli()
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := s.opts.Store.Save(ctx, st.ConversationID, string(st.Stage), raw); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, conversationID string) (*State, error) {
	snap, err := s.opts.Store.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(snap.State, &st); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	return &st, nil
}

// generate issues one bounded model call.
func (s *Service) generate(ctx context.Context, req llm.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.stepTimeout())
	defer cancel()
	return s.opts.Client.Generate(ctx, req)
}
