package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floegence/insight-agent/internal/extract"
	"github.com/floegence/insight-agent/internal/llm"
)

// runUnderstanding maps the request plus the live schema into a normalized
// task description. One model call, no automatic retry: an ambiguous request
// should be clarified by a human, not silently guessed.
func (s *Service) runUnderstanding(ctx context.Context, st *State) (*Understanding, error) {
	prompt, err := renderPrompt("understanding", map[string]any{
		"Request":        st.Request.Text,
		"Context":        st.Request.Context,
		"Schema":         s.schemaDescription(ctx),
		"Clarifications": clarificationText(st.Feedback),
	})
	if err != nil {
		return nil, err
	}

	text, err := s.generate(ctx, llm.Request{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnderstandingFailed, err)
	}

	raw, ok := extract.LastJSONWithFields(text, "entities")
	if !ok {
		return nil, fmt.Errorf("%w: no structured payload in model output", ErrUnderstandingFailed)
	}
	var u Understanding
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnderstandingFailed, err)
	}
	u.Entities = normalizeList(u.Entities)
	u.Metrics = normalizeList(u.Metrics)
	u.Filters = normalizeList(u.Filters)
	u.Ambiguities = normalizeList(u.Ambiguities)

	if len(u.Entities) == 0 {
		return nil, fmt.Errorf("%w: no target entities identified", ErrUnderstandingFailed)
	}
	if len(u.Metrics) == 0 && len(u.Filters) == 0 {
		return nil, fmt.Errorf("%w: neither a metric nor a filter identified", ErrUnderstandingFailed)
	}
	return &u, nil
}

// schemaDescription asks the data collaborator for its schema. Best-effort:
// understanding can proceed on request text alone when no database is wired.
func (s *Service) schemaDescription(ctx context.Context) string {
	if s.opts.Data == nil {
		return "(no database attached)"
	}
	schema, err := s.opts.Data.Schema(ctx)
	if err != nil {
		s.log.Warn("schema introspection failed", "error", err)
		return "(schema unavailable)"
	}
	if strings.TrimSpace(schema) == "" {
		return "(no tables)"
	}
	return schema
}

// clarificationText joins revision feedback so a rerun of understanding sees
// what the user added after a surfaced failure.
func clarificationText(events []FeedbackEvent) string {
	var lines []string
	for _, ev := range events {
		if ev.Decision != DecisionRevise {
			continue
		}
		if t := strings.TrimSpace(ev.Text); t != "" {
			lines = append(lines, "- "+t)
		}
	}
	return strings.Join(lines, "\n")
}

func normalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
