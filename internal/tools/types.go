// Package tools defines the collaborator contracts the execution loop
// dispatches to (query execution, data transformation, chart rendering) and
// the structured error taxonomy shared across them.
package tools

import (
	"context"
	"errors"
	"strings"
)

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrorCodeInvalidSQL ErrorCode = "INVALID_SQL"
	ErrorCodeBadSpec    ErrorCode = "BAD_SPEC"
	ErrorCodeExecFailed ErrorCode = "EXEC_FAILED"
	ErrorCodeTimeout    ErrorCode = "TIMEOUT"
	ErrorCodeCanceled   ErrorCode = "CANCELED"
	ErrorCodeUnknown    ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata. Failures are reported
// as values, never as panics: a crashed step must not lose conversation state.
type ToolError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
}

// ClassifyError converts an arbitrary failure into a ToolError with a stable
// code and a retry hint. Retryable here means "a reformulated attempt may
// succeed", which is what the execution loop's retry budget is for.
func ClassifyError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		te.Normalize()
		return te
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Tool failed"
	}
	lower := strings.ToLower(msg)

	out := &ToolError{Code: ErrorCodeUnknown, Message: msg}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Code = ErrorCodeTimeout
		out.Retryable = true
	case errors.Is(err, context.Canceled):
		out.Code = ErrorCodeCanceled
	case strings.Contains(lower, "no such table"),
		strings.Contains(lower, "no such column"),
		strings.Contains(lower, "syntax error"):
		out.Code = ErrorCodeInvalidSQL
		out.Retryable = true
	case strings.Contains(lower, "not found"):
		out.Code = ErrorCodeNotFound
	case strings.Contains(lower, "timed out"):
		out.Code = ErrorCodeTimeout
		out.Retryable = true
	}
	out.Normalize()
	return out
}

// QueryResult is a bounded tabular result.
type QueryResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated,omitempty"`
}

// DataAccess executes queries against the analysis database.
//
// Both calls block; result size may require summarization before re-entering
// a prompt.
type DataAccess interface {
	// Schema returns a textual description of the available tables.
	Schema(ctx context.Context) (string, error)
	// Query runs one SQL statement and returns a row-capped result.
	Query(ctx context.Context, query string) (*QueryResult, error)
}

// CodeRunner executes a data-transformation snippet against a namespace of
// prior step outputs. Failures are typed errors, not process crashes.
type CodeRunner interface {
	Run(ctx context.Context, code string, namespace map[string]any) (any, error)
}

// ChartSpec describes one chart to render.
type ChartSpec struct {
	Kind   string         `json:"kind"` // line | bar | scatter | area | pie
	Title  string         `json:"title,omitempty"`
	XField string         `json:"x_field,omitempty"`
	YField string         `json:"y_field,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// ArtifactRef points at a rendered artifact on disk.
type ArtifactRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// Visualizer renders a chart spec plus data into an artifact.
type Visualizer interface {
	Render(ctx context.Context, spec ChartSpec, data []map[string]any) (ArtifactRef, error)
}
