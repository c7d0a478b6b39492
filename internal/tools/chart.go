package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChartWriter is the Visualizer implementation. It renders a chart as a
// self-contained JSON artifact (spec + inlined data) under the artifacts
// directory; any charting frontend can plot the artifact later without
// re-running the analysis.
type ChartWriter struct {
	dir string
}

func NewChartWriter(artifactsDir string) (*ChartWriter, error) {
	dir := filepath.Clean(strings.TrimSpace(artifactsDir))
	if dir == "" {
		return nil, errors.New("missing artifacts dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &ChartWriter{dir: dir}, nil
}

var chartKinds = map[string]bool{
	"area":    true,
	"bar":     true,
	"line":    true,
	"pie":     true,
	"scatter": true,
}

type chartArtifact struct {
	ID              string           `json:"id"`
	Spec            ChartSpec        `json:"spec"`
	Data            []map[string]any `json:"data"`
	CreatedAtUnixMs int64            `json:"created_at_unix_ms"`
}

func (w *ChartWriter) Render(ctx context.Context, spec ChartSpec, data []map[string]any) (ArtifactRef, error) {
	if w == nil {
		return ArtifactRef{}, errors.New("chart writer not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return ArtifactRef{}, ClassifyError(err)
	}

	kind := strings.ToLower(strings.TrimSpace(spec.Kind))
	if !chartKinds[kind] {
		return ArtifactRef{}, &ToolError{
			Code:      ErrorCodeBadSpec,
			Message:   fmt.Sprintf("unsupported chart kind %q", spec.Kind),
			Retryable: true,
		}
	}
	spec.Kind = kind
	if len(data) == 0 {
		return ArtifactRef{}, &ToolError{Code: ErrorCodeBadSpec, Message: "no data to chart", Retryable: true}
	}
	if kind != "pie" {
		if strings.TrimSpace(spec.XField) == "" || strings.TrimSpace(spec.YField) == "" {
			return ArtifactRef{}, &ToolError{Code: ErrorCodeBadSpec, Message: "x_field and y_field are required", Retryable: true}
		}
		if _, ok := data[0][spec.XField]; !ok {
			return ArtifactRef{}, &ToolError{Code: ErrorCodeBadSpec, Message: fmt.Sprintf("x_field %q not present in data", spec.XField), Retryable: true}
		}
		if _, ok := data[0][spec.YField]; !ok {
			return ArtifactRef{}, &ToolError{Code: ErrorCodeBadSpec, Message: fmt.Sprintf("y_field %q not present in data", spec.YField), Retryable: true}
		}
	}

	id := "chart_" + uuid.NewString()
	artifact := chartArtifact{
		ID:              id,
		Spec:            spec,
		Data:            data,
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}
	b, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return ArtifactRef{}, ClassifyError(err)
	}

	path := filepath.Join(w.dir, id+".chart.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return ArtifactRef{}, ClassifyError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ArtifactRef{}, ClassifyError(err)
	}

	return ArtifactRef{ID: id, Kind: "chart", Path: path}, nil
}
