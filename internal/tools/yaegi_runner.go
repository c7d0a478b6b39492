package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// YaegiRunner executes model-generated Go transformation snippets with the
// yaegi interpreter instead of `go build`.
//
// Interpreting avoids compilation hangs and binary crashes, and lets the
// import surface be locked down: only side-effect-free stdlib packages are
// allowed, so a snippet can reshape data but cannot touch the filesystem,
// network, or processes.
//
// A snippet must define:
//
//	func Transform(input map[string]any) (any, error)
//
// where input is the per-conversation namespace of prior step outputs.
type YaegiRunner struct {
	allowedImports map[string]bool
}

func NewYaegiRunner() *YaegiRunner {
	return &YaegiRunner{
		allowedImports: map[string]bool{
			"bytes":         true,
			"encoding/csv":  true,
			"encoding/json": true,
			"errors":        true,
			"fmt":           true,
			"math":          true,
			"regexp":        true,
			"sort":          true,
			"strconv":       true,
			"strings":       true,
			"time":          true,
			// Blocked on purpose: os, os/exec, net, net/http, syscall,
			// unsafe, io/fs, path/filepath.
		},
	}
}

func (r *YaegiRunner) Run(ctx context.Context, code string, namespace map[string]any) (any, error) {
	if r == nil {
		return nil, &ToolError{Code: ErrorCodeExecFailed, Message: "runner not initialized"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, &ToolError{Code: ErrorCodeExecFailed, Message: "empty transform code", Retryable: true}
	}
	if err := r.validateImports(code); err != nil {
		return nil, &ToolError{Code: ErrorCodeExecFailed, Message: err.Error(), Retryable: true}
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, &ToolError{Code: ErrorCodeExecFailed, Message: fmt.Sprintf("load stdlib: %v", err)}
	}

	if _, err := i.Eval(wrapSnippet(code)); err != nil {
		return nil, &ToolError{Code: ErrorCodeExecFailed, Message: fmt.Sprintf("transform does not compile: %v", err), Retryable: true}
	}
	fnVal, err := i.Eval("main.Transform")
	if err != nil {
		return nil, &ToolError{Code: ErrorCodeExecFailed, Message: "snippet must define Transform(input map[string]any) (any, error)", Retryable: true}
	}
	fn, ok := fnVal.Interface().(func(map[string]any) (any, error))
	if !ok {
		return nil, &ToolError{Code: ErrorCodeExecFailed, Message: "Transform has wrong signature (want func(map[string]any) (any, error))", Retryable: true}
	}

	if namespace == nil {
		namespace = map[string]any{}
	}

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("transform panicked: %v", rec)}
			}
		}()
		out, err := fn(namespace)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &ToolError{Code: ErrorCodeExecFailed, Message: res.err.Error(), Retryable: true}
		}
		return res.out, nil
	case <-ctx.Done():
		// The goroutine is abandoned; yaegi has no preemption. The loop's
		// per-step timeout keeps this bounded in practice.
		return nil, ClassifyError(ctx.Err())
	}
}

func (r *YaegiRunner) validateImports(code string) error {
	for _, imp := range collectImports(code) {
		if !r.allowedImports[imp] {
			return fmt.Errorf("import %q is not allowed in transform code", imp)
		}
	}
	return nil
}

func collectImports(code string) []string {
	var out []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if p := importPath(trimmed); p != "" {
				out = append(out, p)
			}
		case strings.HasPrefix(trimmed, "import "):
			if p := importPath(strings.TrimPrefix(trimmed, "import ")); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func importPath(line string) string {
	line = strings.TrimSpace(line)
	// Strip an optional alias.
	if i := strings.IndexByte(line, '"'); i > 0 {
		line = line[i:]
	}
	line = strings.Trim(line, `"`)
	if strings.ContainsAny(line, " \t") {
		return ""
	}
	return line
}

// wrapSnippet ensures the snippet is a complete main package.
func wrapSnippet(code string) string {
	if strings.Contains(code, "package ") {
		return code
	}
	return "package main\n\n" + code
}
