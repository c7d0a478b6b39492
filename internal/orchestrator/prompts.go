package orchestrator

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.md
var promptFS embed.FS

type promptFrontmatter struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

type promptTemplate struct {
	ID          string
	Description string
	tmpl        *template.Template
}

var (
	promptsOnce sync.Once
	promptsByID map[string]*promptTemplate
	promptsErr  error
)

func loadPrompts() (map[string]*promptTemplate, error) {
	promptsOnce.Do(func() {
		promptsByID, promptsErr = parsePromptFS()
	})
	return promptsByID, promptsErr
}

func parsePromptFS() (map[string]*promptTemplate, error) {
	entries, err := fs.ReadDir(promptFS, "prompts")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*promptTemplate, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".md" {
			continue
		}
		raw, err := fs.ReadFile(promptFS, "prompts/"+entry.Name())
		if err != nil {
			return nil, err
		}
		fmRaw, body, err := splitFrontmatter(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		var fm promptFrontmatter
		if err := yaml.Unmarshal([]byte(fmRaw), &fm); err != nil {
			return nil, fmt.Errorf("%s: invalid frontmatter: %w", entry.Name(), err)
		}
		id := strings.TrimSpace(fm.ID)
		if id == "" {
			return nil, fmt.Errorf("%s: missing prompt id", entry.Name())
		}
		if _, exists := out[id]; exists {
			return nil, fmt.Errorf("duplicate prompt id: %s", id)
		}
		tmpl, err := template.New(id).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		out[id] = &promptTemplate{ID: id, Description: strings.TrimSpace(fm.Description), tmpl: tmpl}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no prompt templates embedded")
	}
	return out, nil
}

func renderPrompt(id string, data any) (string, error) {
	prompts, err := loadPrompts()
	if err != nil {
		return "", err
	}
	p := prompts[strings.TrimSpace(id)]
	if p == nil {
		return "", fmt.Errorf("unknown prompt %q", id)
	}
	var sb strings.Builder
	if err := p.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", id, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

func splitFrontmatter(content string) (string, string, error) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return "", "", fmt.Errorf("missing frontmatter start")
	}
	rest := normalized[len("---\n"):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return "", "", fmt.Errorf("missing frontmatter end")
	}
	return rest[:idx], rest[idx+len("\n---\n"):], nil
}
