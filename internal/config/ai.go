package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// AIConfig configures the model providers available to the orchestrator.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are managed
//     via the local secrets file.
//   - Providers own their allowed model list (provider + model are always
//     configured together).
//   - Exactly one provider model must be marked as default via
//     models[].is_default.
type AIConfig struct {
	Providers []AIProvider `json:"providers,omitempty"`
}

type AIProvider struct {
	// ID is a stable internal id (primary key). It must not change once used
	// for secrets/model routing.
	ID string `json:"id"`

	// Name is a human-friendly display name (safe to rename at any time).
	Name string `json:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint (example:
	// "https://api.openai.com/v1"). When empty, provider defaults apply
	// (except openai_compatible where base_url is required).
	BaseURL string `json:"base_url,omitempty"`

	// Models is the allowed model list for this provider.
	Models []AIProviderModel `json:"models,omitempty"`
}

type AIProviderModel struct {
	ModelName string `json:"model_name"`

	// IsDefault marks the single default model across all providers.
	IsDefault bool `json:"is_default,omitempty"`
}

const (
	ProviderTypeOpenAI           = "openai"
	ProviderTypeAnthropic        = "anthropic"
	ProviderTypeOpenAICompatible = "openai_compatible"
)

func (c *AIConfig) Validate() error {
	if c == nil {
		return nil
	}
	seen := map[string]struct{}{}
	defaults := 0
	for i := range c.Providers {
		p := &c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("provider missing id")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate provider id %q", id)
		}
		seen[id] = struct{}{}

		switch strings.ToLower(strings.TrimSpace(p.Type)) {
		case ProviderTypeOpenAI, ProviderTypeAnthropic:
		case ProviderTypeOpenAICompatible:
			if strings.TrimSpace(p.BaseURL) == "" {
				return fmt.Errorf("provider %q: openai_compatible requires base_url", id)
			}
		default:
			return fmt.Errorf("provider %q: unsupported type %q", id, p.Type)
		}
		if strings.TrimSpace(p.BaseURL) != "" {
			u, err := url.Parse(strings.TrimSpace(p.BaseURL))
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("provider %q: invalid base_url", id)
			}
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == "" {
				return fmt.Errorf("provider %q: model missing model_name", id)
			}
			if m.IsDefault {
				defaults++
			}
		}
	}
	if len(c.Providers) > 0 && defaults != 1 {
		return fmt.Errorf("exactly one default model required, got %d", defaults)
	}
	return nil
}

// DefaultModel returns the provider and model marked is_default.
func (c *AIConfig) DefaultModel() (AIProvider, string, bool) {
	if c == nil {
		return AIProvider{}, "", false
	}
	for _, p := range c.Providers {
		for _, m := range p.Models {
			if m.IsDefault {
				return p, strings.TrimSpace(m.ModelName), true
			}
		}
	}
	return AIProvider{}, "", false
}

// LookupModel resolves a "<provider_id>/<model_name>" wire id. An empty id
// resolves to the default model.
func (c *AIConfig) LookupModel(modelID string) (AIProvider, string, bool) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return c.DefaultModel()
	}
	providerID, modelName, ok := strings.Cut(modelID, "/")
	if !ok {
		return AIProvider{}, "", false
	}
	providerID = strings.TrimSpace(providerID)
	modelName = strings.TrimSpace(modelName)
	if c == nil || providerID == "" || modelName == "" {
		return AIProvider{}, "", false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) != providerID {
			continue
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.ModelName) == modelName {
				return p, modelName, true
			}
		}
	}
	return AIProvider{}, "", false
}
