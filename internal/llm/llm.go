// Package llm is the model capability boundary: generate text given a prompt
// and context.
//
// The orchestrator never assumes well-formed output from a client; structured
// payloads are recovered downstream by the extract package.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/insight-agent/internal/config"
)

// Request is a single non-streaming generation request.
type Request struct {
	System string
	Prompt string

	// MaxOutputTokens caps the response. 0 means DefaultMaxOutputTokens.
	MaxOutputTokens int

	// Temperature is optional; nil keeps the provider default.
	Temperature *float64
}

const DefaultMaxOutputTokens = 4096

// Client generates text for one configured provider/model pair.
//
// Implementations may be slow and may return malformed structured payloads;
// callers own extraction and retry policy.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	ModelID() string
}

// KeyResolver returns the API key for a provider id.
type KeyResolver func(providerID string) (string, bool, error)

// NewClient builds a client for the given wire model id ("" selects the
// configured default model).
func NewClient(cfg *config.AIConfig, modelID string, resolveKey KeyResolver) (Client, error) {
	if cfg == nil {
		return nil, errors.New("ai not configured")
	}
	if resolveKey == nil {
		return nil, errors.New("nil key resolver")
	}
	provider, modelName, ok := cfg.LookupModel(modelID)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", strings.TrimSpace(modelID))
	}
	apiKey, ok, err := resolveKey(strings.TrimSpace(provider.ID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no api key configured for provider %q", provider.ID)
	}

	switch strings.ToLower(strings.TrimSpace(provider.Type)) {
	case config.ProviderTypeOpenAI, config.ProviderTypeOpenAICompatible:
		return newOpenAIClient(provider, modelName, apiKey), nil
	case config.ProviderTypeAnthropic:
		return newAnthropicClient(provider, modelName, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", provider.Type)
	}
}
