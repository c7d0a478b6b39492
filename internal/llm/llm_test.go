package llm

import (
	"strings"
	"testing"

	"github.com/floegence/insight-agent/internal/config"
)

func testAIConfig() *config.AIConfig {
	return &config.AIConfig{Providers: []config.AIProvider{
		{
			ID:   "openai",
			Type: config.ProviderTypeOpenAI,
			Models: []config.AIProviderModel{
				{ModelName: "gpt-4o-mini", IsDefault: true},
			},
		},
		{
			ID:   "anthropic",
			Type: config.ProviderTypeAnthropic,
			Models: []config.AIProviderModel{
				{ModelName: "claude-sonnet-4-5"},
			},
		},
	}}
}

func staticKeys(keys map[string]string) KeyResolver {
	return func(providerID string) (string, bool, error) {
		k, ok := keys[providerID]
		return k, ok, nil
	}
}

func TestNewClient_DefaultModel(t *testing.T) {
	t.Parallel()

	c, err := NewClient(testAIConfig(), "", staticKeys(map[string]string{"openai": "sk-test"}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.ModelID() != "openai/gpt-4o-mini" {
		t.Fatalf("ModelID=%q", c.ModelID())
	}
}

func TestNewClient_ExplicitModel(t *testing.T) {
	t.Parallel()

	c, err := NewClient(testAIConfig(), "anthropic/claude-sonnet-4-5",
		staticKeys(map[string]string{"anthropic": "sk-test"}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.ModelID() != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("ModelID=%q", c.ModelID())
	}
}

func TestNewClient_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(nil, "", staticKeys(nil)); err == nil {
		t.Fatalf("nil config accepted")
	}
	if _, err := NewClient(testAIConfig(), "openai/gpt-unknown", staticKeys(map[string]string{"openai": "k"})); err == nil || !strings.Contains(err.Error(), "unknown model") {
		t.Fatalf("err=%v, want unknown model", err)
	}
	if _, err := NewClient(testAIConfig(), "", staticKeys(map[string]string{})); err == nil || !strings.Contains(err.Error(), "no api key") {
		t.Fatalf("err=%v, want no api key", err)
	}
}
