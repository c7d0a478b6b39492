package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	retries := 2
	cfg := &Config{
		DatabasePath: "/data/analytics.sqlite",
		HTTPPort:     24200,
		MaxStepRetries: &retries,
		AI: &AIConfig{
			Providers: []AIProvider{
				{
					ID:   "openai",
					Type: "openai",
					Models: []AIProviderModel{
						{ModelName: "gpt-5-mini", IsDefault: true},
					},
				},
			},
		},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DatabasePath != cfg.DatabasePath || got.HTTPPort != 24200 {
		t.Fatalf("got=%+v", got)
	}
	if got.EffectiveMaxStepRetries() != 2 {
		t.Fatalf("EffectiveMaxStepRetries=%d, want 2", got.EffectiveMaxStepRetries())
	}
	if got.EffectiveStepTimeoutSeconds() != DefaultStepTimeoutSeconds {
		t.Fatalf("EffectiveStepTimeoutSeconds=%d", got.EffectiveStepTimeoutSeconds())
	}
}

func TestConfig_ValidateRejectsMissingDatabase(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "database_path") {
		t.Fatalf("Validate: err=%v, want missing database_path", err)
	}
}

func TestAIConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     AIConfig
		wantErr string
	}{
		{
			name: "valid",
			cfg: AIConfig{Providers: []AIProvider{
				{ID: "a", Type: "anthropic", Models: []AIProviderModel{{ModelName: "claude-sonnet-4-5", IsDefault: true}}},
				{ID: "b", Type: "openai", Models: []AIProviderModel{{ModelName: "gpt-5"}}},
			}},
		},
		{
			name: "no default",
			cfg: AIConfig{Providers: []AIProvider{
				{ID: "a", Type: "openai", Models: []AIProviderModel{{ModelName: "gpt-5"}}},
			}},
			wantErr: "default",
		},
		{
			name: "two defaults",
			cfg: AIConfig{Providers: []AIProvider{
				{ID: "a", Type: "openai", Models: []AIProviderModel{{ModelName: "x", IsDefault: true}, {ModelName: "y", IsDefault: true}}},
			}},
			wantErr: "default",
		},
		{
			name: "compatible requires base url",
			cfg: AIConfig{Providers: []AIProvider{
				{ID: "a", Type: "openai_compatible", Models: []AIProviderModel{{ModelName: "m", IsDefault: true}}},
			}},
			wantErr: "base_url",
		},
		{
			name: "duplicate ids",
			cfg: AIConfig{Providers: []AIProvider{
				{ID: "a", Type: "openai", Models: []AIProviderModel{{ModelName: "x", IsDefault: true}}},
				{ID: "a", Type: "openai"},
			}},
			wantErr: "duplicate",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate: err=%v, want contains %q", err, tc.wantErr)
			}
		})
	}
}

func TestAIConfig_LookupModel(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{Providers: []AIProvider{
		{ID: "anthropic", Type: "anthropic", Models: []AIProviderModel{{ModelName: "claude-sonnet-4-5", IsDefault: true}}},
		{ID: "local", Type: "openai_compatible", BaseURL: "http://localhost:8080/v1", Models: []AIProviderModel{{ModelName: "qwen3"}}},
	}}

	p, m, ok := cfg.LookupModel("")
	if !ok || p.ID != "anthropic" || m != "claude-sonnet-4-5" {
		t.Fatalf("default lookup: %v %q %v", p.ID, m, ok)
	}
	p, m, ok = cfg.LookupModel("local/qwen3")
	if !ok || p.ID != "local" || m != "qwen3" {
		t.Fatalf("wire id lookup: %v %q %v", p.ID, m, ok)
	}
	if _, _, ok = cfg.LookupModel("local/nope"); ok {
		t.Fatalf("unknown model resolved")
	}
}

func TestSecretsStore_RoundTrip(t *testing.T) {
	t.Parallel()

	s := NewSecretsStore(filepath.Join(t.TempDir(), "secrets.json"))
	if _, ok, err := s.GetProviderAPIKey("openai"); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	if err := s.SetProviderAPIKey("openai", "sk-test"); err != nil {
		t.Fatalf("SetProviderAPIKey: %v", err)
	}
	key, ok, err := s.GetProviderAPIKey("openai")
	if err != nil || !ok || key != "sk-test" {
		t.Fatalf("GetProviderAPIKey: %q %v %v", key, ok, err)
	}
	if err := s.SetProviderAPIKey("openai", ""); err != nil {
		t.Fatalf("clear key: %v", err)
	}
	if _, ok, _ := s.GetProviderAPIKey("openai"); ok {
		t.Fatalf("key not removed")
	}
}
