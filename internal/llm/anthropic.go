package llm

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/floegence/insight-agent/internal/config"
)

type anthropicClient struct {
	client anthropic.Client
	model  string
	wireID string
}

func newAnthropicClient(provider config.AIProvider, modelName string, apiKey string) *anthropicClient {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(provider.BaseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(provider.BaseURL)))
	}
	return &anthropicClient{
		client: anthropic.NewClient(opts...),
		model:  strings.TrimSpace(modelName),
		wireID: strings.TrimSpace(provider.ID) + "/" + strings.TrimSpace(modelName),
	}
}

func (c *anthropicClient) ModelID() string {
	if c == nil {
		return ""
	}
	return c.wireID
}

func (c *anthropicClient) Generate(ctx context.Context, req Request) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("missing prompt")
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: strings.TrimSpace(req.System)}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", errors.New("empty message response")
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if t, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(t.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("message response has no text content")
	}
	return sb.String(), nil
}
