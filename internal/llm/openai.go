package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"github.com/floegence/insight-agent/internal/config"
)

type openAIClient struct {
	client openai.Client
	model  string
	wireID string
}

func newOpenAIClient(provider config.AIProvider, modelName string, apiKey string) *openAIClient {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(provider.BaseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(provider.BaseURL)))
	}
	return &openAIClient{
		client: openai.NewClient(opts...),
		model:  strings.TrimSpace(modelName),
		wireID: strings.TrimSpace(provider.ID) + "/" + strings.TrimSpace(modelName),
	}
}

func (c *openAIClient) ModelID() string {
	if c == nil {
		return ""
	}
	return c.wireID
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (string, error) {
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

	var messages []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.SystemMessage(strings.TrimSpace(req.System)))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
