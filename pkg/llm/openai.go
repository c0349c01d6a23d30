package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openailib "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible client. Works with any
// endpoint speaking the chat completions protocol.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float32
	HTTPTimeout time.Duration
	MaxRetries  int
}

// OpenAIProvider implements Provider over the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openailib.Client
	config OpenAIConfig
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai provider: missing API key")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("openai provider: missing model")
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = 300 * time.Second
	}

	clientConfig := openailib.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	// Bound the blocking window so a hung API cannot stall a step forever.
	clientConfig.HTTPClient = &http.Client{Timeout: config.HTTPTimeout}

	return &OpenAIProvider{
		client: openailib.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// Generate sends the two-message prompt and blocks until the completion
// arrives, retrying transient failures with linear backoff.
func (p *OpenAIProvider) Generate(ctx context.Context, systemMsg, userMsg string, maxTokens int) (string, TokenUsage, error) {
	req := openailib.ChatCompletionRequest{
		Model: p.config.Model,
		Messages: []openailib.ChatCompletionMessage{
			{Role: openailib.ChatMessageRoleSystem, Content: systemMsg},
			{Role: openailib.ChatMessageRoleUser, Content: userMsg},
		},
	}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}
	if p.config.Temperature != nil {
		req.Temperature = *p.config.Temperature
	}

	var resp openailib.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		resp, lastErr = p.client.CreateChatCompletion(ctx, req)
		if lastErr == nil {
			break
		}
		if attempt < p.config.MaxRetries {
			select {
			case <-time.After(time.Duration(attempt+1) * time.Second):
			case <-ctx.Done():
				return "", TokenUsage{}, ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return "", TokenUsage{}, fmt.Errorf("llm generate: %w", lastErr)
	}
	if len(resp.Choices) == 0 {
		return "", TokenUsage{}, fmt.Errorf("llm generate: empty choice list")
	}
	usage := TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// CountTokens estimates tokens; the chat API reports exact usage, so the
// coarse estimate is only used for pre-call budgeting.
func (p *OpenAIProvider) CountTokens(text string) int {
	return estimateTokens(text)
}
