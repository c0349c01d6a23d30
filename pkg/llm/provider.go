// Package llm defines the provider contract the executor consumes and
// ships two implementations: an OpenAI-compatible client and a scripted
// mock for tests and dry runs.
package llm

import "context"

// TokenUsage is the provider-reported token pair for one completion.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns the combined token count.
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Provider is the opaque completion function the executor drives. Generate
// blocks until the completion is available or ctx is done.
type Provider interface {
	Generate(ctx context.Context, systemMsg, userMsg string, maxTokens int) (string, TokenUsage, error)
	CountTokens(text string) int
}

// estimateTokens is the coarse chars/4 fallback used when the provider has
// no tokenizer of its own.
func estimateTokens(text string) int {
	return len(text) / 4
}
