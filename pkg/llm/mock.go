package llm

import (
	"context"
	"sync"
)

// MockProvider replays a scripted sequence of responses. Used by tests and
// dry runs; once the script is exhausted it keeps returning the last
// response (or an escalate action when the script is empty).
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

// NewMockProvider creates a provider that returns responses in order.
func NewMockProvider(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// Generate returns the next scripted response.
func (m *MockProvider) Generate(_ context.Context, systemMsg, userMsg string, _ int) (string, TokenUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := TokenUsage{
		PromptTokens:     estimateTokens(systemMsg) + estimateTokens(userMsg),
		CompletionTokens: 16,
	}
	if len(m.responses) == 0 {
		m.calls++
		return "action: escalate\nparameters:\n  reason: mock script empty", usage, nil
	}
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	resp := m.responses[idx]
	usage.CompletionTokens = estimateTokens(resp)
	return resp, usage, nil
}

// Calls reports how many times Generate ran.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CountTokens uses the coarse estimate.
func (m *MockProvider) CountTokens(text string) int {
	return estimateTokens(text)
}
