package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProvider_ReplaysScript(t *testing.T) {
	m := NewMockProvider("first", "second")

	text, usage, err := m.Generate(context.Background(), "sys", "user", 0)
	require.NoError(t, err)
	assert.Equal(t, "first", text)
	assert.Greater(t, usage.Total(), 0)

	text, _, err = m.Generate(context.Background(), "sys", "user", 0)
	require.NoError(t, err)
	assert.Equal(t, "second", text)

	// Exhausted scripts repeat the last response.
	text, _, err = m.Generate(context.Background(), "sys", "user", 0)
	require.NoError(t, err)
	assert.Equal(t, "second", text)
	assert.Equal(t, 3, m.Calls())
}

func TestMockProvider_EmptyScriptEscalates(t *testing.T) {
	m := NewMockProvider()
	text, _, err := m.Generate(context.Background(), "sys", "user", 0)
	require.NoError(t, err)
	assert.Contains(t, text, "action: escalate")
}

func TestCountTokens(t *testing.T) {
	m := NewMockProvider()
	assert.Equal(t, 25, m.CountTokens(string(make([]byte, 100))))
}
