package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ".agentforge/tasks", cfg.StateDir)
	assert.Equal(t, 4000, cfg.Executor.MaxPromptTokens)
	assert.Equal(t, 300*time.Second, cfg.Tools.SubprocessTimeout)
	assert.LessOrEqual(t, cfg.Executor.BaseBudget, cfg.Executor.MaxBudget)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Defaults().Executor.MaxIterations, cfg.Executor.MaxIterations)
}

func TestLoad_MergesUserOverDefaults(t *testing.T) {
	dir := t.TempDir()
	userYAML := `
state_dir: /var/lib/agentforge/tasks
executor:
  max_iterations: 50
llm:
  model: gpt-4o
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentforge.yaml"), []byte(userYAML), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/agentforge/tasks", cfg.StateDir)
	assert.Equal(t, 50, cfg.Executor.MaxIterations)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	// Untouched fields keep their defaults.
	assert.Equal(t, Defaults().Executor.MaxPromptTokens, cfg.Executor.MaxPromptTokens)
	assert.Equal(t, Defaults().Queue.WorkerCount, cfg.Queue.WorkerCount)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test-123")
	dir := t.TempDir()
	userYAML := "llm:\n  api_key: ${TEST_LLM_KEY}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentforge.yaml"), []byte(userYAML), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.LLM.APIKey)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentforge.yaml"), []byte("{{{"), 0o644))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty state dir", func(c *Config) { c.StateDir = "" }, "state_dir"},
		{"tiny prompt budget", func(c *Config) { c.Executor.MaxPromptTokens = 100 }, "max_prompt_tokens"},
		{"inverted budgets", func(c *Config) { c.Executor.BaseBudget = 99 }, "base_budget"},
		{"no workers", func(c *Config) { c.Queue.WorkerCount = 0 }, "worker_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
