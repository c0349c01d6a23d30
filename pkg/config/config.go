// Package config loads and validates the engine's YAML configuration,
// expanding environment variables and merging user values over built-in
// defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the complete agentforge.yaml structure.
type Config struct {
	StateDir string `yaml:"state_dir"`
	AuditDir string `yaml:"audit_dir"`

	LLM      LLMConfig      `yaml:"llm"`
	Executor ExecutorConfig `yaml:"executor"`
	Tools    ToolsConfig    `yaml:"tools"`
	Queue    QueueConfig    `yaml:"queue"`
	API      APIConfig      `yaml:"api"`
}

// LLMConfig configures the completion provider.
type LLMConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature *float32      `yaml:"temperature,omitempty"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// ExecutorConfig tunes the step loop and budgets.
type ExecutorConfig struct {
	MaxIterations     int  `yaml:"max_iterations"`
	MaxPromptTokens   int  `yaml:"max_prompt_tokens"`
	MaxResponseTokens int  `yaml:"max_response_tokens"`
	BaseBudget        int  `yaml:"base_budget"`
	MaxBudget         int  `yaml:"max_budget"`
	UseLLMFallback    bool `yaml:"use_llm_fallback"`
	MemoryMaxItems    int  `yaml:"memory_max_items"`
}

// ToolsConfig configures the subprocess-backed tool adapters.
type ToolsConfig struct {
	ProjectRoot       string        `yaml:"project_root"`
	TestCommand       []string      `yaml:"test_command"`
	CheckCommand      []string      `yaml:"check_command"`
	SubprocessTimeout time.Duration `yaml:"subprocess_timeout"`
}

// QueueConfig controls the multi-task worker pool.
type QueueConfig struct {
	WorkerCount             int           `yaml:"worker_count"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// APIConfig configures the inspection HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		StateDir: ".agentforge/tasks",
		AuditDir: ".agentforge/audit",
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			HTTPTimeout: 300 * time.Second,
			MaxRetries:  2,
		},
		Executor: ExecutorConfig{
			MaxIterations:     30,
			MaxPromptTokens:   4000,
			MaxResponseTokens: 1024,
			BaseBudget:        10,
			MaxBudget:         30,
			MemoryMaxItems:    5,
		},
		Tools: ToolsConfig{
			ProjectRoot:       ".",
			TestCommand:       []string{"python", "-m", "pytest", "-q"},
			SubprocessTimeout: 300 * time.Second,
		},
		Queue: QueueConfig{
			WorkerCount:             2,
			PollInterval:            time.Second,
			GracefulShutdownTimeout: 5 * time.Minute,
		},
		API: APIConfig{
			Port: "8080",
		},
	}
}

// ExpandEnv expands ${VAR} and $VAR in YAML content. Missing variables
// expand to empty strings; validation catches required fields left empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

// Load reads agentforge.yaml from configDir (optional), expands env vars,
// merges over defaults, and validates.
func Load(configDir string) (*Config, error) {
	cfg := Defaults()

	path := filepath.Join(configDir, "agentforge.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("No config file, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		user := &Config{}
		if err := yaml.Unmarshal(ExpandEnv(data), user); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := mergo.Merge(user, cfg); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
		cfg = user
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the merged configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir must not be empty")
	}
	if c.Executor.MaxPromptTokens < 500 {
		return fmt.Errorf("config: max_prompt_tokens %d is too small to build a usable prompt", c.Executor.MaxPromptTokens)
	}
	if c.Executor.BaseBudget > c.Executor.MaxBudget {
		return fmt.Errorf("config: base_budget %d exceeds max_budget %d", c.Executor.BaseBudget, c.Executor.MaxBudget)
	}
	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("config: worker_count must be at least 1")
	}
	return nil
}
