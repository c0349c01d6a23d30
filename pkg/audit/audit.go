// Package audit writes per-step structured snapshots of prompts, actions
// and token accounting, plus a terminal run summary, one directory per
// task.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentforge/agentforge/pkg/models"
)

// EnabledFromEnv reads AGENTFORGE_AUDIT_ENABLED; unset means enabled.
func EnabledFromEnv() bool {
	v := strings.ToLower(os.Getenv("AGENTFORGE_AUDIT_ENABLED"))
	return v != "false"
}

// Logger persists audit output under <root>/<task_id>/. A disabled logger
// swallows every call. Token accounting is kept per task id so one logger
// can serve many tasks (the queue pool drives them all through a single
// instance) without totals bleeding across summaries.
type Logger struct {
	root    string
	enabled bool

	mu     sync.Mutex
	totals map[string]*taskTotals
}

// taskTotals accumulates one task's token accounting between its first
// step and its summary.
type taskTotals struct {
	inputTokens  int
	outputTokens int
	cachedTokens int
	steps        int
}

// NewLogger creates a logger rooted at dir. When disabled, no files are
// written.
func NewLogger(dir string, enabled bool) *Logger {
	return &Logger{root: dir, enabled: enabled, totals: map[string]*taskTotals{}}
}

func (l *Logger) totalsFor(taskID string) *taskTotals {
	t, ok := l.totals[taskID]
	if !ok {
		t = &taskTotals{}
		l.totals[taskID] = t
	}
	return t
}

// StepSnapshot is the per-step audit record.
type StepSnapshot struct {
	Step           int            `yaml:"step"`
	Phase          models.Phase   `yaml:"phase"`
	Action         string         `yaml:"action"`
	Parameters     map[string]any `yaml:"parameters,omitempty"`
	Result         string         `yaml:"result"`
	Summary        string         `yaml:"summary"`
	PromptTokens   int            `yaml:"prompt_tokens"`
	ResponseTokens int            `yaml:"response_tokens"`
	TokenBreakdown map[string]int `yaml:"token_breakdown,omitempty"`
	ContextHash    string         `yaml:"context_hash"`
	Timestamp      time.Time      `yaml:"timestamp"`
}

// Summary is the terminal record written when a run ends.
type Summary struct {
	TaskID           string             `yaml:"task_id"`
	TotalSteps       int                `yaml:"total_steps"`
	FinalStatus      models.FinalStatus `yaml:"final_status"`
	TotalInputTokens int                `yaml:"total_input_tokens"`
	CachedTokens     int                `yaml:"cached_tokens"`
	OutputTokens     int                `yaml:"output_tokens"`
	CompactionEvents int                `yaml:"compaction_events"`
	TokensSaved      int                `yaml:"tokens_saved"`
	ThinkingTokens   int                `yaml:"thinking_tokens,omitempty"`
	FinishedAt       time.Time          `yaml:"finished_at"`
}

// ContextHash fingerprints the built prompt so identical contexts are
// recognizable across steps.
func ContextHash(systemMsg, userMsg string) string {
	sum := sha256.Sum256([]byte(systemMsg + "\x00" + userMsg))
	return hex.EncodeToString(sum[:8])
}

func (l *Logger) taskDir(taskID string) string {
	return filepath.Join(l.root, taskID)
}

// LogStep writes one step snapshot and accumulates the task's token
// totals.
func (l *Logger) LogStep(taskID string, snap StepSnapshot) {
	l.mu.Lock()
	t := l.totalsFor(taskID)
	t.inputTokens += snap.PromptTokens
	t.outputTokens += snap.ResponseTokens
	t.steps++
	l.mu.Unlock()
	if !l.enabled {
		return
	}
	snap.Timestamp = time.Now().UTC()
	dir := l.taskDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Audit: cannot create task dir", "dir", dir, "error", err)
		return
	}
	name := "step_" + strconv.Itoa(snap.Step) + ".yaml"
	if err := writeYAML(filepath.Join(dir, name), snap); err != nil {
		slog.Warn("Audit: failed to write step snapshot", "task_id", taskID, "step", snap.Step, "error", err)
	}
}

// AddCachedTokens accounts tokens served from the provider's prompt cache
// against one task.
func (l *Logger) AddCachedTokens(taskID string, n int) {
	l.mu.Lock()
	l.totalsFor(taskID).cachedTokens += n
	l.mu.Unlock()
}

// WriteSummary writes the terminal summary file and retires the task's
// accumulated totals.
func (l *Logger) WriteSummary(taskID string, status models.FinalStatus, totalSteps, compactionEvents, tokensSaved int) {
	l.mu.Lock()
	t := *l.totalsFor(taskID)
	delete(l.totals, taskID)
	l.mu.Unlock()
	if !l.enabled {
		return
	}
	dir := l.taskDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Audit: cannot create task dir", "dir", dir, "error", err)
		return
	}
	summary := Summary{
		TaskID:           taskID,
		TotalSteps:       totalSteps,
		FinalStatus:      status,
		TotalInputTokens: t.inputTokens,
		CachedTokens:     t.cachedTokens,
		OutputTokens:     t.outputTokens,
		CompactionEvents: compactionEvents,
		TokensSaved:      tokensSaved,
		FinishedAt:       time.Now().UTC(),
	}
	if err := writeYAML(filepath.Join(dir, "summary.yaml"), summary); err != nil {
		slog.Warn("Audit: failed to write summary", "task_id", taskID, "error", err)
	}
}

// ReadSummary loads a task's terminal summary, if present.
func (l *Logger) ReadSummary(taskID string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(l.taskDir(taskID), "summary.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read audit summary: %w", err)
	}
	s := &Summary{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse audit summary: %w", err)
	}
	return s, nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
