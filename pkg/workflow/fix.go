// Package workflow provides the fix-violation façade: it precomputes the
// violation context, seeds the initial understanding, and runs the
// executor to termination.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/agentforge/pkg/budget"
	"github.com/agentforge/agentforge/pkg/executor"
	"github.com/agentforge/agentforge/pkg/memory"
	"github.com/agentforge/agentforge/pkg/models"
	"github.com/agentforge/agentforge/pkg/store"
)

// Violation describes one conformance finding to fix.
type Violation struct {
	FilePath   string
	CheckID    string
	LineNumber int
	Function   string
	Message    string
	TestPath   string
}

// FixWorkflow seeds and runs fix-violation tasks.
type FixWorkflow struct {
	store    *store.Store
	executor *executor.Executor

	MaxIterations int
	BaseBudget    int
	MaxBudget     int
}

// NewFixWorkflow wires the façade.
func NewFixWorkflow(st *store.Store, exec *executor.Executor) *FixWorkflow {
	return &FixWorkflow{
		store:         st,
		executor:      exec,
		MaxIterations: 30,
	}
}

// Result summarizes a completed fix run.
type Result struct {
	TaskID      string
	Status      models.FinalStatus
	Steps       int
	Outcomes    []*models.StepOutcome
	FinalPhase  models.Phase
	ElapsedTime time.Duration
}

// Run creates a task for the violation and drives it to termination.
func (w *FixWorkflow) Run(ctx context.Context, v Violation, onStep executor.StepCallback) (*Result, error) {
	started := time.Now()
	taskID, err := w.CreateTask(v)
	if err != nil {
		return nil, err
	}

	budgeter := budget.New(w.BaseBudget, w.MaxBudget, 0)
	outcomes := w.executor.RunUntilComplete(ctx, taskID, w.MaxIterations, onStep, budgeter)

	state, err := w.store.Load(taskID)
	if err != nil {
		return nil, fmt.Errorf("load final state: %w", err)
	}
	return &Result{
		TaskID:      taskID,
		Status:      statusOf(state.Phase),
		Steps:       state.CurrentStep,
		Outcomes:    outcomes,
		FinalPhase:  state.Phase,
		ElapsedTime: time.Since(started),
	}, nil
}

// CreateTask persists a fix-violation task with precomputed context and a
// seeded code-structure fact, ready for the executor.
func (w *FixWorkflow) CreateTask(v Violation) (string, error) {
	if v.FilePath == "" {
		return "", fmt.Errorf("fix workflow: violation needs a file path")
	}
	taskID := fmt.Sprintf("fix-%s-%s", v.CheckID, uuid.NewString()[:8])

	contextData := map[string]any{
		"file_path": v.FilePath,
		"check_id":  v.CheckID,
	}
	if v.LineNumber > 0 {
		contextData["line_number"] = v.LineNumber
	}
	if v.TestPath != "" {
		contextData["test_path"] = v.TestPath
	}
	precompute(contextData, v)

	spec := models.TaskSpec{
		TaskID:   taskID,
		TaskType: "fix_violation",
		Goal:     fmt.Sprintf("Fix %s violation in %s", v.CheckID, v.FilePath),
		SuccessCriteria: []string{
			fmt.Sprintf("Check %s passes on %s", v.CheckID, v.FilePath),
			"All existing tests still pass",
		},
		Constraints: []string{
			"Preserve behavior — no functional changes",
			"Modify only the target file unless a helper module is required",
		},
	}
	if _, err := w.store.CreateTask(spec, contextData); err != nil {
		return "", fmt.Errorf("fix workflow: %w", err)
	}

	if err := w.seedStructureFact(taskID, v); err != nil {
		return "", err
	}
	slog.Info("Fix task created", "task_id", taskID, "file", v.FilePath, "check", v.CheckID)
	return taskID, nil
}

// precompute loads the violation's surrounding source into context_data so
// the first prompt already carries the target.
func precompute(contextData map[string]any, v Violation) {
	data, err := os.ReadFile(v.FilePath)
	if err != nil {
		slog.Warn("Cannot precompute target source", "file", v.FilePath, "error", err)
		return
	}
	lines := strings.Split(string(data), "\n")
	contextData["file_overview"] = fmt.Sprintf("%s: %d lines", v.FilePath, len(lines))

	start, end := 0, len(lines)
	if v.LineNumber > 0 {
		start = v.LineNumber - 20
		if start < 0 {
			start = 0
		}
		end = v.LineNumber + 40
		if end > len(lines) {
			end = len(lines)
		}
		// The file may have shrunk below the violation line since the
		// task was created; fall back to the whole file.
		if start >= end {
			start = 0
		}
		// When the violating function is named and its def line lies
		// above the window, start the window at that def line.
		if v.Function != "" {
			for i := start - 1; i >= 0; i-- {
				if strings.HasPrefix(strings.TrimSpace(lines[i]), "def "+v.Function+"(") {
					start = i
					break
				}
			}
		}
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%4d | %s\n", i+1, lines[i])
	}
	contextData["target_source"] = sb.String()

	if v.Message != "" {
		contextData["check_definition"] = fmt.Sprintf("%s: %s", v.CheckID, v.Message)
	}
}

// seedStructureFact pins an initial CODE_STRUCTURE fact so the phase
// machine can move INIT → IMPLEMENT without an analysis detour when the
// target is already located.
func (w *FixWorkflow) seedStructureFact(taskID string, v Violation) error {
	mem := memory.NewManager(w.store.MemoryPath(taskID), memory.DefaultMaxItems)
	statement := fmt.Sprintf("Violation %s at %s:%d", v.CheckID, v.FilePath, v.LineNumber)
	if v.Function != "" {
		statement = fmt.Sprintf("Function '%s' violates %s at %s:%d", v.Function, v.CheckID, v.FilePath, v.LineNumber)
	}
	fact := models.Fact{
		ID:         "seed_structure_" + taskID,
		Category:   models.FactCodeStructure,
		Statement:  statement,
		Confidence: 1.0,
		Source:     "fix_workflow:seed",
		Step:       0,
	}
	if err := mem.AddFact(fact); err != nil {
		return fmt.Errorf("seed fact: %w", err)
	}
	return nil
}

// NewContextRefresher returns the refresher the extraction wrapper calls
// after a structural change: it recomputes the precomputed target slice so
// later prompts carry the relocated function's current line numbers.
func NewContextRefresher(st *store.Store) func(ctx context.Context, state *models.TaskState) error {
	return func(_ context.Context, state *models.TaskState) error {
		v := Violation{
			FilePath:   state.ContextString("file_path"),
			CheckID:    state.ContextString("check_id"),
			LineNumber: contextInt(state, "line_number"),
		}
		if v.FilePath == "" {
			return nil
		}
		refreshed := map[string]any{}
		precompute(refreshed, v)
		for key, value := range refreshed {
			if err := st.UpdateContextData(state.Spec.TaskID, key, value); err != nil {
				return fmt.Errorf("refresh context %s: %w", key, err)
			}
		}
		return nil
	}
}

func contextInt(state *models.TaskState, key string) int {
	if state.ContextData == nil {
		return 0
	}
	switch v := state.ContextData[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func statusOf(p models.Phase) models.FinalStatus {
	switch p {
	case models.PhaseComplete:
		return models.StatusCompleted
	case models.PhaseEscalated:
		return models.StatusEscalated
	case models.PhaseFailed:
		return models.StatusFailed
	}
	return models.StatusStopped
}
