package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/pkg/audit"
	"github.com/agentforge/agentforge/pkg/budget"
	"github.com/agentforge/agentforge/pkg/llm"
	"github.com/agentforge/agentforge/pkg/memory"
	"github.com/agentforge/agentforge/pkg/models"
	"github.com/agentforge/agentforge/pkg/prompt"
	"github.com/agentforge/agentforge/pkg/store"
	"github.com/agentforge/agentforge/pkg/tools"
	"github.com/agentforge/agentforge/pkg/understanding"
)

type harness struct {
	store      *store.Store
	dispatcher *tools.Dispatcher
	provider   *llm.MockProvider
	exec       *Executor
	taskID     string
}

// newHarness builds an executor over temp dirs with a scripted provider
// and a fix-violation task carrying a seeded structure fact.
func newHarness(t *testing.T, responses []string, seedFact bool) *harness {
	t.Helper()
	st := store.New(t.TempDir())
	provider := llm.NewMockProvider(responses...)
	builder := prompt.NewBuilder(st, 4000, nil)
	extractor := understanding.NewExtractor(nil)
	dispatcher := tools.NewDispatcher(st)
	auditor := audit.NewLogger(t.TempDir(), true)

	exec := New(st, builder, provider, dispatcher, extractor, auditor, Options{})

	taskID := "fix-V-001"
	_, err := st.CreateTask(models.TaskSpec{
		TaskID:          taskID,
		TaskType:        "fix_violation",
		Goal:            "Fix complexity violation in src/m.py",
		SuccessCriteria: []string{"check passes", "tests pass"},
	}, map[string]any{
		"file_path":   "src/m.py",
		"line_number": 42,
		"check_id":    "complexity",
	})
	require.NoError(t, err)

	if seedFact {
		mem := memory.NewManager(st.MemoryPath(taskID), memory.DefaultMaxItems)
		require.NoError(t, mem.AddFact(models.Fact{
			ID:         "seed_structure_" + taskID,
			Category:   models.FactCodeStructure,
			Statement:  "Function 'foo' violates complexity at src/m.py:42",
			Confidence: 1.0,
			Source:     "fix_workflow:seed",
		}))
	}
	return &harness{store: st, dispatcher: dispatcher, provider: provider, exec: exec, taskID: taskID}
}

func actionBlock(lines ...string) string {
	out := "```action\n"
	for _, l := range lines {
		out += l + "\n"
	}
	return out + "```"
}

func TestHappyPathFix(t *testing.T) {
	h := newHarness(t, []string{
		actionBlock("action: read_file", "parameters:", "  path: src/m.py"),
		actionBlock("action: extract_function", "parameters:",
			"  file_path: src/m.py", "  source_function: foo",
			"  start_line: 40", "  end_line: 60", "  new_function_name: foo_helper"),
		actionBlock("action: run_check", "parameters:", "  file_path: src/m.py", "  check_id: complexity"),
		actionBlock("action: complete"),
	}, true)

	h.dispatcher.Register("read_file", func(context.Context, map[string]any, *models.TaskState) (*tools.Result, error) {
		return tools.Success("Read src/m.py (80 lines)", "def foo():\n    ..."), nil
	})
	h.dispatcher.Register("extract_function", func(context.Context, map[string]any, *models.TaskState) (*tools.Result, error) {
		return tools.Success("Extracted function 'foo_helper' from lines 40-60 ✓ Tests verified (0→0 failures) — Check PASSED",
			"Extracted 'foo_helper' lines 40-60\nCheck PASSED"), nil
	})
	h.dispatcher.Register("run_check", func(context.Context, map[string]any, *models.TaskState) (*tools.Result, error) {
		return tools.Success("Check PASSED: complexity on src/m.py", "Check PASSED\nAll checks passed"), nil
	})

	outcomes := h.exec.RunUntilComplete(context.Background(), h.taskID, 10, nil, nil)
	require.Len(t, outcomes, 4)
	assert.Equal(t, "complete", outcomes[3].ActionName)
	assert.Equal(t, models.ResultSuccess, outcomes[3].Result)

	state, err := h.store.Load(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, state.Phase)
	assert.Equal(t, 4, state.CurrentStep)
	assert.Equal(t, []string{"src/m.py"}, state.FilesModified())
	assert.True(t, state.Verification.ReadyForCompletion)

	// Phase trajectory: the seeded structure fact skips ANALYZE.
	assert.Equal(t, []models.Phase{
		models.PhaseInit, models.PhaseImplement, models.PhaseVerify,
	}, state.PhaseMachineState.PhaseHistory)

	// A verification fact for the passing check is active.
	mem := memory.NewManager(h.store.MemoryPath(h.taskID), memory.DefaultMaxItems)
	facts, err := mem.GetFacts(state.CurrentStep, 0)
	require.NoError(t, err)
	found := false
	for _, f := range facts {
		if f.Category == models.FactVerification && f.Statement == "Conformance check passed" {
			found = true
		}
	}
	assert.True(t, found, "expected a passing-check verification fact, got %v", facts)
}

func TestTestRegressionRevert(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "m.py")
	require.NoError(t, os.WriteFile(target, []byte("def foo():\n    return 1\n"), 0o644))

	h := newHarness(t, []string{
		actionBlock("action: replace_lines", "parameters:",
			"  file_path: "+target, "  start_line: 1", "  end_line: 2", "  new_content: pass"),
		actionBlock("action: escalate", "parameters:", "  reason: cannot proceed"),
	}, true)

	// Baseline clean, post-modification 3 failures.
	calls := 0
	runner := func(context.Context, string) (string, bool, error) {
		calls++
		if calls == 1 {
			return "12 passed", true, nil
		}
		return "3 failed, 9 passed", false, nil
	}
	h.dispatcher.Register("replace_lines", tools.WithTestVerification(tools.ReplaceLines, runner))

	outcome := h.exec.ExecuteStep(context.Background(), h.taskID)
	assert.Equal(t, models.ResultFailure, outcome.Result)
	assert.Contains(t, outcome.Summary, "REVERTED")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "def foo():\n    return 1\n", string(data), "on-disk content equals pre-action content")

	state, err := h.store.Load(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseImplement, state.Phase)
	assert.Empty(t, state.FilesModified())

	actions, err := h.store.GetActions(h.taskID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ResultFailure, actions[0].Result)

	mem := memory.NewManager(h.store.MemoryPath(h.taskID), memory.DefaultMaxItems)
	facts, err := mem.GetFacts(state.CurrentStep, 0)
	require.NoError(t, err)
	hasError := false
	for _, f := range facts {
		if f.Category == models.FactError {
			hasError = true
		}
	}
	assert.True(t, hasError, "a failed modification must leave an error fact")
}

func TestIdenticalActionLoopStopsRun(t *testing.T) {
	edit := actionBlock("action: edit_file", "parameters:",
		"  path: src/m.py", "  old_text: X", "  new_text: Y")
	h := newHarness(t, []string{edit, edit, edit, edit, edit}, false)

	h.dispatcher.Register("edit_file", func(context.Context, map[string]any, *models.TaskState) (*tools.Result, error) {
		return tools.Failure("Edit failed", "old_text not found"), nil
	})

	outcomes := h.exec.RunUntilComplete(context.Background(), h.taskID, 10, nil, budget.New(20, 30, 10))

	last := outcomes[len(outcomes)-1]
	require.NotNil(t, last.LoopDetection, "final outcome must carry the detection")
	assert.Equal(t, models.LoopIdenticalAction, last.LoopDetection.Type)
	assert.Len(t, outcomes, 3, "the third identical failure triggers the stop")

	joined := ""
	for _, s := range last.LoopDetection.Suggestions {
		joined += s + " "
	}
	assert.Contains(t, joined, "re-read")
}

func TestBudgetExhaustionWithProgress(t *testing.T) {
	write := actionBlock("action: write_file", "parameters:",
		"  path: src/out.py", "  content: pass")
	h := newHarness(t, []string{write}, false)

	h.dispatcher.Register("write_file", func(context.Context, map[string]any, *models.TaskState) (*tools.Result, error) {
		return tools.Success("Updated src/out.py", ""), nil
	})

	b := budget.New(5, 10, 20)
	outcomes := h.exec.RunUntilComplete(context.Background(), h.taskID, 20, nil, b)

	assert.Len(t, outcomes, 10, "progress extends the run past the base budget to the hard ceiling")
	assert.GreaterOrEqual(t, b.ProgressCount(), 2)
	assert.Equal(t, 10, b.Budget())
	assert.Nil(t, outcomes[len(outcomes)-1].LoopDetection)
}

func TestCrashRecovery(t *testing.T) {
	responses := []string{
		actionBlock("action: read_file", "parameters:", "  path: src/m.py"),
		actionBlock("action: extract_function", "parameters:",
			"  file_path: src/m.py", "  source_function: foo",
			"  start_line: 40", "  end_line: 60", "  new_function_name: foo_helper"),
		actionBlock("action: run_check", "parameters:", "  file_path: src/m.py"),
		actionBlock("action: complete"),
	}
	h := newHarness(t, responses, true)
	registerHappyTools(h)

	for i := 0; i < 3; i++ {
		outcome := h.exec.ExecuteStep(context.Background(), h.taskID)
		require.True(t, outcome.ShouldContinue, "step %d: %s", i, outcome.Error)
	}

	// Simulate process death: build a fresh executor over the same
	// directories. The provider resumes at the fourth scripted response.
	st2 := store.New(h.store.Root())
	provider2 := llm.NewMockProvider(responses[3])
	builder2 := prompt.NewBuilder(st2, 4000, nil)
	exec2 := New(st2, builder2, provider2, h.dispatcher, understanding.NewExtractor(nil),
		audit.NewLogger(t.TempDir(), false), Options{})

	state, err := st2.Load(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, 3, state.CurrentStep)
	assert.Equal(t, models.PhaseVerify, state.Phase)

	actions, err := st2.GetActions(h.taskID)
	require.NoError(t, err)
	assert.Len(t, actions, 3)

	mem := memory.NewManager(st2.MemoryPath(h.taskID), memory.DefaultMaxItems)
	results, err := mem.GetActionResults(3, state.CurrentStep)
	require.NoError(t, err)
	assert.Len(t, results, 3, "working memory reflects the three recorded steps")

	outcome := exec2.ExecuteStep(context.Background(), h.taskID)
	assert.Equal(t, "complete", outcome.ActionName)
	assert.False(t, outcome.ShouldContinue)

	final, err := st2.Load(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, final.Phase)
}

func registerHappyTools(h *harness) {
	h.dispatcher.Register("read_file", func(context.Context, map[string]any, *models.TaskState) (*tools.Result, error) {
		return tools.Success("Read src/m.py (80 lines)", "def foo():\n    ..."), nil
	})
	h.dispatcher.Register("extract_function", func(context.Context, map[string]any, *models.TaskState) (*tools.Result, error) {
		return tools.Success("Extracted function 'foo_helper' from lines 40-60 — Check PASSED", "Check PASSED"), nil
	})
	h.dispatcher.Register("run_check", func(context.Context, map[string]any, *models.TaskState) (*tools.Result, error) {
		return tools.Success("Check PASSED: complexity on src/m.py", "Check PASSED"), nil
	})
}

func TestUnknownActionConsumesStep(t *testing.T) {
	// The unparseable-response step still increments the counter; the
	// resulting "unknown" failure is visible to the loop detector.
	h := newHarness(t, []string{"I have no idea what to do."}, false)

	outcome := h.exec.ExecuteStep(context.Background(), h.taskID)
	assert.Equal(t, "unknown", outcome.ActionName)
	assert.Equal(t, models.ResultFailure, outcome.Result)
	assert.True(t, outcome.ShouldContinue, "an unknown action is recoverable")

	state, err := h.store.Load(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentStep)

	actions, err := h.store.GetActions(h.taskID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "unknown", actions[0].ActionName)
	assert.Contains(t, actions[0].Error, "No executor registered")
}

func TestTerminalTaskShortCircuits(t *testing.T) {
	h := newHarness(t, []string{actionBlock("action: read_file")}, false)
	require.NoError(t, h.store.UpdatePhase(h.taskID, models.PhaseComplete))

	outcome := h.exec.ExecuteStep(context.Background(), h.taskID)
	assert.Equal(t, "already_complete", outcome.ActionName)
	assert.False(t, outcome.ShouldContinue)
	assert.Zero(t, h.provider.Calls(), "no LLM call for a terminal task")
}

func TestMissingTask(t *testing.T) {
	h := newHarness(t, nil, false)
	outcome := h.exec.ExecuteStep(context.Background(), "no-such-task")
	assert.False(t, outcome.Success)
	assert.False(t, outcome.ShouldContinue)
	assert.Contains(t, outcome.Error, "load task")
}

func TestEscalateEndsRun(t *testing.T) {
	h := newHarness(t, []string{
		actionBlock("action: escalate", "parameters:", "  reason: generated code, needs human"),
	}, false)

	outcomes := h.exec.RunUntilComplete(context.Background(), h.taskID, 10, nil, nil)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].ShouldContinue)

	state, err := h.store.Load(h.taskID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, state.Phase)
}

func TestCompleteBlockedByVerification(t *testing.T) {
	h := newHarness(t, []string{actionBlock("action: complete")}, false)

	outcome := h.exec.ExecuteStep(context.Background(), h.taskID)
	assert.Equal(t, models.ResultFailure, outcome.Result)
	assert.Contains(t, outcome.Error, "Verification not passing")
	assert.False(t, outcome.ShouldContinue)

	state, err := h.store.Load(h.taskID)
	require.NoError(t, err)
	assert.False(t, state.Phase.IsTerminal(), "failed completion must not enter COMPLETE")
}
