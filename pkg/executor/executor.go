// Package executor implements the minimal-context execution loop: load
// state, build a bounded prompt, elicit one structured action, dispatch it,
// extract understanding, advance the phase machine, persist — step after
// step until a terminal phase, a budget stop, or a detected loop.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentforge/agentforge/pkg/audit"
	"github.com/agentforge/agentforge/pkg/llm"
	"github.com/agentforge/agentforge/pkg/memory"
	"github.com/agentforge/agentforge/pkg/models"
	"github.com/agentforge/agentforge/pkg/phase"
	"github.com/agentforge/agentforge/pkg/prompt"
	"github.com/agentforge/agentforge/pkg/store"
	"github.com/agentforge/agentforge/pkg/tools"
	"github.com/agentforge/agentforge/pkg/understanding"
)

// Options tune an Executor.
type Options struct {
	MaxResponseTokens int  // LLM completion cap per step
	UseLLMFallback    bool // enable the extractor's LLM fallback
	MemoryMaxItems    int
}

// Executor drives one task at a time through the step procedure. It holds
// no per-task state; everything is reloaded from the store each step.
type Executor struct {
	store      *store.Store
	builder    *prompt.Builder
	provider   llm.Provider
	dispatcher *tools.Dispatcher
	extractor  *understanding.Extractor
	auditor    *audit.Logger
	opts       Options
}

// New wires an executor. auditor may be a disabled logger but not nil.
func New(st *store.Store, builder *prompt.Builder, provider llm.Provider, dispatcher *tools.Dispatcher, extractor *understanding.Extractor, auditor *audit.Logger, opts Options) *Executor {
	if opts.MaxResponseTokens <= 0 {
		opts.MaxResponseTokens = 1024
	}
	if opts.MemoryMaxItems <= 0 {
		opts.MemoryMaxItems = memory.DefaultMaxItems
	}
	return &Executor{
		store:      st,
		builder:    builder,
		provider:   provider,
		dispatcher: dispatcher,
		extractor:  extractor,
		auditor:    auditor,
		opts:       opts,
	}
}

func (e *Executor) memFor(taskID string) *memory.Manager {
	return memory.NewManager(e.store.MemoryPath(taskID), e.opts.MemoryMaxItems)
}

// ExecuteStep runs one iteration for the task. Exceptions never propagate:
// any internal error becomes a failure outcome with ShouldContinue=false.
func (e *Executor) ExecuteStep(ctx context.Context, taskID string) (outcome *models.StepOutcome) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Step panicked", "task_id", taskID, "panic", r)
			outcome = &models.StepOutcome{
				Success:        false,
				ShouldContinue: false,
				Error:          fmt.Sprintf("step panicked: %v", r),
			}
		}
		if outcome != nil {
			outcome.DurationMS = time.Since(started).Milliseconds()
		}
	}()

	state, err := e.store.Load(taskID)
	if err != nil {
		return &models.StepOutcome{
			Success:        false,
			ShouldContinue: false,
			Error:          fmt.Sprintf("load task: %v", err),
		}
	}
	if state.Phase.IsTerminal() {
		return &models.StepOutcome{
			Success:        true,
			ActionName:     "already_complete",
			Result:         models.ResultSkipped,
			Summary:        fmt.Sprintf("Task already in terminal phase %s", state.Phase),
			ShouldContinue: false,
		}
	}
	state = e.repairCrashGap(taskID, state)

	msgs, err := e.builder.BuildMessages(taskID)
	if err != nil {
		return &models.StepOutcome{Success: false, ShouldContinue: false, Error: fmt.Sprintf("build prompt: %v", err)}
	}

	responseText, usage, err := e.provider.Generate(ctx, msgs.System, msgs.User, e.opts.MaxResponseTokens)
	if err != nil {
		return &models.StepOutcome{Success: false, ShouldContinue: false, Error: fmt.Sprintf("llm call: %v", err)}
	}
	if usage.Total() == 0 {
		usage = llm.TokenUsage{
			PromptTokens:     e.provider.CountTokens(msgs.System + msgs.User),
			CompletionTokens: e.provider.CountTokens(responseText),
		}
	}

	parsed := ParseAction(responseText)
	ValidateParsed(parsed)
	if parsed.Malformed {
		slog.Warn("LLM response unparseable, proceeding as unknown action", "task_id", taskID, "step", state.CurrentStep)
	}

	result := e.dispatcher.Execute(ctx, parsed.Action, parsed.Parameters, state)

	step := state.CurrentStep
	record := models.ActionRecord{
		Step:       step,
		ActionName: parsed.Action,
		Target:     targetOf(parsed.Parameters),
		Parameters: parsed.Parameters,
		Result:     result.Status,
		Summary:    result.Summary,
		Timestamp:  time.Now().UTC(),
		DurationMS: time.Since(started).Milliseconds(),
		Error:      result.Error,
	}
	if err := e.store.RecordAction(taskID, record); err != nil {
		return &models.StepOutcome{Success: false, ShouldContinue: false, Error: fmt.Sprintf("record action: %v", err)}
	}
	if _, err := e.store.IncrementStep(taskID); err != nil {
		return &models.StepOutcome{Success: false, ShouldContinue: false, Error: fmt.Sprintf("increment step: %v", err)}
	}

	mem := e.memFor(taskID)
	if err := mem.AddActionResult(parsed.Action, result.Status, result.Summary, step, record.Target); err != nil {
		slog.Warn("Failed to record action result in working memory", "task_id", taskID, "error", err)
	}

	e.trackModification(taskID, state, parsed.Action, record.Target, result)
	e.updateVerification(ctx, taskID, parsed.Action, result)

	facts := e.persistFacts(taskID, mem, parsed.Action, result, step)

	// Phase guards evaluate against the state loaded at step start: a
	// modification or verification result lands in the guards one step
	// later, when it is durably visible.
	newPhase := e.advancePhase(taskID, state, parsed.Action, result, facts)

	shouldContinue := true
	switch {
	case parsed.Action == "complete" || parsed.Action == "escalate" || parsed.Action == "cannot_fix":
		shouldContinue = false
	case result.Fatal:
		shouldContinue = false
	case newPhase.IsTerminal():
		shouldContinue = false
	}

	breakdown, bdErr := e.builder.TokenBreakdown(taskID)
	if bdErr != nil {
		breakdown = nil
	}
	e.auditor.LogStep(taskID, audit.StepSnapshot{
		Step:           step,
		Phase:          newPhase,
		Action:         parsed.Action,
		Parameters:     parsed.Parameters,
		Result:         string(result.Status),
		Summary:        result.Summary,
		PromptTokens:   usage.PromptTokens,
		ResponseTokens: usage.CompletionTokens,
		TokenBreakdown: breakdown,
		ContextHash:    audit.ContextHash(msgs.System, msgs.User),
	})

	return &models.StepOutcome{
		Success:        result.Status != models.ResultFailure,
		ActionName:     parsed.Action,
		Parameters:     parsed.Parameters,
		Result:         result.Status,
		Summary:        result.Summary,
		ShouldContinue: shouldContinue,
		TokensUsed:     usage.Total(),
		Error:          result.Error,
	}
}

// repairCrashGap reconciles a crash between record_action and
// increment_step: when the log already holds a record for the current
// step, the counter is advanced so the step is not double-recorded.
func (e *Executor) repairCrashGap(taskID string, state *models.TaskState) *models.TaskState {
	lastStep, err := e.store.LastActionStep(taskID)
	if err != nil || lastStep < state.CurrentStep {
		return state
	}
	slog.Info("Repairing step counter after crash gap",
		"task_id", taskID, "current_step", state.CurrentStep, "last_recorded", lastStep)
	if _, err := e.store.IncrementStep(taskID); err != nil {
		slog.Warn("Failed to repair step counter", "task_id", taskID, "error", err)
		return state
	}
	repaired, err := e.store.Load(taskID)
	if err != nil {
		return state
	}
	return repaired
}

func targetOf(params map[string]any) string {
	if v, ok := params["path"].(string); ok {
		return v
	}
	if v, ok := params["file_path"].(string); ok {
		return v
	}
	return ""
}

var mutatingActionNames = map[string]bool{
	"edit_file":            true,
	"write_file":           true,
	"replace_lines":        true,
	"insert_lines":         true,
	"extract_function":     true,
	"simplify_conditional": true,
}

// trackModification appends the target to files_modified on successful
// mutations.
func (e *Executor) trackModification(taskID string, state *models.TaskState, action, target string, result *tools.Result) {
	if result.Status != models.ResultSuccess || !mutatingActionNames[action] || target == "" {
		return
	}
	modified := state.FilesModified()
	for _, f := range modified {
		if f == target {
			return
		}
	}
	modified = append(modified, target)
	if err := e.store.UpdateContextData(taskID, "files_modified", modified); err != nil {
		slog.Warn("Failed to track modified file", "task_id", taskID, "error", err)
	}
}

// updateVerification folds check/test results into the verification
// aggregate. Wrapper-annotated summaries ("Check PASSED") count too.
func (e *Executor) updateVerification(_ context.Context, taskID, action string, result *tools.Result) {
	state, err := e.store.Load(taskID)
	if err != nil {
		return
	}
	v := state.Verification
	changed := false

	switch action {
	case "run_check":
		if result.Status == models.ResultSuccess {
			v.ChecksPassing, v.ChecksFailing = 1, 0
		} else {
			v.ChecksPassing, v.ChecksFailing = 0, 1
		}
		changed = true
	case "run_tests":
		v.TestsPassing = result.Status == models.ResultSuccess
		changed = true
	case "extract_function":
		if result.Status == models.ResultSuccess && containsCheckPassed(result.Summary) {
			v.ChecksPassing, v.ChecksFailing = 1, 0
			v.TestsPassing = true
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := e.store.UpdateVerification(taskID, v.ChecksPassing, v.ChecksFailing, v.TestsPassing, nil); err != nil {
		slog.Warn("Failed to update verification", "task_id", taskID, "error", err)
	}
}

func containsCheckPassed(s string) bool {
	return strings.Contains(s, "Check PASSED")
}

// persistFacts runs extraction over the tool output, folds the new facts
// into the store rebuilt from working memory, and writes the changes back.
// Returns the active facts after the update.
func (e *Executor) persistFacts(taskID string, mem *memory.Manager, action string, result *tools.Result, step int) []models.Fact {
	output := result.Output
	if output == "" {
		output = result.Summary
	}
	newFacts := e.extractor.Extract(action, output, result.Status, step, e.opts.UseLLMFallback)

	existing, err := mem.GetFacts(step, 0)
	if err != nil {
		slog.Warn("Failed to read facts from working memory", "task_id", taskID, "error", err)
	}
	fs := understanding.NewFactStore(0, 0)
	for _, f := range existing {
		fs.Seed(f)
	}
	fs.AddMany(newFacts)

	for _, f := range existing {
		if fs.Superseded(f.ID) {
			if err := mem.RemoveFact(f.ID); err != nil {
				slog.Warn("Failed to retire superseded fact", "fact_id", f.ID, "error", err)
			}
		}
	}
	for _, f := range newFacts {
		if fs.Superseded(f.ID) {
			continue
		}
		if err := mem.AddFact(f); err != nil {
			slog.Warn("Failed to persist fact", "fact_id", f.ID, "error", err)
		}
	}
	return fs.Active()
}

// advancePhase rebuilds the machine, counts the step, applies action-derived
// terminal transitions or the machine's auto-transition, persists, and
// returns the resulting phase.
func (e *Executor) advancePhase(taskID string, state *models.TaskState, action string, result *tools.Result, facts []models.Fact) models.Phase {
	machine := phase.FromState(state.PhaseMachineState)
	machine.AdvanceStep()

	lastResult := string(result.Status)
	if result.Fatal {
		lastResult = "fatal"
	}
	ctx := &phase.Context{
		CurrentPhase:        machine.CurrentPhase(),
		StepsInPhase:        machine.StepsInPhase(),
		TotalSteps:          state.CurrentStep,
		VerificationPassing: state.Verification.ChecksFailing == 0,
		TestsPassing:        state.Verification.TestsPassing,
		FilesModified:       state.FilesModified(),
		Facts:               facts,
		LastAction:          action,
		LastActionResult:    lastResult,
	}

	// Action semantics take precedence; terminal phases bypass guards.
	switch {
	case action == "complete" && result.Status == models.ResultSuccess:
		machine.ForceTerminal(models.PhaseComplete)
	case action == "escalate" || action == "cannot_fix":
		machine.ForceTerminal(models.PhaseEscalated)
	case result.Fatal:
		machine.ForceTerminal(models.PhaseFailed)
		if err := e.store.SetError(taskID, result.Error); err != nil {
			slog.Warn("Failed to record fatal error", "task_id", taskID, "error", err)
		}
	default:
		if target := machine.ShouldAutoTransition(ctx); target != "" {
			if target.IsTerminal() && target != models.PhaseComplete {
				machine.ForceTerminal(target)
			} else if !machine.Transition(target, ctx) {
				slog.Debug("Auto-transition blocked by guards", "task_id", taskID, "target", target)
			}
		}
	}

	if err := e.store.UpdatePhaseMachine(taskID, machine.State()); err != nil {
		slog.Warn("Failed to persist phase machine", "task_id", taskID, "error", err)
	}
	return machine.CurrentPhase()
}
