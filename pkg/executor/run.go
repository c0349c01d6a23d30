package executor

import (
	"context"
	"log/slog"

	"github.com/agentforge/agentforge/pkg/budget"
	"github.com/agentforge/agentforge/pkg/models"
	"github.com/agentforge/agentforge/pkg/phase"
)

// StepCallback observes each completed step.
type StepCallback func(outcome *models.StepOutcome)

// RunUntilComplete drives the task until a terminal phase, a budget stop,
// a detected loop, or maxIterations. onStep and budgeter may be nil.
func (e *Executor) RunUntilComplete(ctx context.Context, taskID string, maxIterations int, onStep StepCallback, budgeter *budget.AdaptiveBudget) []*models.StepOutcome {
	if maxIterations <= 0 {
		maxIterations = 50
	}
	if budgeter == nil {
		budgeter = budget.New(0, 0, 0)
	}
	e.builder.ResetCompactionCounters()

	var outcomes []*models.StepOutcome
	for i := 0; i < maxIterations; i++ {
		outcome := e.ExecuteStep(ctx, taskID)
		outcomes = append(outcomes, outcome)
		slog.Info("Step executed",
			"task_id", taskID,
			"action", outcome.ActionName,
			"result", outcome.Result,
			"tokens", outcome.TokensUsed,
			"continue", outcome.ShouldContinue)
		if onStep != nil {
			onStep(outcome)
		}
		if !outcome.ShouldContinue {
			break
		}

		state, err := e.store.Load(taskID)
		if err != nil {
			outcome.Error = "state lost mid-run: " + err.Error()
			break
		}
		recent, err := e.store.GetRecentActions(taskID, 10)
		if err != nil {
			slog.Warn("Cannot read recent actions for budget check", "task_id", taskID, "error", err)
			continue
		}
		facts, err := e.memFor(taskID).GetFacts(state.CurrentStep, 0)
		if err != nil {
			facts = nil
		}

		cont, reason, detection := budgeter.CheckContinue(state.CurrentStep, recent, facts)
		if cont {
			continue
		}

		// A loop can sometimes be broken by a phase change: when the
		// machine has a valid transition to a different non-terminal
		// phase, take it and keep going instead of stopping.
		if detection != nil && e.tryLoopBreakingTransition(taskID, state, recent, facts) {
			slog.Info("Budget stop overridden by phase transition", "task_id", taskID, "reason", reason)
			continue
		}

		slog.Info("Run stopping", "task_id", taskID, "reason", reason)
		outcome.ShouldContinue = false
		if detection != nil {
			outcome.LoopDetection = detection
			for _, s := range detection.Suggestions {
				slog.Info("Loop suggestion", "task_id", taskID, "suggestion", s)
			}
		}
		break
	}

	status := e.finalStatus(taskID, outcomes)
	events, saved := e.builder.CompactionStats()
	totalSteps := 0
	if state, err := e.store.Load(taskID); err == nil {
		totalSteps = state.CurrentStep
	}
	e.auditor.WriteSummary(taskID, status, totalSteps, events, saved)
	slog.Info("Run finished", "task_id", taskID, "status", status, "steps", totalSteps)
	return outcomes
}

// tryLoopBreakingTransition attempts an auto-transition to a non-current,
// non-terminal phase.
func (e *Executor) tryLoopBreakingTransition(taskID string, state *models.TaskState, recent []models.ActionRecord, facts []models.Fact) bool {
	machine := phase.FromState(state.PhaseMachineState)
	lastAction, lastResult := "", ""
	if len(recent) > 0 {
		lastAction = recent[len(recent)-1].ActionName
		lastResult = string(recent[len(recent)-1].Result)
	}
	ctx := &phase.Context{
		CurrentPhase:        machine.CurrentPhase(),
		StepsInPhase:        machine.StepsInPhase(),
		TotalSteps:          state.CurrentStep,
		VerificationPassing: state.Verification.ChecksFailing == 0,
		TestsPassing:        state.Verification.TestsPassing,
		FilesModified:       state.FilesModified(),
		Facts:               facts,
		LastAction:          lastAction,
		LastActionResult:    lastResult,
	}
	target := machine.ShouldAutoTransition(ctx)
	if target == "" || target == machine.CurrentPhase() || target.IsTerminal() {
		return false
	}
	if !machine.Transition(target, ctx) {
		return false
	}
	if err := e.store.UpdatePhaseMachine(taskID, machine.State()); err != nil {
		slog.Warn("Failed to persist loop-breaking transition", "task_id", taskID, "error", err)
		return false
	}
	return true
}

// finalStatus classifies how the run ended.
func (e *Executor) finalStatus(taskID string, outcomes []*models.StepOutcome) models.FinalStatus {
	state, err := e.store.Load(taskID)
	if err == nil {
		switch state.Phase {
		case models.PhaseComplete:
			return models.StatusCompleted
		case models.PhaseEscalated:
			return models.StatusEscalated
		case models.PhaseFailed:
			return models.StatusFailed
		}
	}
	// Only a step-level failure (no action result) ends the run as failed;
	// a failed action followed by a budget or loop stop ends it as stopped.
	if len(outcomes) > 0 {
		last := outcomes[len(outcomes)-1]
		if last.Error != "" && !last.Success && last.Result == "" {
			return models.StatusFailed
		}
	}
	return models.StatusStopped
}
