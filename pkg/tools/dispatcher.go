// Package tools implements the registered-action table the executor
// dispatches through, the built-in terminal actions, and the safety
// wrappers (test verification, extraction verification, Python file
// validation) applied around destructive actions.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentforge/agentforge/pkg/models"
)

// Result is the structured value every action returns. Status mirrors the
// tool adapter contract; Fatal marks failures that must stop the run.
type Result struct {
	Status  models.ActionResult
	Summary string
	Output  string
	Error   string
	Fatal   bool
	Extra   map[string]any
}

// Success builds a success result.
func Success(summary, output string) *Result {
	return &Result{Status: models.ResultSuccess, Summary: summary, Output: output}
}

// Failure builds a failure result.
func Failure(summary, errMsg string) *Result {
	return &Result{Status: models.ResultFailure, Summary: summary, Error: errMsg}
}

// Executor is a registered action implementation. Tools are polymorphic
// only over this capability; there is no class hierarchy.
type Executor func(ctx context.Context, params map[string]any, state *models.TaskState) (*Result, error)

// ContextWriter is the slice of the state store the dispatcher needs to
// stash built-in side data (cannot_fix reasons).
type ContextWriter interface {
	UpdateContextData(taskID, key string, value any) error
}

// Dispatcher resolves action names to executors. Built-ins (complete,
// escalate, cannot_fix) are handled directly when no executor is
// registered for the name.
type Dispatcher struct {
	executors map[string]Executor
	ctxWriter ContextWriter
}

// NewDispatcher creates an empty dispatcher. ctxWriter may be nil; then
// cannot_fix reasons are only reflected in the result.
func NewDispatcher(ctxWriter ContextWriter) *Dispatcher {
	return &Dispatcher{
		executors: map[string]Executor{},
		ctxWriter: ctxWriter,
	}
}

// Register installs an executor for an action name, replacing any previous
// registration.
func (d *Dispatcher) Register(actionName string, exec Executor) {
	d.executors[actionName] = exec
}

// Registered reports whether an executor exists for the name.
func (d *Dispatcher) Registered(actionName string) bool {
	_, ok := d.executors[actionName]
	return ok
}

// Execute dispatches one action. Executor errors and panics are converted
// to failure results; Execute itself never fails.
func (d *Dispatcher) Execute(ctx context.Context, actionName string, params map[string]any, state *models.TaskState) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool executor panicked", "action", actionName, "panic", r)
			res = Failure("Action panicked", fmt.Sprintf("Action failed: %v", r))
		}
	}()

	if exec, ok := d.executors[actionName]; ok {
		result, err := exec(ctx, params, state)
		if err != nil {
			return Failure("Action failed", fmt.Sprintf("Action failed: %v", err))
		}
		if result == nil {
			return Failure("Action returned no result", "Action failed: nil result")
		}
		return result
	}

	switch actionName {
	case "complete":
		return d.executeComplete(state)
	case "escalate":
		reason := stringParam(params, "reason")
		return Success("Escalated: "+reason, "")
	case "cannot_fix":
		reason := stringParam(params, "reason")
		if d.ctxWriter != nil && state != nil {
			if err := d.ctxWriter.UpdateContextData(state.Spec.TaskID, "cannot_fix_reason", reason); err != nil {
				slog.Warn("Failed to stash cannot_fix reason", "error", err)
			}
		}
		return Success("Cannot fix: "+reason, "")
	}

	return Failure("Unknown action", "No executor registered for: "+actionName)
}

func (d *Dispatcher) executeComplete(state *models.TaskState) *Result {
	if state != nil && state.Verification.ReadyForCompletion {
		return Success("Task complete", "")
	}
	return Failure("Completion blocked", "Verification not passing")
}

// stringParam reads a string parameter, tolerating absence.
func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	v, _ := params[key].(string)
	return v
}

// intParam reads an integer parameter from the loosely typed map.
func intParam(params map[string]any, key string) (int, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
