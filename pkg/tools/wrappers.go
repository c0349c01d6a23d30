package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"

	"github.com/agentforge/agentforge/pkg/models"
)

// TestRunner runs the project's test suite and returns its raw output.
// Success reports whether the run as a whole passed.
type TestRunner func(ctx context.Context, path string) (output string, success bool, err error)

// CheckRunner runs one conformance check against a file.
type CheckRunner func(ctx context.Context, filePath, checkID string) (output string, passed bool, err error)

// ContextRefresher recomputes precomputed context (line numbers, extraction
// candidates) after a structural change to the target file.
type ContextRefresher func(ctx context.Context, state *models.TaskState) error

var failedCountPattern = regexp.MustCompile(`(\d+) failed`)

// parseFailureCount counts failures reported in test output ("N failed").
func parseFailureCount(output string) int {
	total := 0
	for _, m := range failedCountPattern.FindAllStringSubmatch(output, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			total += n
		}
	}
	return total
}

// targetPath extracts the file path parameter under either of the on-wire
// names.
func targetPath(params map[string]any) string {
	if p := stringParam(params, "path"); p != "" {
		return p
	}
	return stringParam(params, "file_path")
}

// WithTestVerification wraps a destructive file action with the
// baseline-test / post-test / auto-revert procedure:
//
//  1. run baseline tests and count failures
//  2. snapshot the target file
//  3. invoke the underlying action
//  4. pass through the action's own failures untouched
//  5. run post tests
//  6. revert and fail when tests worsened, annotate otherwise
func WithTestVerification(inner Executor, runTests TestRunner) Executor {
	return func(ctx context.Context, params map[string]any, state *models.TaskState) (*Result, error) {
		path := targetPath(params)
		if path == "" {
			return inner(ctx, params, state)
		}

		baselineOut, baselineOK, err := runTests(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("baseline tests: %w", err)
		}
		baselineFailures := parseFailureCount(baselineOut)

		original, readErr := os.ReadFile(path)
		existed := readErr == nil

		result, err := inner(ctx, params, state)
		if err != nil {
			return nil, err
		}
		if result.Status == models.ResultFailure {
			return result, nil
		}

		afterOut, afterOK, err := runTests(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("post tests: %w", err)
		}
		afterFailures := parseFailureCount(afterOut)

		worsened := (baselineOK && !afterOK) || afterFailures > baselineFailures
		if worsened {
			if restoreErr := restoreFile(path, original, existed); restoreErr != nil {
				slog.Error("Failed to restore file after test regression", "path", path, "error", restoreErr)
			}
			return &Result{
				Status: models.ResultFailure,
				Summary: fmt.Sprintf("REVERTED — Modification broke tests (%d failed before, %d after)",
					baselineFailures, afterFailures),
				Error: "broke tests",
			}, nil
		}

		if afterFailures == 0 {
			result.Summary += fmt.Sprintf(" ✓ Tests verified (%d→%d failures)", baselineFailures, afterFailures)
		} else {
			result.Summary += fmt.Sprintf(" ○ No new failures (%d→%d)", baselineFailures, afterFailures)
		}
		return result, nil
	}
}

func restoreFile(path string, original []byte, existed bool) error {
	if !existed {
		return os.Remove(path)
	}
	return os.WriteFile(path, original, 0o644)
}

// WithExtractionVerification wraps extract_function: test verification
// plus a post-action conformance check for the task's check_id, then a
// precomputed-context refresh so later steps see updated line numbers for
// the possibly relocated target function.
func WithExtractionVerification(inner Executor, runTests TestRunner, runCheck CheckRunner, refresh ContextRefresher) Executor {
	verified := WithTestVerification(inner, runTests)
	return func(ctx context.Context, params map[string]any, state *models.TaskState) (*Result, error) {
		result, err := verified(ctx, params, state)
		if err != nil || result.Status == models.ResultFailure {
			return result, err
		}

		checkID := ""
		if state != nil {
			checkID = state.ContextString("check_id")
		}
		if runCheck != nil && checkID != "" {
			checkOut, passed, checkErr := runCheck(ctx, targetPath(params), checkID)
			if checkErr != nil {
				slog.Warn("Post-extraction check failed to run", "check_id", checkID, "error", checkErr)
			} else {
				result.Output += "\n" + checkOut
				if passed {
					result.Summary += " — Check PASSED"
				} else {
					result.Summary += " — Check still failing"
				}
			}
		}

		if refresh != nil && state != nil {
			if refreshErr := refresh(ctx, state); refreshErr != nil {
				slog.Warn("Precomputed context refresh failed", "error", refreshErr)
			}
		}
		return result, nil
	}
}

// PythonValidator parses a Python file and import-checks its module,
// returning an error describing the problem when the file is broken.
type PythonValidator func(ctx context.Context, path string) error

// WithPythonValidation wraps replace_lines: after a successful replacement
// on a .py file the file is validated (AST parse + import subprocess) and
// reverted when broken, before the test-verification decision sees it.
func WithPythonValidation(inner Executor, validate PythonValidator) Executor {
	return func(ctx context.Context, params map[string]any, state *models.TaskState) (*Result, error) {
		path := targetPath(params)
		if path == "" || !isPythonFile(path) || validate == nil {
			return inner(ctx, params, state)
		}

		original, readErr := os.ReadFile(path)
		existed := readErr == nil

		result, err := inner(ctx, params, state)
		if err != nil || result.Status == models.ResultFailure {
			return result, err
		}

		if valErr := validate(ctx, path); valErr != nil {
			if restoreErr := restoreFile(path, original, existed); restoreErr != nil {
				slog.Error("Failed to restore file after validation failure", "path", path, "error", restoreErr)
			}
			return &Result{
				Status:  models.ResultFailure,
				Summary: fmt.Sprintf("Code validation failed — REVERTED: %v", valErr),
				Error:   fmt.Sprintf("syntax or import error: %v", valErr),
			}, nil
		}
		return result, nil
	}
}

func isPythonFile(path string) bool {
	return len(path) > 3 && path[len(path)-3:] == ".py"
}
