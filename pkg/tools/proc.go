package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/agentforge/agentforge/pkg/models"
)

// DefaultSubprocessTimeout bounds a tool subprocess so a hung test run
// cannot stall a step forever.
const DefaultSubprocessTimeout = 300 * time.Second

// Subprocess runs an external command and returns combined output.
// Non-zero exit is reported via ok=false, not an error; errors mean the
// command could not run at all.
func Subprocess(ctx context.Context, timeout time.Duration, name string, args ...string) (output string, ok bool, err error) {
	if timeout <= 0 {
		timeout = DefaultSubprocessTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()
	output = buf.String()

	if ctx.Err() == context.DeadlineExceeded {
		return output, false, fmt.Errorf("subprocess %s timed out after %s", name, timeout)
	}
	if runErr != nil {
		if _, isExit := runErr.(*exec.ExitError); isExit {
			return output, false, nil
		}
		return output, false, fmt.Errorf("subprocess %s: %w", name, runErr)
	}
	return output, true, nil
}

// NewPytestRunner returns a TestRunner invoking pytest under the project
// root. An empty path runs the whole suite.
func NewPytestRunner(projectRoot string, timeout time.Duration) TestRunner {
	return func(ctx context.Context, path string) (string, bool, error) {
		args := []string{"-m", "pytest", "-q", "--no-header"}
		if path != "" {
			args = append(args, path)
		}
		cmd := exec.CommandContext(ctx, "python", args...)
		cmd.Dir = projectRoot
		return runPrepared(ctx, cmd, timeout)
	}
}

// NewCommandTestRunner returns a TestRunner invoking an arbitrary
// configured command (e.g. "go test ./...").
func NewCommandTestRunner(projectRoot string, command []string, timeout time.Duration) TestRunner {
	return func(ctx context.Context, path string) (string, bool, error) {
		if len(command) == 0 {
			return "", false, fmt.Errorf("test runner: empty command")
		}
		args := append([]string{}, command[1:]...)
		if path != "" {
			args = append(args, path)
		}
		cmd := exec.CommandContext(ctx, command[0], args...)
		cmd.Dir = projectRoot
		return runPrepared(ctx, cmd, timeout)
	}
}

// NewPythonValidator returns a PythonValidator that AST-parses the file and
// import-executes it in a subprocess.
func NewPythonValidator(timeout time.Duration) PythonValidator {
	return func(ctx context.Context, path string) error {
		parseSnippet := fmt.Sprintf("import ast,sys; ast.parse(open(%q).read())", path)
		out, ok, err := Subprocess(ctx, timeout, "python", "-c", parseSnippet)
		if err != nil {
			return fmt.Errorf("syntax validation: %w", err)
		}
		if !ok {
			return fmt.Errorf("syntax error: %s", firstLine(out))
		}
		importSnippet := fmt.Sprintf(
			"import importlib.util,sys; spec=importlib.util.spec_from_file_location('_validated', %q); m=importlib.util.module_from_spec(spec); spec.loader.exec_module(m)",
			path)
		out, ok, err = Subprocess(ctx, timeout, "python", "-c", importSnippet)
		if err != nil {
			return fmt.Errorf("import validation: %w", err)
		}
		if !ok {
			return fmt.Errorf("import error: %s", firstLine(out))
		}
		return nil
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Keep the last line — Python tracebacks put the error there.
		lines := strings.Split(s, "\n")
		return strings.TrimSpace(lines[len(lines)-1])
	}
	return s
}

func runPrepared(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) (string, bool, error) {
	if timeout <= 0 {
		timeout = DefaultSubprocessTimeout
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return "", false, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			if _, isExit := err.(*exec.ExitError); isExit {
				return buf.String(), false, nil
			}
			return buf.String(), false, err
		}
		return buf.String(), true, nil
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		return buf.String(), false, fmt.Errorf("command timed out after %s", timeout)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return buf.String(), false, ctx.Err()
	}
}

// RunTestsExecutor adapts a TestRunner into a registered run_tests action.
func RunTestsExecutor(runTests TestRunner) Executor {
	return func(ctx context.Context, params map[string]any, _ *models.TaskState) (*Result, error) {
		out, ok, err := runTests(ctx, stringParam(params, "path"))
		if err != nil {
			return Failure("run_tests failed to execute", err.Error()), nil
		}
		failures := parseFailureCount(out)
		if ok {
			return Success(fmt.Sprintf("Tests passed (%d failed)", failures), out), nil
		}
		return &Result{
			Status:  models.ResultFailure,
			Summary: fmt.Sprintf("Tests failed (%d failed)", failures),
			Output:  out,
			Error:   "test failures",
		}, nil
	}
}

// RunCheckExecutor adapts a CheckRunner into a registered run_check
// action. The file path and check id fall back to the task's context_data.
func RunCheckExecutor(runCheck CheckRunner) Executor {
	return func(ctx context.Context, params map[string]any, state *models.TaskState) (*Result, error) {
		filePath := targetPath(params)
		checkID := stringParam(params, "check_id")
		if state != nil {
			if filePath == "" {
				filePath = state.ContextString("file_path")
			}
			if checkID == "" {
				checkID = state.ContextString("check_id")
			}
		}
		out, passed, err := runCheck(ctx, filePath, checkID)
		if err != nil {
			return Failure("run_check failed to execute", err.Error()), nil
		}
		if passed {
			return Success(fmt.Sprintf("Check PASSED: %s on %s", checkID, filePath), out), nil
		}
		return &Result{
			Status:  models.ResultFailure,
			Summary: fmt.Sprintf("Check FAILED: %s on %s", checkID, filePath),
			Output:  out,
			Error:   "check violations remain",
		}, nil
	}
}

// LoadContextExecutor adapts working-memory context loading into a
// registered load_context action. The store callback persists the loaded
// content.
func LoadContextExecutor(load func(ctx context.Context, item string, state *models.TaskState) (string, error)) Executor {
	return func(ctx context.Context, params map[string]any, state *models.TaskState) (*Result, error) {
		item := stringParam(params, "item")
		if item == "" {
			item = stringParam(params, "path")
		}
		if item == "" {
			return Failure("load_context: missing item", "missing required parameter: item"), nil
		}
		content, err := load(ctx, item, state)
		if err != nil {
			return Failure("load_context failed", err.Error()), nil
		}
		return Success("Loaded context: "+item, content), nil
	}
}
