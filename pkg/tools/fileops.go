package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/agentforge/agentforge/pkg/models"
)

// File operation executors: the minimum destructive/readonly action set
// expected by fix-violation tasks. Each is a plain function value suitable
// for Dispatcher.Register, with wrappers applied by the caller.

// ReadFile returns the file's content, line-numbered for the LLM.
func ReadFile(_ context.Context, params map[string]any, _ *models.TaskState) (*Result, error) {
	path := targetPath(params)
	if path == "" {
		return Failure("read_file: missing path", "missing required parameter: path"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Failure("read_file failed", fmt.Sprintf("file not found: %s", path)), nil
	}
	lines := strings.Split(string(data), "\n")
	var sb strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&sb, "%4d | %s\n", i+1, line)
	}
	return Success(fmt.Sprintf("Read %s (%d lines)", path, len(lines)), sb.String()), nil
}

// WriteFile replaces the file's entire content.
func WriteFile(_ context.Context, params map[string]any, _ *models.TaskState) (*Result, error) {
	path := targetPath(params)
	content := stringParam(params, "content")
	if path == "" {
		return Failure("write_file: missing path", "missing required parameter: path"), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Failure("write_file failed", err.Error()), nil
	}
	return Success("Updated "+path, ""), nil
}

// EditFile replaces one occurrence of old_text with new_text.
func EditFile(_ context.Context, params map[string]any, _ *models.TaskState) (*Result, error) {
	path := targetPath(params)
	oldText := stringParam(params, "old_text")
	newText := stringParam(params, "new_text")
	if path == "" || oldText == "" {
		return Failure("edit_file: missing parameters", "path and old_text are required"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Failure("edit_file failed", fmt.Sprintf("file not found: %s", path)), nil
	}
	content := string(data)
	if !strings.Contains(content, oldText) {
		return Failure("edit_file failed", "old_text not found in "+path), nil
	}
	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Failure("edit_file failed", err.Error()), nil
	}
	return Success("Edited "+path, ""), nil
}

// ReplaceLines replaces the 1-indexed inclusive line range with new
// content.
func ReplaceLines(_ context.Context, params map[string]any, _ *models.TaskState) (*Result, error) {
	path := targetPath(params)
	start, okStart := intParam(params, "start_line")
	end, okEnd := intParam(params, "end_line")
	newContent := stringParam(params, "new_content")
	if path == "" || !okStart || !okEnd {
		return Failure("replace_lines: missing parameters", "file_path, start_line and end_line are required"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Failure("replace_lines failed", fmt.Sprintf("file not found: %s", path)), nil
	}
	lines := strings.Split(string(data), "\n")
	if start < 1 || end < start || end > len(lines) {
		return Failure("replace_lines failed",
			fmt.Sprintf("line range %d-%d out of bounds (file has %d lines)", start, end, len(lines))), nil
	}
	replacement := strings.Split(newContent, "\n")
	updated := append(append(append([]string{}, lines[:start-1]...), replacement...), lines[end:]...)
	if err := os.WriteFile(path, []byte(strings.Join(updated, "\n")), 0o644); err != nil {
		return Failure("replace_lines failed", err.Error()), nil
	}
	return Success(fmt.Sprintf("Modified %s lines %d-%d", path, start, end), ""), nil
}

// InsertLines inserts new content before the 1-indexed line number.
func InsertLines(_ context.Context, params map[string]any, _ *models.TaskState) (*Result, error) {
	path := targetPath(params)
	lineNo, okLine := intParam(params, "line_number")
	newContent := stringParam(params, "new_content")
	if path == "" || !okLine {
		return Failure("insert_lines: missing parameters", "file_path and line_number are required"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Failure("insert_lines failed", fmt.Sprintf("file not found: %s", path)), nil
	}
	lines := strings.Split(string(data), "\n")
	if lineNo < 1 || lineNo > len(lines)+1 {
		return Failure("insert_lines failed",
			fmt.Sprintf("line %d out of bounds (file has %d lines)", lineNo, len(lines))), nil
	}
	insertion := strings.Split(newContent, "\n")
	updated := append(append(append([]string{}, lines[:lineNo-1]...), insertion...), lines[lineNo-1:]...)
	if err := os.WriteFile(path, []byte(strings.Join(updated, "\n")), 0o644); err != nil {
		return Failure("insert_lines failed", err.Error()), nil
	}
	return Success(fmt.Sprintf("Modified %s at line %d", path, lineNo), ""), nil
}

// PlanFix records the LLM's diagnosis and approach; planning has no side
// effects beyond the summary.
func PlanFix(_ context.Context, params map[string]any, _ *models.TaskState) (*Result, error) {
	diagnosis := stringParam(params, "diagnosis")
	approach := stringParam(params, "approach")
	if diagnosis == "" && approach == "" {
		return Failure("plan_fix: empty plan", "diagnosis or approach required"), nil
	}
	return Success(fmt.Sprintf("Plan: %s — %s", diagnosis, approach), ""), nil
}
