package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/agentforge/agentforge/pkg/models"
)

// Line-based refactoring executors for Python targets. They are
// deliberately thin: the selection is moved or collapsed textually, with a
// control-flow guard, and correctness is enforced by the surrounding
// wrappers (test verification, post-check, file validation).

// controlFlowKeywords block extraction: a selection containing them would
// change behavior when moved into a helper.
var controlFlowKeywords = []string{"return", "break", "continue", "yield"}

func hasControlFlow(lines []string) (string, bool) {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, kw := range controlFlowKeywords {
			if trimmed == kw || strings.HasPrefix(trimmed, kw+" ") {
				return kw, true
			}
		}
	}
	return "", false
}

// commonIndent returns the shortest leading whitespace across non-empty
// lines.
func commonIndent(lines []string) string {
	indent := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ws := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first || len(ws) < len(indent) {
			indent = ws
			first = false
		}
	}
	return indent
}

// ExtractFunction moves the 1-indexed inclusive line range into a new
// module-level function and replaces the selection with a call at the
// original indentation.
func ExtractFunction(_ context.Context, params map[string]any, _ *models.TaskState) (*Result, error) {
	path := targetPath(params)
	start, okStart := intParam(params, "start_line")
	end, okEnd := intParam(params, "end_line")
	newName := stringParam(params, "new_function_name")
	if path == "" || !okStart || !okEnd || newName == "" {
		return Failure("extract_function: missing parameters",
			"file_path, start_line, end_line and new_function_name are required"), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Failure("extract_function failed", fmt.Sprintf("file not found: %s", path)), nil
	}
	lines := strings.Split(string(data), "\n")
	if start < 1 || end < start || end > len(lines) {
		return Failure("extract_function failed",
			fmt.Sprintf("line range %d-%d out of bounds (file has %d lines)", start, end, len(lines))), nil
	}

	segment := lines[start-1 : end]
	if kw, blocked := hasControlFlow(segment); blocked {
		msg := fmt.Sprintf("cannot extract: control flow ('%s') in selection", kw)
		return Failure(msg, msg), nil
	}

	indent := commonIndent(segment)
	body := make([]string, 0, len(segment))
	for _, line := range segment {
		if strings.TrimSpace(line) == "" {
			body = append(body, "")
			continue
		}
		body = append(body, "    "+strings.TrimPrefix(line, indent))
	}

	call := indent + newName + "()"
	updated := append(append(append([]string{}, lines[:start-1]...), call), lines[end:]...)
	updated = append(updated, "", "", "def "+newName+"():")
	updated = append(updated, body...)

	if err := os.WriteFile(path, []byte(strings.Join(updated, "\n")), 0o644); err != nil {
		return Failure("extract_function failed", err.Error()), nil
	}
	return Success(
		fmt.Sprintf("Extracted function '%s' from lines %d-%d", newName, start, end),
		fmt.Sprintf("Extracted '%s' from lines %d-%d into a module-level function", newName, start, end),
	), nil
}

// SimplifyConditional collapses the boolean-return shape
//
//	if <cond>:
//	    return True
//	return False
//
// into a single `return bool(<cond>)`, and its negated variant into
// `return not (<cond>)`, at the 1-indexed if_line. Other shapes are refused rather than guessed at.
func SimplifyConditional(_ context.Context, params map[string]any, _ *models.TaskState) (*Result, error) {
	path := targetPath(params)
	ifLine, okLine := intParam(params, "if_line")
	if path == "" || !okLine {
		return Failure("simplify_conditional: missing parameters",
			"file_path and if_line are required"), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Failure("simplify_conditional failed", fmt.Sprintf("file not found: %s", path)), nil
	}
	lines := strings.Split(string(data), "\n")
	if ifLine < 1 || ifLine+2 > len(lines) {
		return Failure("simplify_conditional failed",
			fmt.Sprintf("line %d out of bounds (file has %d lines)", ifLine, len(lines))), nil
	}

	condLine := lines[ifLine-1]
	thenLine := strings.TrimSpace(lines[ifLine])
	elseLine := strings.TrimSpace(lines[ifLine+1])
	trimmed := strings.TrimSpace(condLine)
	if !strings.HasPrefix(trimmed, "if ") || !strings.HasSuffix(trimmed, ":") {
		return Failure("simplify_conditional failed",
			fmt.Sprintf("line %d is not an if statement", ifLine)), nil
	}

	cond := strings.TrimSuffix(strings.TrimPrefix(trimmed, "if "), ":")
	indent := condLine[:len(condLine)-len(strings.TrimLeft(condLine, " \t"))]

	var replacement string
	switch {
	case thenLine == "return True" && elseLine == "return False":
		replacement = indent + "return bool(" + cond + ")"
	case thenLine == "return False" && elseLine == "return True":
		replacement = indent + "return not (" + cond + ")"
	default:
		return Failure("simplify_conditional failed",
			"cannot simplify: conditional does not match a boolean-return shape"), nil
	}

	updated := append(append(append([]string{}, lines[:ifLine-1]...), replacement), lines[ifLine+2:]...)
	if err := os.WriteFile(path, []byte(strings.Join(updated, "\n")), 0o644); err != nil {
		return Failure("simplify_conditional failed", err.Error()), nil
	}
	return Success(
		fmt.Sprintf("Simplified conditional at %s:%d", path, ifLine),
		fmt.Sprintf("Modified %s: collapsed boolean return at line %d", path, ifLine),
	), nil
}
