package executor

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParsedAction is the structured action recovered from an LLM response.
type ParsedAction struct {
	Action     string
	Parameters map[string]any
	Reasoning  string

	// Malformed marks responses where no strategy recovered an action;
	// Action is then "unknown" so the dispatcher and loop detector see the
	// pattern.
	Malformed bool
}

// Fence patterns, compiled once. The parser is intentionally forgiving: it
// tries a fenced action block, then a fenced yaml block, then a bare
// `action:` line, then a "complete" substring, and only then gives up.
var (
	actionFencePattern = regexp.MustCompile("(?s)```action\\s*\n(.*?)```")
	yamlFencePattern   = regexp.MustCompile("(?s)```ya?ml\\s*\n(.*?)```")
	actionLinePattern  = regexp.MustCompile(`(?m)^\s*action:\s*([\w\-]+)\s*$`)
)

// ParseAction recovers a single structured action from free-form response
// text. It never fails: unparseable input degrades to action "unknown".
func ParseAction(text string) ParsedAction {
	if m := actionFencePattern.FindStringSubmatch(text); m != nil {
		if parsed, ok := parseActionYAML(m[1]); ok {
			return parsed
		}
	}
	if m := yamlFencePattern.FindStringSubmatch(text); m != nil {
		if parsed, ok := parseActionYAML(m[1]); ok {
			return parsed
		}
	}
	if m := actionLinePattern.FindStringSubmatch(text); m != nil {
		return ParsedAction{Action: m[1], Parameters: map[string]any{}}
	}
	if strings.Contains(strings.ToLower(text), "complete") {
		return ParsedAction{Action: "complete", Parameters: map[string]any{}}
	}
	return ParsedAction{Action: "unknown", Parameters: map[string]any{}, Malformed: true}
}

// actionPayload is the YAML shape of a fenced action block.
type actionPayload struct {
	Action     string         `yaml:"action"`
	Parameters map[string]any `yaml:"parameters"`
	Reasoning  string         `yaml:"reasoning"`
}

func parseActionYAML(block string) (ParsedAction, bool) {
	payload := actionPayload{}
	if err := yaml.Unmarshal([]byte(block), &payload); err != nil {
		return ParsedAction{}, false
	}
	if strings.TrimSpace(payload.Action) == "" {
		return ParsedAction{}, false
	}
	params := payload.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return ParsedAction{
		Action:     strings.TrimSpace(payload.Action),
		Parameters: params,
		Reasoning:  payload.Reasoning,
	}, true
}

// scalarParams lists parameters that must be scalar strings when present.
var scalarParams = []string{"path", "file_path", "content", "old_text", "new_text", "new_content"}

// ValidateParsed checks the parsed structure against the response schema.
// Problems are logged and returned, never fatal: the executor proceeds
// best-effort with the parsed values.
func ValidateParsed(parsed ParsedAction) []string {
	var problems []string
	if parsed.Action == "" {
		problems = append(problems, "action is empty")
	}
	for _, key := range scalarParams {
		if v, ok := parsed.Parameters[key]; ok {
			if _, isStr := v.(string); !isStr {
				problems = append(problems, fmt.Sprintf("parameter %q is not a string", key))
			}
		}
	}
	for _, p := range problems {
		slog.Warn("Action validation problem", "action", parsed.Action, "problem", p)
	}
	return problems
}
