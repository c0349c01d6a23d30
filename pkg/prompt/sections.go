package prompt

import (
	"fmt"
	"strings"

	"github.com/agentforge/agentforge/pkg/models"
)

// Section is one labeled block of the user message. List sections keep
// their entries separate so compaction can drop trailing entries; text
// sections hold a single item.
type Section struct {
	Name   string
	Header string
	Items  []string
}

// Render produces the block with its human-readable header.
func (s *Section) Render() string {
	if len(s.Items) == 0 {
		return ""
	}
	return fmt.Sprintf("## %s\n%s", s.Header, strings.Join(s.Items, "\n"))
}

// assemble builds the ordered section list. Order is the contract:
// fingerprint, task, phase, tier-2 precomputed sections, understanding,
// recent actions, available actions, directive.
func (b *Builder) assemble(state *models.TaskState, recent []models.WorkingMemoryItem, facts []models.Fact) []*Section {
	var sections []*Section
	add := func(name, header string, items ...string) *Section {
		sec := &Section{Name: name, Header: header, Items: items}
		sections = append(sections, sec)
		return sec
	}

	if b.fingerprint != nil {
		if fp := b.fingerprint(); fp != "" {
			add("fingerprint", "Project Fingerprint", fp)
		}
	}

	task := fmt.Sprintf("Goal: %s", state.Spec.Goal)
	if len(state.Spec.SuccessCriteria) > 0 {
		task += "\nSuccess criteria:\n- " + strings.Join(state.Spec.SuccessCriteria, "\n- ")
	}
	if len(state.Spec.Constraints) > 0 {
		task += "\nConstraints:\n- " + strings.Join(state.Spec.Constraints, "\n- ")
	}
	add("task", "Task", task)

	add("phase", "Phase", fmt.Sprintf("%s (step %d)", templatePhaseName(state.Phase), state.CurrentStep))

	// Tier-2 precomputed sections from context_data, phase-specific.
	for _, pre := range precomputedSections(state) {
		add(pre.name, pre.header, pre.items...)
	}

	if len(facts) > 0 {
		items := make([]string, 0, len(facts))
		for _, f := range facts {
			items = append(items, fmt.Sprintf("- [%s] %s (%.1f)", f.Category, f.Statement, f.Confidence))
		}
		add("understanding", "Understanding", items...)
	}

	if len(recent) > 0 {
		items := make([]string, 0, len(recent))
		for _, it := range recent {
			action, _ := it.Content["action"].(string)
			result, _ := it.Content["result"].(string)
			summary, _ := it.Content["summary"].(string)
			items = append(items, fmt.Sprintf("- step %d: %s → %s: %s", it.Step, action, result, summary))
		}
		add("recent", "Recent Actions", items...)
	}

	add("available_actions", "Available Actions", availableActions(state))
	add("directive", "Directive", directiveFor(state.Phase))

	return sections
}

type precomputed struct {
	name   string
	header string
	items  []string
}

// precomputedSections pulls the template's tier-2 blocks out of
// context_data. Which blocks render depends on the phase.
func precomputedSections(state *models.TaskState) []precomputed {
	var out []precomputed
	text := func(name, header, key string) {
		if v := state.ContextString(key); v != "" {
			out = append(out, precomputed{name, header, []string{v}})
		}
	}
	list := func(name, header, key string) {
		v, ok := state.ContextData[key]
		if !ok {
			return
		}
		var items []string
		switch vv := v.(type) {
		case []string:
			items = vv
		case []any:
			for _, e := range vv {
				if s, ok := e.(string); ok {
					items = append(items, s)
				}
			}
		case string:
			if vv != "" {
				items = []string{vv}
			}
		}
		if len(items) > 0 {
			out = append(out, precomputed{name, header, items})
		}
	}

	switch state.Phase {
	case models.PhaseInit, models.PhaseAnalyze:
		text("target_source", "Target Source", "target_source")
		text("check_definition", "Check Definition", "check_definition")
		text("file_overview", "File Overview", "file_overview")
	case models.PhasePlan:
		text("target_source", "Target Source", "target_source")
		text("check_definition", "Check Definition", "check_definition")
		list("similar_fixes", "Similar Fixes", "similar_fixes")
		list("related_patterns", "Related Patterns", "related_patterns")
	case models.PhaseImplement:
		text("target_source", "Target Source", "target_source")
		list("similar_fixes", "Similar Fixes", "similar_fixes")
		list("similar_implementations", "Similar Implementations", "similar_implementations")
		text("action_hints", "Action Hints", "action_hints")
		list("related_code", "Related Code", "related_code")
	case models.PhaseVerify:
		text("check_definition", "Check Definition", "check_definition")
		text("action_hints", "Action Hints", "action_hints")
	}
	list("additional", "Additional Context", "additional")
	return out
}

// templatePhaseName maps machine phases to the template vocabulary.
func templatePhaseName(p models.Phase) string {
	switch p {
	case models.PhaseInit:
		return "ORIENT"
	case models.PhaseAnalyze:
		return "ANALYZE"
	case models.PhasePlan:
		return "PLAN"
	case models.PhaseImplement:
		return "IMPLEMENT"
	case models.PhaseVerify:
		return "VERIFY"
	}
	return strings.ToUpper(string(p))
}

func availableActions(state *models.TaskState) string {
	actions := []string{
		"read_file(path)", "write_file(path, content)", "edit_file(path, old_text, new_text)",
		"replace_lines(file_path, start_line, end_line, new_content)",
		"insert_lines(file_path, line_number, new_content)",
		"extract_function(file_path, source_function, start_line, end_line, new_function_name)",
		"simplify_conditional(file_path, function_name, if_line)",
		"run_check(file_path, check_id)", "run_tests(path)", "load_context(item)",
		"plan_fix(diagnosis, approach)", "complete(summary)", "escalate(reason)", "cannot_fix(reason)",
	}
	s := "- " + strings.Join(actions, "\n- ")
	if _, ok := state.ContextData["extraction_candidates"]; ok {
		s += "\nHint: extract_function candidates were precomputed for this file — prefer it for complexity violations."
	}
	return s
}

func directiveFor(p models.Phase) string {
	base := "Respond with exactly one action in a fenced ```action block:\n" +
		"```action\naction: <name>\nparameters:\n  <key>: <value>\n```"
	switch p {
	case models.PhaseVerify:
		return base + "\nRun the conformance check and tests; call complete only when both are green."
	case models.PhaseImplement:
		return base + "\nMake one focused modification per step."
	}
	return base
}

// systemMessage is the phase-specific boilerplate for the system role.
func systemMessage(p models.Phase) string {
	common := "You are an autonomous code-modification agent. You act through registered tools, one action per step. Never invent tool names."
	switch p {
	case models.PhaseInit:
		return common + " You are in the ORIENT phase: establish what the task needs before acting."
	case models.PhaseAnalyze:
		return common + " You are in the ANALYZE phase: read the target code and build understanding before editing."
	case models.PhasePlan:
		return common + " You are in the PLAN phase: state a diagnosis and an approach with plan_fix."
	case models.PhaseImplement:
		return common + " You are in the IMPLEMENT phase: prefer semantic refactoring tools (extract_function, simplify_conditional) over raw text edits."
	case models.PhaseVerify:
		return common + " You are in the VERIFY phase: run checks and tests, then complete or return to implementation."
	}
	return common
}
