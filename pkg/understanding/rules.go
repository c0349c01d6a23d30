// Package understanding turns raw tool output into typed, confidence-
// weighted facts, and maintains the fact store with supersession and
// compaction.
package understanding

import (
	"fmt"
	"regexp"

	"github.com/agentforge/agentforge/pkg/models"
)

// Rule matches one conclusion in a tool's output. Either Pattern or
// Predicate is set; Format renders the fact statement from the submatches.
type Rule struct {
	Name       string
	Pattern    *regexp.Regexp
	Predicate  func(output string) bool
	Category   models.FactCategory
	Confidence float64
	Format     func(output string, match []string) string
}

// RuleSet is the ordered rule list associated with one tool. Multiple rules
// may fire on a single output.
type RuleSet struct {
	ToolName string
	Rules    []Rule
}

// Extract runs every rule against output and collects the facts produced.
func (rs *RuleSet) Extract(output string, step int) []models.Fact {
	var facts []models.Fact
	for _, r := range rs.Rules {
		var match []string
		fired := false
		switch {
		case r.Pattern != nil:
			match = r.Pattern.FindStringSubmatch(output)
			fired = match != nil
		case r.Predicate != nil:
			fired = r.Predicate(output)
		}
		if !fired {
			continue
		}
		facts = append(facts, models.Fact{
			ID:         factID(rs.ToolName, r.Name, step),
			Category:   r.Category,
			Statement:  r.Format(output, match),
			Confidence: r.Confidence,
			Source:     rs.ToolName + ":" + r.Name,
			Step:       step,
		})
	}
	return facts
}

func factID(tool, rule string, step int) string {
	return fmt.Sprintf("%s_%s_s%d", tool, rule, step)
}

func conformanceRules() *RuleSet {
	return &RuleSet{
		ToolName: "run_check",
		Rules: []Rule{
			{
				Name:       "check_passed",
				Pattern:    regexp.MustCompile(`(Check PASSED|All checks passed|✓)`),
				Category:   models.FactVerification,
				Confidence: 1.0,
				Format: func(string, []string) string {
					return "Conformance check passed"
				},
			},
			{
				Name:       "complexity_violation",
				Pattern:    regexp.MustCompile(`Function '([^']+)' has complexity (\d+)`),
				Category:   models.FactVerification,
				Confidence: 1.0,
				Format: func(_ string, m []string) string {
					return fmt.Sprintf("Function '%s' has cyclomatic complexity %s (threshold exceeded)", m[1], m[2])
				},
			},
			{
				Name:       "length_violation",
				Pattern:    regexp.MustCompile(`Function '([^']+)' has (\d+) lines`),
				Category:   models.FactVerification,
				Confidence: 1.0,
				Format: func(_ string, m []string) string {
					return fmt.Sprintf("Function '%s' has %s lines (threshold exceeded)", m[1], m[2])
				},
			},
			{
				Name:       "violation_count",
				Pattern:    regexp.MustCompile(`Violations?\s*\((\d+)\)`),
				Category:   models.FactVerification,
				Confidence: 1.0,
				Format: func(_ string, m []string) string {
					return "Total violations: " + m[1]
				},
			},
		},
	}
}

func testRules() *RuleSet {
	return &RuleSet{
		ToolName: "run_tests",
		Rules: []Rule{
			{
				Name:       "tests_passed",
				Pattern:    regexp.MustCompile(`(\d+) passed`),
				Category:   models.FactVerification,
				Confidence: 1.0,
				Format: func(_ string, m []string) string {
					return "Tests passed: " + m[1]
				},
			},
			{
				Name:       "tests_failed",
				Pattern:    regexp.MustCompile(`(\d+) failed`),
				Category:   models.FactVerification,
				Confidence: 1.0,
				Format: func(_ string, m []string) string {
					return "Tests failed: " + m[1]
				},
			},
			{
				Name:       "test_failure_detail",
				Pattern:    regexp.MustCompile(`FAILED\s+([^\s]+)::`),
				Category:   models.FactError,
				Confidence: 0.9,
				Format: func(_ string, m []string) string {
					return "Test failure in: " + m[1]
				},
			},
		},
	}
}

func editRules() *RuleSet {
	return &RuleSet{
		ToolName: "edit_file",
		Rules: []Rule{
			{
				Name:       "edit_success",
				Pattern:    regexp.MustCompile(`(Edited|Modified|Updated)\s+([^\s:]+)`),
				Category:   models.FactCodeStructure,
				Confidence: 1.0,
				Format: func(_ string, m []string) string {
					return "File modified: " + m[2]
				},
			},
			{
				Name:       "edit_not_found",
				Pattern:    regexp.MustCompile(`(old_text not found|text to replace not found)`),
				Category:   models.FactError,
				Confidence: 1.0,
				Format: func(string, []string) string {
					return "Edit failed: target text not found in file"
				},
			},
		},
	}
}

func extractFunctionRules() *RuleSet {
	return &RuleSet{
		ToolName: "extract_function",
		Rules: []Rule{
			{
				Name:       "extraction_success",
				Pattern:    regexp.MustCompile(`Extracted.*?'([^']+)'.*?lines?\s*(\d+)-(\d+)`),
				Category:   models.FactCodeStructure,
				Confidence: 1.0,
				Format: func(_ string, m []string) string {
					return fmt.Sprintf("Extracted function '%s' from lines %s-%s", m[1], m[2], m[3])
				},
			},
			{
				Name:       "extraction_control_flow",
				Pattern:    regexp.MustCompile(`(cannot extract|control flow|early return|break|continue)`),
				Category:   models.FactError,
				Confidence: 0.95,
				Format: func(string, []string) string {
					return "Extraction blocked by control flow (returns/breaks in selection)"
				},
			},
			{
				Name:       "post_extraction_check_passed",
				Pattern:    regexp.MustCompile(`Check PASSED`),
				Category:   models.FactVerification,
				Confidence: 1.0,
				Format: func(string, []string) string {
					return "Conformance check passed after extraction"
				},
			},
		},
	}
}
