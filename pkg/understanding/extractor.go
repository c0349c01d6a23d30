package understanding

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentforge/agentforge/pkg/models"
)

// FallbackFunc asks an LLM for facts when rule extraction is thin. It
// receives the tool name and raw output and returns statements to record at
// inference confidence.
type FallbackFunc func(toolName, output string) ([]string, error)

// Extractor maps tool names to rule sets and produces facts from tool
// output.
type Extractor struct {
	ruleSets map[string]*RuleSet
	fallback FallbackFunc
}

// NewExtractor builds an extractor with the built-in rule sets registered.
// fallback may be nil (LLM fallback disabled).
func NewExtractor(fallback FallbackFunc) *Extractor {
	e := &Extractor{
		ruleSets: map[string]*RuleSet{},
		fallback: fallback,
	}
	for _, rs := range []*RuleSet{
		conformanceRules(),
		testRules(),
		editRules(),
		extractFunctionRules(),
	} {
		e.ruleSets[rs.ToolName] = rs
	}
	// replace_lines, insert_lines and write_file share edit semantics.
	for _, alias := range []string{"replace_lines", "insert_lines", "write_file"} {
		e.ruleSets[alias] = e.ruleSets["edit_file"]
	}
	return e
}

// RegisterRuleSet installs or replaces the rule set for a tool.
func (e *Extractor) RegisterRuleSet(toolName string, rs *RuleSet) {
	e.ruleSets[toolName] = rs
}

// Extract produces facts from one tool invocation's output. If no rule
// fires, a single generic success/failure fact is emitted at 0.7. The LLM
// fallback runs only when enabled and rules produced fewer than two facts.
func (e *Extractor) Extract(toolName, output string, result models.ActionResult, step int, useLLMFallback bool) []models.Fact {
	var facts []models.Fact
	if rs, ok := e.ruleSets[toolName]; ok {
		facts = rs.Extract(output, step)
	}

	if len(facts) == 0 {
		verb := "succeeded"
		category := models.FactInference
		if result == models.ResultFailure {
			verb = "failed"
			category = models.FactError
		}
		facts = append(facts, models.Fact{
			ID:         factID(toolName, "generic", step),
			Category:   category,
			Statement:  fmt.Sprintf("%s %s", toolName, verb),
			Confidence: 0.7,
			Source:     toolName + ":generic",
			Step:       step,
		})
	}

	if useLLMFallback && e.fallback != nil && len(facts) < 2 {
		statements, err := e.fallback(toolName, output)
		if err != nil {
			slog.Debug("LLM fact fallback failed", "tool", toolName, "error", err)
		}
		for i, stmt := range statements {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			facts = append(facts, models.Fact{
				ID:         factID(toolName, fmt.Sprintf("llm%d", i), step),
				Category:   models.FactInference,
				Statement:  stmt,
				Confidence: 0.6,
				Source:     toolName + ":llm_fallback",
				Step:       step,
			})
		}
	}
	return facts
}
