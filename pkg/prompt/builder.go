// Package prompt assembles the two-message prompt (system, user) from task
// state, working memory and the current phase, enforcing a token budget by
// tiered compaction.
package prompt

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentforge/agentforge/pkg/memory"
	"github.com/agentforge/agentforge/pkg/models"
	"github.com/agentforge/agentforge/pkg/store"
)

// DefaultMaxTokens is the prompt budget when none is configured.
const DefaultMaxTokens = 4000

// Builder constructs prompts for a task from its persisted state.
type Builder struct {
	store       *store.Store
	maxTokens   int
	fingerprint func() string // opaque project fingerprint collaborator
	memFor      func(taskID string) *memory.Manager

	// compaction accounting for the audit summary
	compactionEvents int
	tokensSaved      int
}

// NewBuilder wires a builder to the store. fingerprint may be nil.
func NewBuilder(st *store.Store, maxTokens int, fingerprint func() string) *Builder {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	b := &Builder{store: st, maxTokens: maxTokens, fingerprint: fingerprint}
	b.memFor = func(taskID string) *memory.Manager {
		return memory.NewManager(st.MemoryPath(taskID), memory.DefaultMaxItems)
	}
	return b
}

// ResetCompactionCounters zeroes the per-run compaction accounting.
func (b *Builder) ResetCompactionCounters() {
	b.compactionEvents = 0
	b.tokensSaved = 0
}

// CompactionStats returns (events, tokensSaved) accumulated since the last
// reset.
func (b *Builder) CompactionStats() (int, int) {
	return b.compactionEvents, b.tokensSaved
}

// EstimateTokens is the coarse chars/4 token estimate used for budgeting.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Messages is the built two-message prompt.
type Messages struct {
	System string
	User   string
}

// TotalTokens estimates the prompt's full token cost.
func (m Messages) TotalTokens() int {
	return EstimateTokens(m.System) + EstimateTokens(m.User)
}

// BuildMessages assembles and compacts the prompt for the task's next step.
// Validation problems are logged as warnings, never fatal.
func (b *Builder) BuildMessages(taskID string) (Messages, error) {
	state, err := b.store.Load(taskID)
	if err != nil {
		return Messages{}, fmt.Errorf("build messages: %w", err)
	}
	mem := b.memFor(taskID)

	recentItems, err := mem.GetActionResults(3, state.CurrentStep)
	if err != nil {
		return Messages{}, fmt.Errorf("build messages: %w", err)
	}
	facts, err := mem.GetFacts(state.CurrentStep, 0.7)
	if err != nil {
		return Messages{}, fmt.Errorf("build messages: %w", err)
	}
	facts = dropSuperseded(facts)
	if len(facts) > 10 {
		facts = facts[len(facts)-10:]
	}

	sections := b.assemble(state, recentItems, facts)
	b.compactSections(sections)

	user := renderSections(sections)
	msgs := Messages{System: systemMessage(state.Phase), User: user}

	b.validate(state, msgs)
	return msgs, nil
}

// dropSuperseded removes facts whose ids are superseded by later ones in
// the same slice. The persisted supersedes links are authoritative.
func dropSuperseded(facts []models.Fact) []models.Fact {
	superseded := map[string]bool{}
	for _, f := range facts {
		if f.Supersedes != "" {
			superseded[f.Supersedes] = true
		}
	}
	out := facts[:0]
	for _, f := range facts {
		if !superseded[f.ID] {
			out = append(out, f)
		}
	}
	return out
}

// TokenBreakdown reports the per-section token estimate for diagnostics.
func (b *Builder) TokenBreakdown(taskID string) (map[string]int, error) {
	state, err := b.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	mem := b.memFor(taskID)
	recentItems, err := mem.GetActionResults(3, state.CurrentStep)
	if err != nil {
		return nil, err
	}
	facts, err := mem.GetFacts(state.CurrentStep, 0.7)
	if err != nil {
		return nil, err
	}
	sections := b.assemble(state, recentItems, dropSuperseded(facts))
	breakdown := map[string]int{}
	for _, sec := range sections {
		breakdown[sec.Name] = EstimateTokens(sec.Render())
	}
	breakdown["system"] = EstimateTokens(systemMessage(state.Phase))
	return breakdown, nil
}

func (b *Builder) validate(state *models.TaskState, msgs Messages) {
	if state.Spec.TaskType == "fix_violation" && state.ContextString("file_path") == "" {
		slog.Warn("Context validation: fix_violation task missing file_path",
			"task_id", state.Spec.TaskID)
	}
	if _, ok := state.ContextData["extraction_candidates"]; ok {
		if !strings.Contains(msgs.User, "extract_function") {
			slog.Warn("Context validation: extraction candidates present but extract_function hints missing",
				"task_id", state.Spec.TaskID)
		}
	}
	if msgs.TotalTokens() < 100 {
		slog.Warn("Context validation: prompt suspiciously small",
			"task_id", state.Spec.TaskID, "tokens", msgs.TotalTokens())
	}
}
