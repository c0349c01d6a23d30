package understanding

import (
	"regexp"
	"sort"
	"strings"

	"github.com/agentforge/agentforge/pkg/models"
)

// Fact store sizing defaults.
const (
	DefaultMaxFacts            = 20
	DefaultCompactionThreshold = 15
)

// FactStore holds a task's facts with supersession and compaction. It is a
// value object: the executor rebuilds it from working memory each step.
type FactStore struct {
	maxFacts            int
	compactionThreshold int

	facts      []models.Fact
	superseded map[string]bool
}

// NewFactStore creates an empty store. Zero sizes take the defaults.
func NewFactStore(maxFacts, compactionThreshold int) *FactStore {
	if maxFacts <= 0 {
		maxFacts = DefaultMaxFacts
	}
	if compactionThreshold <= 0 {
		compactionThreshold = DefaultCompactionThreshold
	}
	return &FactStore{
		maxFacts:            maxFacts,
		compactionThreshold: compactionThreshold,
		superseded:          map[string]bool{},
	}
}

// Add inserts a fact. If it semantically supersedes an existing active fact
// of the same category, the old fact is retired and the new one records the
// supersession link. Compaction runs when the active count exceeds the
// threshold.
func (fs *FactStore) Add(fact models.Fact) {
	for i := len(fs.facts) - 1; i >= 0; i-- {
		old := fs.facts[i]
		if fs.superseded[old.ID] {
			continue
		}
		if shouldSupersede(old, fact) {
			fs.superseded[old.ID] = true
			fact.Supersedes = old.ID
			break
		}
	}
	fs.facts = append(fs.facts, fact)
	if len(fs.Active()) > fs.compactionThreshold {
		fs.compact()
	}
}

// AddMany inserts facts in order.
func (fs *FactStore) AddMany(facts []models.Fact) {
	for _, f := range facts {
		fs.Add(f)
	}
}

// Seed restores a previously persisted fact without supersession matching
// or compaction. Used when rebuilding the store from working memory.
func (fs *FactStore) Seed(fact models.Fact) {
	if fact.Supersedes != "" {
		fs.superseded[fact.Supersedes] = true
	}
	fs.facts = append(fs.facts, fact)
}

// Active returns facts whose ids are not superseded, in insertion order.
func (fs *FactStore) Active() []models.Fact {
	var out []models.Fact
	for _, f := range fs.facts {
		if !fs.superseded[f.ID] {
			out = append(out, f)
		}
	}
	return out
}

// ByCategory filters active facts to one category.
func (fs *FactStore) ByCategory(category models.FactCategory) []models.Fact {
	var out []models.Fact
	for _, f := range fs.Active() {
		if f.Category == category {
			out = append(out, f)
		}
	}
	return out
}

// Recent returns the last n active facts.
func (fs *FactStore) Recent(n int) []models.Fact {
	active := fs.Active()
	if len(active) > n {
		active = active[len(active)-n:]
	}
	return active
}

// Superseded reports whether id has been retired.
func (fs *FactStore) Superseded(id string) bool {
	return fs.superseded[id]
}

var functionNamePattern = regexp.MustCompile(`'([^']+)'`)

// shouldSupersede implements the domain matching rules: same category, plus
// complexity facts for the same function, or both "passed", or both
// "failed".
func shouldSupersede(old, new models.Fact) bool {
	if old.Category != new.Category {
		return false
	}
	oldStmt := strings.ToLower(old.Statement)
	newStmt := strings.ToLower(new.Statement)

	if strings.Contains(oldStmt, "complexity") && strings.Contains(newStmt, "complexity") {
		oldFn := functionNamePattern.FindStringSubmatch(old.Statement)
		newFn := functionNamePattern.FindStringSubmatch(new.Statement)
		if oldFn != nil && newFn != nil && oldFn[1] == newFn[1] {
			return true
		}
	}
	if strings.Contains(oldStmt, "passed") && strings.Contains(newStmt, "passed") {
		return true
	}
	if strings.Contains(oldStmt, "failed") && strings.Contains(newStmt, "failed") {
		return true
	}
	return false
}

// compact retires the lowest-scored active facts until max_facts remain.
// Applying compaction to a store already within bounds changes nothing.
func (fs *FactStore) compact() {
	active := fs.Active()
	if len(active) <= fs.maxFacts {
		return
	}
	scored := make([]models.Fact, len(active))
	copy(scored, active)
	sort.SliceStable(scored, func(a, b int) bool {
		return scoreFact(scored[a]) > scoreFact(scored[b])
	})
	for _, f := range scored[fs.maxFacts:] {
		fs.superseded[f.ID] = true
	}
}

// scoreFact weights a fact for compaction: confidence plus a category
// bonus that keeps verification and error facts alive longest.
func scoreFact(f models.Fact) float64 {
	score := f.Confidence
	switch f.Category {
	case models.FactVerification:
		score += 0.3
	case models.FactError:
		score += 0.2
	case models.FactCodeStructure:
		score += 0.1
	}
	return score
}
