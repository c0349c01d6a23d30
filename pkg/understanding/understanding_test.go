package understanding

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/pkg/models"
)

func TestExtract_ConformanceRules(t *testing.T) {
	e := NewExtractor(nil)

	tests := []struct {
		name          string
		output        string
		wantStatement string
		wantCategory  models.FactCategory
		wantConf      float64
	}{
		{
			name:          "check passed",
			output:        "Check PASSED: complexity on src/m.py",
			wantStatement: "Conformance check passed",
			wantCategory:  models.FactVerification,
			wantConf:      1.0,
		},
		{
			name:          "complexity violation",
			output:        "Function 'process_data' has complexity 14",
			wantStatement: "Function 'process_data' has cyclomatic complexity 14 (threshold exceeded)",
			wantCategory:  models.FactVerification,
			wantConf:      1.0,
		},
		{
			name:          "length violation",
			output:        "Function 'main' has 120 lines",
			wantStatement: "Function 'main' has 120 lines (threshold exceeded)",
			wantCategory:  models.FactVerification,
			wantConf:      1.0,
		},
		{
			name:          "violation count",
			output:        "Violations (3)",
			wantStatement: "Total violations: 3",
			wantCategory:  models.FactVerification,
			wantConf:      1.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := e.Extract("run_check", tt.output, models.ResultSuccess, 1, false)
			require.NotEmpty(t, facts)
			found := false
			for _, f := range facts {
				if f.Statement == tt.wantStatement {
					found = true
					assert.Equal(t, tt.wantCategory, f.Category)
					assert.InDelta(t, tt.wantConf, f.Confidence, 0.001)
					assert.Equal(t, 1, f.Step)
				}
			}
			assert.True(t, found, "expected statement %q in %v", tt.wantStatement, facts)
		})
	}
}

func TestExtract_TestRules(t *testing.T) {
	e := NewExtractor(nil)
	facts := e.Extract("run_tests", "2 failed, 10 passed\nFAILED tests/test_m.py::test_foo", models.ResultFailure, 2, false)

	statements := map[string]models.FactCategory{}
	for _, f := range facts {
		statements[f.Statement] = f.Category
	}
	assert.Contains(t, statements, "Tests passed: 10")
	assert.Contains(t, statements, "Tests failed: 2")
	assert.Equal(t, models.FactError, statements["Test failure in: tests/test_m.py"])
}

func TestExtract_EditAliases(t *testing.T) {
	e := NewExtractor(nil)
	for _, tool := range []string{"edit_file", "replace_lines", "write_file"} {
		facts := e.Extract(tool, "Modified src/m.py lines 10-12", models.ResultSuccess, 1, false)
		require.NotEmpty(t, facts, tool)
		assert.Equal(t, "File modified: src/m.py", facts[0].Statement)
		assert.Equal(t, models.FactCodeStructure, facts[0].Category)
	}
}

func TestExtract_GenericFallback(t *testing.T) {
	e := NewExtractor(nil)

	facts := e.Extract("plan_fix", "some output no rule matches", models.ResultSuccess, 3, false)
	require.Len(t, facts, 1)
	assert.Equal(t, "plan_fix succeeded", facts[0].Statement)
	assert.InDelta(t, 0.7, facts[0].Confidence, 0.001)

	facts = e.Extract("plan_fix", "boom", models.ResultFailure, 3, false)
	require.Len(t, facts, 1)
	assert.Equal(t, "plan_fix failed", facts[0].Statement)
	assert.Equal(t, models.FactError, facts[0].Category)
}

func TestExtract_LLMFallbackOnlyWhenThin(t *testing.T) {
	calls := 0
	fallback := func(tool, output string) ([]string, error) {
		calls++
		return []string{"inferred detail"}, nil
	}
	e := NewExtractor(fallback)

	// One generic fact → fallback fires when enabled.
	facts := e.Extract("plan_fix", "output", models.ResultSuccess, 1, true)
	assert.Equal(t, 1, calls)
	assert.Len(t, facts, 2)

	// Disabled → no call.
	e.Extract("plan_fix", "output", models.ResultSuccess, 1, false)
	assert.Equal(t, 1, calls)

	// Rules produced ≥2 facts → no call.
	e.Extract("run_tests", "3 passed\n1 failed", models.ResultSuccess, 1, true)
	assert.Equal(t, 1, calls)
}

func TestFactStore_Supersession(t *testing.T) {
	tests := []struct {
		name           string
		old, new       models.Fact
		wantSupersedes bool
	}{
		{
			name:           "same function complexity",
			old:            models.Fact{ID: "a", Category: models.FactVerification, Statement: "Function 'foo' has cyclomatic complexity 14 (threshold exceeded)"},
			new:            models.Fact{ID: "b", Category: models.FactVerification, Statement: "Function 'foo' has cyclomatic complexity 9 (threshold exceeded)"},
			wantSupersedes: true,
		},
		{
			name:           "different function complexity",
			old:            models.Fact{ID: "a", Category: models.FactVerification, Statement: "Function 'foo' has cyclomatic complexity 14 (threshold exceeded)"},
			new:            models.Fact{ID: "b", Category: models.FactVerification, Statement: "Function 'bar' has cyclomatic complexity 9 (threshold exceeded)"},
			wantSupersedes: false,
		},
		{
			name:           "both passed",
			old:            models.Fact{ID: "a", Category: models.FactVerification, Statement: "Tests passed: 10"},
			new:            models.Fact{ID: "b", Category: models.FactVerification, Statement: "Tests passed: 11"},
			wantSupersedes: true,
		},
		{
			name:           "both failed",
			old:            models.Fact{ID: "a", Category: models.FactVerification, Statement: "Tests failed: 3"},
			new:            models.Fact{ID: "b", Category: models.FactVerification, Statement: "Tests failed: 1"},
			wantSupersedes: true,
		},
		{
			name:           "different categories never supersede",
			old:            models.Fact{ID: "a", Category: models.FactError, Statement: "Tests failed: 3"},
			new:            models.Fact{ID: "b", Category: models.FactVerification, Statement: "Tests failed: 1"},
			wantSupersedes: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := NewFactStore(0, 0)
			fs.Add(tt.old)
			fs.Add(tt.new)

			active := fs.Active()
			if tt.wantSupersedes {
				require.Len(t, active, 1)
				assert.Equal(t, "b", active[0].ID)
				assert.Equal(t, "a", active[0].Supersedes)
				assert.True(t, fs.Superseded("a"))
			} else {
				assert.Len(t, active, 2)
			}
		})
	}
}

func TestFactStore_NoDoubleActiveAndSuperseded(t *testing.T) {
	fs := NewFactStore(0, 0)
	fs.Add(models.Fact{ID: "a", Category: models.FactVerification, Statement: "Tests passed: 1"})
	fs.Add(models.Fact{ID: "b", Category: models.FactVerification, Statement: "Tests passed: 2"})

	for _, f := range fs.Active() {
		assert.False(t, fs.Superseded(f.ID))
	}
}

func TestFactStore_CompactionKeepsHighestScored(t *testing.T) {
	fs := NewFactStore(20, 15)
	// One verification fact plus 20 distinct inference facts exceed the
	// threshold; once the active count passes max_facts, compaction retires
	// the lowest-scored fact. Verification facts must outlive
	// low-confidence inferences.
	fs.Add(models.Fact{ID: "verif", Category: models.FactVerification, Statement: "Conformance check passed", Confidence: 1.0})
	for i := 0; i < 20; i++ {
		fs.Add(models.Fact{
			ID:         fmt.Sprintf("inf-%d", i),
			Category:   models.FactInference,
			Statement:  fmt.Sprintf("observation %d", i),
			Confidence: 0.5,
		})
	}
	active := fs.Active()
	assert.LessOrEqual(t, len(active), 20)

	ids := map[string]bool{}
	for _, f := range active {
		ids[f.ID] = true
	}
	assert.True(t, ids["verif"], "verification fact must survive compaction")
}

func TestFactStore_CompactionIdempotent(t *testing.T) {
	fs := NewFactStore(20, 15)
	for i := 0; i < 5; i++ {
		fs.Add(models.Fact{ID: fmt.Sprintf("f-%d", i), Category: models.FactInference, Statement: fmt.Sprintf("s%d", i), Confidence: 0.8})
	}
	before := fs.Active()
	fs.compact()
	assert.Equal(t, before, fs.Active(), "compacting a store within bounds changes nothing")
}

func TestFactStore_ByCategoryAndRecent(t *testing.T) {
	fs := NewFactStore(0, 0)
	fs.Add(models.Fact{ID: "e1", Category: models.FactError, Statement: "edit broke", Confidence: 0.9})
	fs.Add(models.Fact{ID: "c1", Category: models.FactCodeStructure, Statement: "File modified: src/m.py", Confidence: 1.0})

	errs := fs.ByCategory(models.FactError)
	require.Len(t, errs, 1)
	assert.Equal(t, "e1", errs[0].ID)

	recent := fs.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "c1", recent[0].ID)
}
