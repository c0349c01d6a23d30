package memory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/pkg/models"
)

func newTestManager(t *testing.T, maxItems int) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "working_memory.yaml"), maxItems)
}

func TestAdd_UpsertByKey(t *testing.T) {
	m := newTestManager(t, 5)

	require.NoError(t, m.Add(models.ItemNote, "note-1", map[string]any{"v": "first"}, AddOptions{Step: 1}))
	require.NoError(t, m.Add(models.ItemNote, "note-1", map[string]any{"v": "second"}, AddOptions{Step: 2}))

	items, err := m.GetItems(2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "second", items[0].Content["v"])
	assert.Equal(t, 2, items[0].Step)
}

func TestEviction_OldestUnpinnedFirst(t *testing.T) {
	m := newTestManager(t, 3)

	require.NoError(t, m.Add(models.ItemNote, "pinned", map[string]any{}, AddOptions{Pinned: true}))
	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.Add(models.ItemNote, key, map[string]any{}, AddOptions{}))
	}

	items, err := m.GetItems(0)
	require.NoError(t, err)

	keys := map[string]bool{}
	unpinned := 0
	for _, it := range items {
		keys[it.Key] = true
		if !it.Pinned {
			unpinned++
		}
	}
	assert.True(t, keys["pinned"], "pinned item must survive eviction")
	assert.False(t, keys["a"], "oldest unpinned item must be evicted")
	assert.LessOrEqual(t, unpinned, 3)
}

func TestExpiration_RemovedOnRead(t *testing.T) {
	m := newTestManager(t, 5)

	require.NoError(t, m.Add(models.ItemLoadedContext, "ctx", map[string]any{"content": "x"},
		AddOptions{Step: 1, ExpiresAfterSteps: 2}))

	items, err := m.GetItems(3)
	require.NoError(t, err)
	assert.Len(t, items, 1, "step s0+k is still live")

	items, err = m.GetItems(4)
	require.NoError(t, err)
	assert.Empty(t, items, "past s0+k the item is gone")

	// The eviction is persisted: a later read at an earlier step still
	// sees nothing.
	items, err = m.GetItems(1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestExpiration_PinnedNeverExpires(t *testing.T) {
	m := newTestManager(t, 5)
	require.NoError(t, m.Add(models.ItemNote, "keep", map[string]any{},
		AddOptions{Step: 1, ExpiresAfterSteps: 1, Pinned: true}))

	items, err := m.GetItems(100)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestGetActionResults_ChronologicalAndLimited(t *testing.T) {
	m := newTestManager(t, 10)
	for step := 1; step <= 5; step++ {
		require.NoError(t, m.AddActionResult("read_file", models.ResultSuccess, "ok", step, "src/m.py"))
	}

	results, err := m.GetActionResults(3, 5)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 3, results[0].Step)
	assert.Equal(t, 5, results[2].Step)
}

func TestFacts_RoundTrip(t *testing.T) {
	m := newTestManager(t, 5)
	fact := models.Fact{
		ID:         "f1",
		Category:   models.FactVerification,
		Statement:  "Conformance check passed",
		Confidence: 1.0,
		Source:     "run_check:check_passed",
		Step:       3,
	}
	require.NoError(t, m.AddFact(fact))

	facts, err := m.GetFacts(3, 0.7)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, fact.ID, facts[0].ID)
	assert.Equal(t, fact.Category, facts[0].Category)
	assert.Equal(t, fact.Statement, facts[0].Statement)
	assert.InDelta(t, fact.Confidence, facts[0].Confidence, 0.001)
	assert.Equal(t, fact.Step, facts[0].Step)
}

func TestFacts_MinConfidenceFilter(t *testing.T) {
	m := newTestManager(t, 10)
	require.NoError(t, m.AddFact(models.Fact{ID: "hi", Category: models.FactVerification, Statement: "s", Confidence: 0.9}))
	require.NoError(t, m.AddFact(models.Fact{ID: "lo", Category: models.FactInference, Statement: "s", Confidence: 0.5}))

	facts, err := m.GetFacts(0, 0.7)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "hi", facts[0].ID)
}

func TestRemoveAndClear(t *testing.T) {
	m := newTestManager(t, 5)
	require.NoError(t, m.Add(models.ItemNote, "a", map[string]any{}, AddOptions{}))
	require.NoError(t, m.Add(models.ItemNote, "b", map[string]any{}, AddOptions{Pinned: true}))

	require.NoError(t, m.Remove("a"))
	items, err := m.GetItems(0)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	removed, err := m.Clear(true)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "pinned item survives Clear(keepPinned)")

	removed, err = m.Clear(false)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestPinUnpin(t *testing.T) {
	m := newTestManager(t, 5)
	require.NoError(t, m.Add(models.ItemNote, "a", map[string]any{}, AddOptions{}))

	ok, err := m.Pin("a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Pin("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Unpin("a")
	require.NoError(t, err)
	assert.True(t, ok)
}
