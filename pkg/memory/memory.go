// Package memory implements the bounded rolling buffer of recent
// observations used to construct prompts. It is distinct from the
// append-only action log: items here are evicted and expire.
package memory

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentforge/agentforge/pkg/models"
)

// DefaultMaxItems bounds the unpinned portion of the buffer.
const DefaultMaxItems = 5

// Manager owns one task's working-memory file. Expiration precedes FIFO
// eviction: expired items are removed on any read that passes the current
// step; when an add would overflow, the oldest non-pinned items go first.
type Manager struct {
	path     string
	maxItems int
}

type memoryFile struct {
	Items []models.WorkingMemoryItem `yaml:"items"`
}

// NewManager creates a manager for the buffer file at path.
func NewManager(path string, maxItems int) *Manager {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Manager{path: path, maxItems: maxItems}
}

func (m *Manager) load() ([]models.WorkingMemoryItem, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read working memory: %w", err)
	}
	f := memoryFile{}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse working memory: %w", err)
	}
	return f.Items, nil
}

func (m *Manager) save(items []models.WorkingMemoryItem) error {
	data, err := yaml.Marshal(memoryFile{Items: items})
	if err != nil {
		return fmt.Errorf("marshal working memory: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write working memory: %w", err)
	}
	return nil
}

// AddOptions carries the optional fields of Add.
type AddOptions struct {
	Step              int
	ExpiresAfterSteps int
	Pinned            bool
}

// Add upserts an item by key. Re-adding a key updates in place and
// refreshes added_at; otherwise the item is appended and the buffer is
// evicted back within bounds.
func (m *Manager) Add(itemType models.ItemType, key string, content map[string]any, opts AddOptions) error {
	items, err := m.load()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range items {
		if items[i].Key == key {
			items[i].ItemType = itemType
			items[i].Content = content
			items[i].AddedAt = now
			items[i].Step = opts.Step
			items[i].ExpiresAfterSteps = opts.ExpiresAfterSteps
			if opts.Pinned {
				items[i].Pinned = true
			}
			return m.save(items)
		}
	}
	items = append(items, models.WorkingMemoryItem{
		ItemType:          itemType,
		Key:               key,
		Content:           content,
		AddedAt:           now,
		Step:              opts.Step,
		ExpiresAfterSteps: opts.ExpiresAfterSteps,
		Pinned:            opts.Pinned,
	})
	items = m.evict(items)
	return m.save(items)
}

// evict drops the oldest non-pinned items until the unpinned portion fits.
// Pinned items never count against the limit and are never evicted.
func (m *Manager) evict(items []models.WorkingMemoryItem) []models.WorkingMemoryItem {
	unpinned := 0
	for _, it := range items {
		if !it.Pinned {
			unpinned++
		}
	}
	if unpinned <= m.maxItems {
		return items
	}
	// Oldest-first candidate order by added_at.
	idx := make([]int, 0, len(items))
	for i, it := range items {
		if !it.Pinned {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return items[idx[a]].AddedAt.Before(items[idx[b]].AddedAt)
	})
	drop := map[int]bool{}
	for _, i := range idx {
		if unpinned <= m.maxItems {
			break
		}
		drop[i] = true
		unpinned--
	}
	kept := items[:0]
	for i, it := range items {
		if !drop[i] {
			kept = append(kept, it)
		}
	}
	return kept
}

// AddActionResult records the outcome of a dispatched action. Action
// results age out after three steps so stale observations leave the prompt.
func (m *Manager) AddActionResult(action string, result models.ActionResult, summary string, step int, target string) error {
	content := map[string]any{
		"action":  action,
		"result":  string(result),
		"summary": summary,
	}
	if target != "" {
		content["target"] = target
	}
	return m.Add(models.ItemActionResult, fmt.Sprintf("action_%d_%s", step, action), content, AddOptions{
		Step:              step,
		ExpiresAfterSteps: 3,
	})
}

// LoadContext stores loaded file or context content under key.
func (m *Manager) LoadContext(key, content string, step, expiresAfterSteps int) error {
	return m.Add(models.ItemLoadedContext, key, map[string]any{"content": content}, AddOptions{
		Step:              step,
		ExpiresAfterSteps: expiresAfterSteps,
	})
}

// AddFact persists an extracted fact into the buffer. Facts are pinned so
// understanding survives FIFO eviction; supersession or compaction in the
// fact store is the only thing that retires them.
func (m *Manager) AddFact(fact models.Fact) error {
	content := map[string]any{
		"id":         fact.ID,
		"category":   string(fact.Category),
		"statement":  fact.Statement,
		"confidence": fact.Confidence,
		"source":     fact.Source,
		"step":       fact.Step,
	}
	if fact.Supersedes != "" {
		content["supersedes"] = fact.Supersedes
	}
	return m.Add(models.ItemFact, "fact_"+fact.ID, content, AddOptions{
		Step:   fact.Step,
		Pinned: true,
	})
}

// RemoveFact drops a fact item (used when supersession or compaction
// retires it).
func (m *Manager) RemoveFact(id string) error {
	return m.Remove("fact_" + id)
}

// GetItems returns non-expired items and, as a side effect, evicts expired
// ones from the file.
func (m *Manager) GetItems(currentStep int) ([]models.WorkingMemoryItem, error) {
	items, err := m.load()
	if err != nil {
		return nil, err
	}
	live := items[:0]
	expired := false
	for _, it := range items {
		if it.IsExpired(currentStep) {
			expired = true
			continue
		}
		live = append(live, it)
	}
	if expired {
		if err := m.save(live); err != nil {
			return nil, err
		}
	}
	out := make([]models.WorkingMemoryItem, len(live))
	copy(out, live)
	return out, nil
}

// GetByType filters live items to one item type.
func (m *Manager) GetByType(itemType models.ItemType, currentStep int) ([]models.WorkingMemoryItem, error) {
	items, err := m.GetItems(currentStep)
	if err != nil {
		return nil, err
	}
	var out []models.WorkingMemoryItem
	for _, it := range items {
		if it.ItemType == itemType {
			out = append(out, it)
		}
	}
	return out, nil
}

// GetActionResults returns up to limit most-recent action results in
// chronological order.
func (m *Manager) GetActionResults(limit, currentStep int) ([]models.WorkingMemoryItem, error) {
	results, err := m.GetByType(models.ItemActionResult, currentStep)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Step < results[b].Step
	})
	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results, nil
}

// GetLoadedContext returns live loaded-context items.
func (m *Manager) GetLoadedContext(currentStep int) ([]models.WorkingMemoryItem, error) {
	return m.GetByType(models.ItemLoadedContext, currentStep)
}

// GetFacts rebuilds facts from the buffer, filtered to a minimum
// confidence. Zero minConfidence returns all.
func (m *Manager) GetFacts(currentStep int, minConfidence float64) ([]models.Fact, error) {
	items, err := m.GetByType(models.ItemFact, currentStep)
	if err != nil {
		return nil, err
	}
	var facts []models.Fact
	for _, it := range items {
		f := factFromContent(it.Content)
		if f.ID == "" || f.Confidence < minConfidence {
			continue
		}
		facts = append(facts, f)
	}
	sort.SliceStable(facts, func(a, b int) bool { return facts[a].Step < facts[b].Step })
	return facts, nil
}

func factFromContent(content map[string]any) models.Fact {
	f := models.Fact{}
	if v, ok := content["id"].(string); ok {
		f.ID = v
	}
	if v, ok := content["category"].(string); ok {
		f.Category = models.FactCategory(v)
	}
	if v, ok := content["statement"].(string); ok {
		f.Statement = v
	}
	switch v := content["confidence"].(type) {
	case float64:
		f.Confidence = v
	case int:
		f.Confidence = float64(v)
	}
	if v, ok := content["source"].(string); ok {
		f.Source = v
	}
	if v, ok := content["step"].(int); ok {
		f.Step = v
	}
	if v, ok := content["supersedes"].(string); ok {
		f.Supersedes = v
	}
	return f
}

// Remove deletes the item with key. Returns nil whether or not it existed.
func (m *Manager) Remove(key string) error {
	items, err := m.load()
	if err != nil {
		return err
	}
	kept := items[:0]
	for _, it := range items {
		if it.Key != key {
			kept = append(kept, it)
		}
	}
	return m.save(kept)
}

// Clear empties the buffer, optionally keeping pinned items.
func (m *Manager) Clear(keepPinned bool) (int, error) {
	items, err := m.load()
	if err != nil {
		return 0, err
	}
	kept := items[:0]
	removed := 0
	for _, it := range items {
		if keepPinned && it.Pinned {
			kept = append(kept, it)
		} else {
			removed++
		}
	}
	return removed, m.save(kept)
}

// Pin marks an item so it survives eviction and expiry.
func (m *Manager) Pin(key string) (bool, error) {
	return m.setPinned(key, true)
}

// Unpin clears the pinned flag.
func (m *Manager) Unpin(key string) (bool, error) {
	return m.setPinned(key, false)
}

func (m *Manager) setPinned(key string, pinned bool) (bool, error) {
	items, err := m.load()
	if err != nil {
		return false, err
	}
	for i := range items {
		if items[i].Key == key {
			items[i].Pinned = pinned
			return true, m.save(items)
		}
	}
	return false, nil
}
