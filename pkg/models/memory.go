package models

import "time"

// ItemType classifies a working-memory item.
type ItemType string

// Working-memory item types.
const (
	ItemActionResult  ItemType = "action_result"
	ItemLoadedContext ItemType = "loaded_context"
	ItemNote          ItemType = "note"
	ItemFact          ItemType = "fact"
)

// WorkingMemoryItem is one entry of the bounded rolling observation buffer.
// Keys are unique within a task; re-adding a key updates in place.
type WorkingMemoryItem struct {
	ItemType          ItemType       `yaml:"item_type"`
	Key               string         `yaml:"key"`
	Content           map[string]any `yaml:"content"`
	AddedAt           time.Time      `yaml:"added_at"`
	Step              int            `yaml:"step"`
	ExpiresAfterSteps int            `yaml:"expires_after_steps,omitempty"` // 0 = never
	Pinned            bool           `yaml:"pinned,omitempty"`
}

// IsExpired reports whether the item has aged out at currentStep. Pinned
// items never expire.
func (i *WorkingMemoryItem) IsExpired(currentStep int) bool {
	if i.Pinned || i.ExpiresAfterSteps <= 0 {
		return false
	}
	return currentStep > i.Step+i.ExpiresAfterSteps
}
