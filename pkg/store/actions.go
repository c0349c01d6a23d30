package store

import (
	"fmt"
	"path/filepath"

	"github.com/agentforge/agentforge/pkg/models"
)

// actionLog is the on-disk shape of actions.yaml.
type actionLog struct {
	Actions []models.ActionRecord `yaml:"actions"`
}

// RecordAction appends one record to the task's action log. The log is
// append-only: existing records are never rewritten.
func (s *Store) RecordAction(taskID string, rec models.ActionRecord) error {
	rec.Summary = models.TruncateSummary(rec.Summary)

	lk := s.lock(taskID)
	if err := lk.Lock(); err != nil {
		return fmt.Errorf("lock task %s: %w", taskID, err)
	}
	defer unlock(lk)

	path := filepath.Join(s.TaskDir(taskID), actionsFile)
	log := actionLog{}
	if err := readYAML(path, &log); err != nil {
		return fmt.Errorf("read action log %s: %w", taskID, err)
	}
	log.Actions = append(log.Actions, rec)
	return writeYAMLAtomic(path, log)
}

// GetActions returns the full action log in append order.
func (s *Store) GetActions(taskID string) ([]models.ActionRecord, error) {
	lk := s.lock(taskID)
	if err := lk.RLock(); err != nil {
		return nil, fmt.Errorf("rlock task %s: %w", taskID, err)
	}
	defer unlock(lk)

	log := actionLog{}
	if err := readYAML(filepath.Join(s.TaskDir(taskID), actionsFile), &log); err != nil {
		return nil, fmt.Errorf("read action log %s: %w", taskID, err)
	}
	return log.Actions, nil
}

// GetRecentActions returns up to limit most-recent records, oldest first.
func (s *Store) GetRecentActions(taskID string, limit int) ([]models.ActionRecord, error) {
	actions, err := s.GetActions(taskID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(actions) > limit {
		actions = actions[len(actions)-limit:]
	}
	return actions, nil
}

// LastActionStep returns the step of the most recent log entry, or -1 when
// the log is empty. The executor uses this to detect the observable crash
// gap between increment_step and record_action.
func (s *Store) LastActionStep(taskID string) (int, error) {
	actions, err := s.GetActions(taskID)
	if err != nil {
		return -1, err
	}
	if len(actions) == 0 {
		return -1, nil
	}
	return actions[len(actions)-1].Step, nil
}
