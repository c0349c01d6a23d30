// Package store implements the durable, versioned, per-task on-disk record
// of immutable task specs and mutable execution state.
//
// Per-task layout:
//
//	<root>/<task_id>/
//	├── task.yaml            # immutable: goal, success criteria
//	├── state.yaml           # mutable: phase, step, verification
//	├── actions.yaml         # append-only action log
//	├── working_memory.yaml  # rolling observation buffer (owned by pkg/memory)
//	└── artifacts/{inputs,outputs,snapshots}/
//
// All files are human-readable YAML. Writers take an exclusive advisory lock
// on the task's lock file; readers take a shared lock. Saves go through a
// temporary sibling and an atomic rename. Unparseable files are quarantined
// with a .corrupted suffix and reported as not found.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/agentforge/agentforge/pkg/models"
)

// ErrNotFound is returned when a task does not exist or its state file was
// quarantined.
var ErrNotFound = errors.New("task not found")

// Artifact kinds accepted by SaveArtifact.
const (
	ArtifactInputs    = "inputs"
	ArtifactOutputs   = "outputs"
	ArtifactSnapshots = "snapshots"
)

const (
	taskFile    = "task.yaml"
	stateFile   = "state.yaml"
	actionsFile = "actions.yaml"
	memoryFile  = "working_memory.yaml"
	lockFile    = ".lock"
)

// Store persists tasks under a root directory, one subdirectory per task.
type Store struct {
	root string
}

// New creates a store rooted at dir. The directory is created lazily by
// CreateTask.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// TaskDir returns the directory owned by taskID.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

// MemoryPath returns the task's working-memory file. The buffer itself is
// owned by pkg/memory; the store only places it.
func (s *Store) MemoryPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), memoryFile)
}

func (s *Store) lock(taskID string) *flock.Flock {
	return flock.New(filepath.Join(s.TaskDir(taskID), lockFile))
}

// CreateTask initializes the task directory and writes the immutable task
// descriptor, the initial mutable state, an empty action log and an empty
// working-memory file. Idempotent on the filesystem: re-creating an existing
// task returns its current state.
func (s *Store) CreateTask(spec models.TaskSpec, contextData map[string]any) (*models.TaskState, error) {
	if spec.TaskID == "" {
		return nil, fmt.Errorf("create task: empty task_id")
	}
	dir := s.TaskDir(spec.TaskID)
	if _, err := os.Stat(filepath.Join(dir, taskFile)); err == nil {
		state, err := s.Load(spec.TaskID)
		if err != nil {
			return nil, err
		}
		return state, nil
	}
	for _, sub := range []string{ArtifactInputs, ArtifactOutputs, ArtifactSnapshots} {
		if err := os.MkdirAll(filepath.Join(dir, "artifacts", sub), 0o755); err != nil {
			return nil, fmt.Errorf("create task %s: %w", spec.TaskID, err)
		}
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	if contextData == nil {
		contextData = map[string]any{}
	}
	state := &models.TaskState{
		Spec:        spec,
		CurrentStep: 0,
		Phase:       models.PhaseInit,
		PhaseMachineState: models.PhaseMachineState{
			CurrentPhase: models.PhaseInit,
		},
		Verification:  models.VerificationStatus{},
		ContextData:   contextData,
		LastUpdated:   time.Now().UTC(),
		SchemaVersion: models.SchemaVersionCurrent,
	}

	lk := s.lock(spec.TaskID)
	if err := lk.Lock(); err != nil {
		return nil, fmt.Errorf("lock task %s: %w", spec.TaskID, err)
	}
	defer unlock(lk)

	if err := writeYAMLAtomic(filepath.Join(dir, taskFile), spec); err != nil {
		return nil, err
	}
	if err := writeYAMLAtomic(filepath.Join(dir, stateFile), state); err != nil {
		return nil, err
	}
	if err := writeYAMLAtomic(filepath.Join(dir, actionsFile), actionLog{}); err != nil {
		return nil, err
	}
	if err := writeYAMLAtomic(filepath.Join(dir, memoryFile), map[string]any{"items": []any{}}); err != nil {
		return nil, err
	}
	slog.Info("Task created", "task_id", spec.TaskID, "task_type", spec.TaskType)
	return state, nil
}

// Load reads a task's state, migrating older schema versions forward and
// re-saving before returning. Missing tasks and quarantined state files
// yield ErrNotFound.
func (s *Store) Load(taskID string) (*models.TaskState, error) {
	dir := s.TaskDir(taskID)
	if _, err := os.Stat(filepath.Join(dir, taskFile)); err != nil {
		return nil, ErrNotFound
	}

	lk := s.lock(taskID)
	if err := lk.RLock(); err != nil {
		return nil, fmt.Errorf("rlock task %s: %w", taskID, err)
	}
	spec := models.TaskSpec{}
	if err := readYAML(filepath.Join(dir, taskFile), &spec); err != nil {
		unlock(lk)
		s.quarantine(filepath.Join(dir, taskFile), err)
		return nil, ErrNotFound
	}
	raw := map[string]any{}
	if err := readYAML(filepath.Join(dir, stateFile), &raw); err != nil {
		unlock(lk)
		s.quarantine(filepath.Join(dir, stateFile), err)
		return nil, ErrNotFound
	}
	unlock(lk)

	raw, migrated := migrateState(raw)

	// Round-trip the (possibly migrated) map through YAML into the typed
	// state. The map form is only used for migration.
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("remarshal state %s: %w", taskID, err)
	}
	state := &models.TaskState{}
	if err := yaml.Unmarshal(buf, state); err != nil {
		s.quarantine(filepath.Join(dir, stateFile), err)
		return nil, ErrNotFound
	}
	state.Spec = spec

	if migrated {
		slog.Info("Migrated task state schema", "task_id", taskID, "to", state.SchemaVersion)
		if err := s.Save(state); err != nil {
			return nil, fmt.Errorf("re-save migrated state %s: %w", taskID, err)
		}
	}
	return state, nil
}

// Save fully replaces the mutable state descriptor. The immutable task
// descriptor is never rewritten.
func (s *Store) Save(state *models.TaskState) error {
	taskID := state.Spec.TaskID
	state.LastUpdated = time.Now().UTC()
	if state.SchemaVersion == "" {
		state.SchemaVersion = models.SchemaVersionCurrent
	}

	lk := s.lock(taskID)
	if err := lk.Lock(); err != nil {
		return fmt.Errorf("lock task %s: %w", taskID, err)
	}
	defer unlock(lk)
	return writeYAMLAtomic(filepath.Join(s.TaskDir(taskID), stateFile), state)
}

// mutate loads, applies fn, and saves under a single exclusive lock window.
func (s *Store) mutate(taskID string, fn func(*models.TaskState) error) (*models.TaskState, error) {
	state, err := s.Load(taskID)
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	if err := s.Save(state); err != nil {
		return nil, err
	}
	return state, nil
}

// IncrementStep advances the step counter and returns the new value.
func (s *Store) IncrementStep(taskID string) (int, error) {
	state, err := s.mutate(taskID, func(st *models.TaskState) error {
		st.CurrentStep++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return state.CurrentStep, nil
}

// UpdatePhase sets the task's phase, keeping the machine projection in
// agreement.
func (s *Store) UpdatePhase(taskID string, phase models.Phase) error {
	_, err := s.mutate(taskID, func(st *models.TaskState) error {
		st.Phase = phase
		st.PhaseMachineState.CurrentPhase = phase
		return nil
	})
	return err
}

// UpdatePhaseMachine stores the machine's serialized projection and mirrors
// its current phase onto the state.
func (s *Store) UpdatePhaseMachine(taskID string, ms models.PhaseMachineState) error {
	_, err := s.mutate(taskID, func(st *models.TaskState) error {
		st.PhaseMachineState = ms
		st.Phase = ms.CurrentPhase
		return nil
	})
	return err
}

// UpdateVerification replaces the verification aggregate and re-derives
// ready_for_completion.
func (s *Store) UpdateVerification(taskID string, passing, failing int, testsPassing bool, details map[string]any) error {
	_, err := s.mutate(taskID, func(st *models.TaskState) error {
		now := time.Now().UTC()
		st.Verification.ChecksPassing = passing
		st.Verification.ChecksFailing = failing
		st.Verification.TestsPassing = testsPassing
		st.Verification.LastCheckTime = &now
		if details != nil {
			st.Verification.Details = details
		}
		st.Verification.Recompute()
		return nil
	})
	return err
}

// UpdateContextData sets a single context_data key.
func (s *Store) UpdateContextData(taskID, key string, value any) error {
	_, err := s.mutate(taskID, func(st *models.TaskState) error {
		if st.ContextData == nil {
			st.ContextData = map[string]any{}
		}
		st.ContextData[key] = value
		return nil
	})
	return err
}

// SetError records an error message and moves the task to FAILED.
func (s *Store) SetError(taskID, message string) error {
	_, err := s.mutate(taskID, func(st *models.TaskState) error {
		st.Error = message
		st.Phase = models.PhaseFailed
		st.PhaseMachineState.CurrentPhase = models.PhaseFailed
		return nil
	})
	return err
}

// SaveArtifact persists a step byproduct under artifacts/<kind>/<name> and
// returns the written path.
func (s *Store) SaveArtifact(taskID, kind, name, content string) (string, error) {
	switch kind {
	case ArtifactInputs, ArtifactOutputs, ArtifactSnapshots:
	default:
		return "", fmt.Errorf("save artifact: unknown kind %q", kind)
	}
	path := filepath.Join(s.TaskDir(taskID), "artifacts", kind, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("save artifact %s: %w", name, err)
	}
	if err := writeFileAtomic(path, []byte(content)); err != nil {
		return "", err
	}
	return path, nil
}

// LoadArtifact reads a previously saved artifact.
func (s *Store) LoadArtifact(taskID, kind, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.TaskDir(taskID), "artifacts", kind, name))
	if err != nil {
		return "", fmt.Errorf("load artifact %s: %w", name, err)
	}
	return string(data), nil
}

// ListTasks returns task ids, optionally filtered to a phase value.
func (s *Store) ListTasks(status models.Phase) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), taskFile)); err != nil {
			continue
		}
		if status != "" {
			state, err := s.Load(e.Name())
			if err != nil || state.Phase != status {
				continue
			}
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteTask removes the task directory and everything under it.
func (s *Store) DeleteTask(taskID string) error {
	dir := s.TaskDir(taskID)
	if _, err := os.Stat(dir); err != nil {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}

// quarantine renames an unparseable file so subsequent loads see a clean
// not-found instead of repeated parse failures.
func (s *Store) quarantine(path string, cause error) {
	slog.Warn("Quarantining corrupted state file", "path", path, "error", cause)
	if err := os.Rename(path, path+".corrupted"); err != nil {
		slog.Error("Failed to quarantine file", "path", path, "error", err)
	}
}

func unlock(lk *flock.Flock) {
	if err := lk.Unlock(); err != nil {
		slog.Error("Failed to release task lock", "path", lk.Path(), "error", err)
	}
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func writeYAMLAtomic(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes to a temporary sibling and renames into place so a
// crash never leaves a torn file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
