// Package models defines the named records shared across the execution
// engine: task specs and state, action records, facts, working-memory items,
// loop detections, and step outcomes.
package models

import "time"

// Phase is the executor's coarse position in the task lifecycle.
type Phase string

// Canonical phases. INIT is initial; COMPLETE, FAILED and ESCALATED are
// terminal (absorbing).
const (
	PhaseInit      Phase = "init"
	PhaseAnalyze   Phase = "analyze"
	PhasePlan      Phase = "plan"
	PhaseImplement Phase = "implement"
	PhaseVerify    Phase = "verify"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
	PhaseEscalated Phase = "escalated"
)

// IsTerminal reports whether the phase is absorbing: once entered, no
// further steps are executed.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseEscalated
}

// SchemaVersionCurrent is written to every newly persisted state file.
// Loads of older versions are migrated forward and re-saved.
const SchemaVersionCurrent = "2.0"

// TaskSpec is the immutable portion of a task, written once at creation.
type TaskSpec struct {
	TaskID          string    `yaml:"task_id"`
	TaskType        string    `yaml:"task_type"`
	Goal            string    `yaml:"goal"`
	SuccessCriteria []string  `yaml:"success_criteria"`
	Constraints     []string  `yaml:"constraints"`
	CreatedAt       time.Time `yaml:"created_at"`
}

// VerificationStatus aggregates the latest check and test results.
// ReadyForCompletion is derived: checks_failing == 0 && tests_passing.
type VerificationStatus struct {
	ChecksPassing      int            `yaml:"checks_passing"`
	ChecksFailing      int            `yaml:"checks_failing"`
	TestsPassing       bool           `yaml:"tests_passing"`
	ReadyForCompletion bool           `yaml:"ready_for_completion"`
	LastCheckTime      *time.Time     `yaml:"last_check_time,omitempty"`
	Details            map[string]any `yaml:"details,omitempty"`
}

// Recompute re-derives ReadyForCompletion from the counts. Call after any
// mutation of ChecksFailing or TestsPassing.
func (v *VerificationStatus) Recompute() {
	v.ReadyForCompletion = v.ChecksFailing == 0 && v.TestsPassing
}

// PhaseMachineState is the serialized projection of the phase machine.
// The transition table and per-phase configs are rebuilt by factory; only
// this value is persisted.
type PhaseMachineState struct {
	CurrentPhase Phase   `yaml:"current_phase"`
	StepsInPhase int     `yaml:"steps_in_phase"`
	PhaseHistory []Phase `yaml:"phase_history,omitempty"`
}

// TaskState is the mutable execution state of a task, persisted after every
// step. The embedded spec comes from the immutable task descriptor.
type TaskState struct {
	Spec TaskSpec `yaml:"-"`

	CurrentStep       int                `yaml:"current_step"`
	Phase             Phase              `yaml:"phase"`
	PhaseMachineState PhaseMachineState  `yaml:"phase_machine_state"`
	Verification      VerificationStatus `yaml:"verification"`
	ContextData       map[string]any     `yaml:"context_data"`
	LastUpdated       time.Time          `yaml:"last_updated"`
	Error             string             `yaml:"error,omitempty"`
	SchemaVersion     string             `yaml:"schema_version"`
}

// ContextString returns context_data[key] as a string, or "" when absent or
// of another type.
func (s *TaskState) ContextString(key string) string {
	if s.ContextData == nil {
		return ""
	}
	v, ok := s.ContextData[key].(string)
	if !ok {
		return ""
	}
	return v
}

// FilesModified returns the accumulated modified-file list from
// context_data, tolerating both []string and []any YAML decodings.
func (s *TaskState) FilesModified() []string {
	if s.ContextData == nil {
		return nil
	}
	switch v := s.ContextData["files_modified"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
