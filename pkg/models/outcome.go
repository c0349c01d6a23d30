package models

// LoopType identifies the recognized non-progressive pattern.
type LoopType string

// Loop detection types, in detection priority order.
const (
	LoopIdenticalAction LoopType = "identical_action"
	LoopErrorCycle      LoopType = "error_cycle"
	LoopSemantic        LoopType = "semantic_loop"
	LoopNoProgress      LoopType = "no_progress"
)

// LoopDetection is the loop detector's verdict on the recent action window.
type LoopDetection struct {
	Detected    bool           `yaml:"detected"`
	Type        LoopType       `yaml:"type,omitempty"`
	Confidence  float64        `yaml:"confidence"`
	Description string         `yaml:"description,omitempty"`
	Suggestions []string       `yaml:"suggestions,omitempty"`
	Evidence    map[string]any `yaml:"evidence,omitempty"`
}

// StepOutcome is the result of one executor iteration: one LLM call, one
// action, one persist.
type StepOutcome struct {
	Success        bool
	ActionName     string
	Parameters     map[string]any
	Result         ActionResult
	Summary        string
	ShouldContinue bool
	TokensUsed     int
	DurationMS     int64
	Error          string
	LoopDetection  *LoopDetection
}

// FinalStatus is the terminal classification of a run.
type FinalStatus string

// Run outcomes. Every task ends in exactly one of these.
const (
	StatusCompleted FinalStatus = "completed"
	StatusEscalated FinalStatus = "escalated"
	StatusFailed    FinalStatus = "failed"
	StatusStopped   FinalStatus = "stopped"
)
