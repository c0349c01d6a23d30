// Package phase implements the guarded state machine that tracks a task's
// coarse position in the INIT → ANALYZE → PLAN → IMPLEMENT → VERIFY →
// COMPLETE trajectory.
//
// The machine is a value object: it is rebuilt from its persisted
// projection ({current_phase, steps_in_phase, phase_history}) at every
// step; the transition table and per-phase configs come from the factory.
package phase

import (
	"log/slog"

	"github.com/agentforge/agentforge/pkg/models"
)

// Context carries everything guards may inspect.
type Context struct {
	CurrentPhase        models.Phase
	StepsInPhase        int
	TotalSteps          int
	VerificationPassing bool // checks_failing == 0
	TestsPassing        bool
	FilesModified       []string
	Facts               []models.Fact
	LastAction          string
	LastActionResult    string
}

// HasModifications reports whether any file has been modified.
func (c *Context) HasModifications() bool {
	return len(c.FilesModified) > 0
}

// HasFactOfCategory reports whether an active fact of category exists.
func (c *Context) HasFactOfCategory(category models.FactCategory) bool {
	for _, f := range c.Facts {
		if f.Category == category {
			return true
		}
	}
	return false
}

// Guard is a transition predicate over the phase context.
type Guard func(*Context) bool

// Transition is one row of the machine's table.
type Transition struct {
	From        models.Phase
	To          models.Phase
	Guards      []Guard
	Description string
}

// Config holds a non-terminal phase's step budget and conditions.
type Config struct {
	Phase            models.Phase
	MaxSteps         int
	SuccessCondition Guard
	FailureCondition Guard
}

// Machine evaluates transitions over the canonical phase set.
type Machine struct {
	current      models.Phase
	stepsInPhase int
	history      []models.Phase

	transitions []Transition
	configs     map[models.Phase]Config
}

// NewMachine builds a machine with the default transition table and phase
// configs, starting at INIT.
func NewMachine() *Machine {
	m := &Machine{
		current: models.PhaseInit,
		configs: map[models.Phase]Config{},
	}
	m.setupTransitions()
	m.setupConfigs()
	return m
}

// FromState rebuilds a machine from its persisted projection.
func FromState(state models.PhaseMachineState) *Machine {
	m := NewMachine()
	if state.CurrentPhase != "" {
		m.current = state.CurrentPhase
	}
	m.stepsInPhase = state.StepsInPhase
	m.history = append(m.history, state.PhaseHistory...)
	return m
}

// State serializes the machine for persistence.
func (m *Machine) State() models.PhaseMachineState {
	history := make([]models.Phase, len(m.history))
	copy(history, m.history)
	return models.PhaseMachineState{
		CurrentPhase: m.current,
		StepsInPhase: m.stepsInPhase,
		PhaseHistory: history,
	}
}

// CurrentPhase returns the machine's position.
func (m *Machine) CurrentPhase() models.Phase { return m.current }

// StepsInPhase returns the steps spent in the current phase.
func (m *Machine) StepsInPhase() int { return m.stepsInPhase }

// History returns the phases traversed so far.
func (m *Machine) History() []models.Phase { return m.history }

// AdvanceStep counts one executor step against the current phase.
func (m *Machine) AdvanceStep() { m.stepsInPhase++ }

func hasCodeStructureFact(c *Context) bool {
	return c.HasFactOfCategory(models.FactCodeStructure)
}

func (m *Machine) setupTransitions() {
	nonTerminal := []models.Phase{
		models.PhaseInit, models.PhaseAnalyze, models.PhasePlan,
		models.PhaseImplement, models.PhaseVerify,
	}

	// The guarded INIT shortcut is registered first so a seeded structure
	// fact sends the task straight to implementation.
	m.transitions = []Transition{
		{
			From:        models.PhaseInit,
			To:          models.PhaseImplement,
			Guards:      []Guard{hasCodeStructureFact},
			Description: "skip analysis when structure is already known",
		},
		{
			From:        models.PhaseInit,
			To:          models.PhaseAnalyze,
			Description: "begin analysis",
		},
		{
			From: models.PhaseAnalyze,
			To:   models.PhasePlan,
			Guards: []Guard{
				func(c *Context) bool { return c.StepsInPhase >= 1 },
				hasCodeStructureFact,
			},
			Description: "analysis yielded structure, plan the fix",
		},
		{
			From:        models.PhaseAnalyze,
			To:          models.PhaseImplement,
			Guards:      []Guard{hasCodeStructureFact},
			Description: "analysis yielded structure, implement directly",
		},
		{
			From:        models.PhasePlan,
			To:          models.PhaseImplement,
			Description: "plan complete",
		},
		{
			From:        models.PhaseImplement,
			To:          models.PhaseVerify,
			Guards:      []Guard{func(c *Context) bool { return c.HasModifications() }},
			Description: "modifications made, verify them",
		},
		{
			From:        models.PhaseVerify,
			To:          models.PhaseImplement,
			Guards:      []Guard{func(c *Context) bool { return !c.VerificationPassing }},
			Description: "verification failed, keep implementing",
		},
		{
			From: models.PhaseVerify,
			To:   models.PhaseComplete,
			Guards: []Guard{
				func(c *Context) bool { return c.VerificationPassing && c.TestsPassing },
			},
			Description: "verification and tests green",
		},
	}

	for _, from := range nonTerminal {
		m.transitions = append(m.transitions,
			Transition{
				From:        from,
				To:          models.PhaseFailed,
				Guards:      []Guard{func(c *Context) bool { return c.LastActionResult == "fatal" }},
				Description: "fatal action result",
			},
			Transition{
				From: from,
				To:   models.PhaseEscalated,
				Guards: []Guard{
					func(c *Context) bool {
						return c.LastAction == "escalate" || c.LastAction == "cannot_fix"
					},
				},
				Description: "agent requested escalation",
			},
		)
	}
}

func (m *Machine) setupConfigs() {
	m.configs[models.PhaseInit] = Config{
		Phase:            models.PhaseInit,
		MaxSteps:         2,
		SuccessCondition: func(c *Context) bool { return len(c.Facts) > 0 },
	}
	m.configs[models.PhaseAnalyze] = Config{
		Phase:            models.PhaseAnalyze,
		MaxSteps:         5,
		SuccessCondition: hasCodeStructureFact,
	}
	m.configs[models.PhasePlan] = Config{
		Phase:            models.PhasePlan,
		MaxSteps:         2,
		SuccessCondition: func(c *Context) bool { return c.StepsInPhase >= 1 },
	}
	m.configs[models.PhaseImplement] = Config{
		Phase:            models.PhaseImplement,
		MaxSteps:         15,
		SuccessCondition: func(c *Context) bool { return c.HasModifications() },
	}
	m.configs[models.PhaseVerify] = Config{
		Phase:            models.PhaseVerify,
		MaxSteps:         5,
		SuccessCondition: func(c *Context) bool { return c.VerificationPassing && c.TestsPassing },
	}
}

// AddTransition appends a custom row to the table.
func (m *Machine) AddTransition(t Transition) {
	m.transitions = append(m.transitions, t)
}

// ConfigurePhase replaces a phase's configuration.
func (m *Machine) ConfigurePhase(cfg Config) {
	m.configs[cfg.Phase] = cfg
}

// CanTransition reports whether a registered transition to target exists
// whose guards all pass.
func (m *Machine) CanTransition(to models.Phase, ctx *Context) bool {
	for _, t := range m.transitions {
		if t.From != m.current || t.To != to {
			continue
		}
		if guardsPass(t.Guards, ctx) {
			return true
		}
	}
	return false
}

// AvailableTransitions returns the transitions currently permitted.
func (m *Machine) AvailableTransitions(ctx *Context) []Transition {
	var out []Transition
	for _, t := range m.transitions {
		if t.From == m.current && guardsPass(t.Guards, ctx) {
			out = append(out, t)
		}
	}
	return out
}

func guardsPass(guards []Guard, ctx *Context) bool {
	for _, g := range guards {
		if !g(ctx) {
			return false
		}
	}
	return true
}

// Transition moves to target if permitted, pushing the old phase to
// history and resetting the in-phase step count. Returns false when
// blocked.
func (m *Machine) Transition(to models.Phase, ctx *Context) bool {
	if !m.CanTransition(to, ctx) {
		slog.Debug("Phase transition blocked",
			"from", m.current, "to", to, "steps_in_phase", m.stepsInPhase)
		return false
	}
	m.history = append(m.history, m.current)
	m.current = to
	m.stepsInPhase = 0
	return true
}

// ForceTerminal enters a terminal phase regardless of guard state. The
// bypass is intentional — COMPLETE, FAILED and ESCALATED must be reachable
// when budgets run out — and is logged.
func (m *Machine) ForceTerminal(to models.Phase) bool {
	if !to.IsTerminal() {
		return false
	}
	if m.current == to {
		return true
	}
	slog.Warn("Entering terminal phase, bypassing guards", "from", m.current, "to", to)
	m.history = append(m.history, m.current)
	m.current = to
	m.stepsInPhase = 0
	return true
}

// phaseOrder defines the forward direction of the canonical trajectory.
var phaseOrder = map[models.Phase]int{
	models.PhaseInit:      0,
	models.PhaseAnalyze:   1,
	models.PhasePlan:      2,
	models.PhaseImplement: 3,
	models.PhaseVerify:    4,
	models.PhaseComplete:  5,
}

// ShouldAutoTransition proposes a target phase: the first valid
// forward-direction transition when the phase's success condition holds,
// else the first valid transition when the step budget is exhausted, else
// FAILED when the failure condition holds. Returns "" when the machine
// should stay put.
func (m *Machine) ShouldAutoTransition(ctx *Context) models.Phase {
	cfg, ok := m.configs[m.current]
	if !ok {
		return ""
	}
	available := m.AvailableTransitions(ctx)

	if cfg.SuccessCondition != nil && cfg.SuccessCondition(ctx) {
		currentIdx, inOrder := phaseOrder[m.current]
		for _, t := range available {
			targetIdx, ok := phaseOrder[t.To]
			if ok && inOrder && targetIdx > currentIdx {
				return t.To
			}
		}
	}
	if m.stepsInPhase >= cfg.MaxSteps && len(available) > 0 {
		return available[0].To
	}
	if cfg.FailureCondition != nil && cfg.FailureCondition(ctx) {
		return models.PhaseFailed
	}
	return ""
}

// ValidateState returns human-readable inconsistencies, empty when sound.
func (m *Machine) ValidateState(ctx *Context) []string {
	var problems []string
	if ctx.CurrentPhase != m.current {
		problems = append(problems, "context phase disagrees with machine phase")
	}
	if m.current.IsTerminal() && m.stepsInPhase > 0 {
		problems = append(problems, "terminal phase accumulating steps")
	}
	return problems
}
