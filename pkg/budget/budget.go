// Package budget implements the adaptive step budget: a dynamic ceiling
// that grows with observed progress, bounded by a hard maximum, with loop
// detection and a no-progress cutoff layered in front.
package budget

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentforge/agentforge/pkg/loopdetect"
	"github.com/agentforge/agentforge/pkg/models"
)

// Defaults for budget sizing.
const (
	DefaultBaseBudget          = 10
	DefaultMaxBudget           = 30
	DefaultNoProgressThreshold = 5
)

// mutating actions that count as progress when they succeed.
var mutatingActions = map[string]bool{
	"edit_file":            true,
	"write_file":           true,
	"replace_lines":        true,
	"insert_lines":         true,
	"extract_function":     true,
	"simplify_conditional": true,
}

var violationCountPattern = regexp.MustCompile(`(\d+)\s+violations?`)

// AdaptiveBudget decides, step by step, whether a run should continue.
// One instance lives for the duration of a run; progress counters carry
// across steps.
type AdaptiveBudget struct {
	BaseBudget          int
	MaxBudget           int
	NoProgressThreshold int

	detector *loopdetect.Detector

	progressCount      int
	noProgressStreak   int
	lastViolationCount int // -1 until first observation
	lastDetection      *models.LoopDetection
	observedSteps      map[int]bool
}

// New creates a budget with the given sizing; zero values take defaults.
func New(base, max, noProgressThreshold int) *AdaptiveBudget {
	if base <= 0 {
		base = DefaultBaseBudget
	}
	if max <= 0 {
		max = DefaultMaxBudget
	}
	if noProgressThreshold <= 0 {
		noProgressThreshold = DefaultNoProgressThreshold
	}
	return &AdaptiveBudget{
		BaseBudget:          base,
		MaxBudget:           max,
		NoProgressThreshold: noProgressThreshold,
		detector:            loopdetect.NewDetector(),
		lastViolationCount:  -1,
		observedSteps:       map[int]bool{},
	}
}

// CheckContinue decides whether the loop should run another step. The
// reason string is human-readable; a non-nil detection means a loop fired.
func (b *AdaptiveBudget) CheckContinue(stepNumber int, recent []models.ActionRecord, facts []models.Fact) (bool, string, *models.LoopDetection) {
	if det := b.detector.Check(recent, facts); det.Detected {
		b.lastDetection = &det
		return false, fmt.Sprintf("STOPPED: %s — %s", strings.ToUpper(string(det.Type)), det.Description), &det
	}

	if len(recent) > 0 {
		b.updateProgress(recent[len(recent)-1])
	}

	if b.noProgressStreak >= b.NoProgressThreshold {
		return false, fmt.Sprintf("STOPPED: No progress for %d consecutive steps", b.noProgressStreak), nil
	}

	dynamicBudget := b.Budget()
	if stepNumber >= dynamicBudget {
		return false, fmt.Sprintf("STOPPED: Budget exhausted (%d/%d)", stepNumber, dynamicBudget), nil
	}
	return true, fmt.Sprintf("Continue (%d/%d)", stepNumber, dynamicBudget), nil
}

// updateProgress scores the most recent action once: +1 for a successful
// mutation, +3 for a passing check, +2 for a strictly decreasing violation
// count; anything else extends the no-progress streak.
func (b *AdaptiveBudget) updateProgress(last models.ActionRecord) {
	if b.observedSteps[last.Step] {
		return
	}
	b.observedSteps[last.Step] = true

	progress := 0
	if last.Result == models.ResultSuccess && mutatingActions[last.ActionName] {
		progress++
	}
	if strings.Contains(last.Summary, "Check PASSED") {
		progress += 3
	}
	if last.ActionName == "run_check" {
		if count, ok := parseViolationCount(last.Summary); ok {
			if b.lastViolationCount >= 0 && count < b.lastViolationCount {
				progress += 2
			}
			b.lastViolationCount = count
		}
	}

	if progress > 0 {
		b.progressCount += progress
		b.noProgressStreak = 0
	} else {
		b.noProgressStreak++
	}
}

func parseViolationCount(summary string) (int, bool) {
	m := violationCountPattern.FindStringSubmatch(summary)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Budget returns the current dynamic ceiling:
// min(base + 3·progress, max).
func (b *AdaptiveBudget) Budget() int {
	dynamic := b.BaseBudget + 3*b.progressCount
	if dynamic > b.MaxBudget {
		return b.MaxBudget
	}
	return dynamic
}

// ProgressCount exposes the accumulated progress score.
func (b *AdaptiveBudget) ProgressCount() int { return b.progressCount }

// LastDetection returns the most recent loop detection, if any.
func (b *AdaptiveBudget) LastDetection() *models.LoopDetection { return b.lastDetection }

// Reset clears counters for a fresh run.
func (b *AdaptiveBudget) Reset() {
	b.progressCount = 0
	b.noProgressStreak = 0
	b.lastViolationCount = -1
	b.lastDetection = nil
	b.observedSteps = map[int]bool{}
}
