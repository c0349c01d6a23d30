// Package loopdetect recognizes non-progressive action patterns in a
// task's recent history: identical failing actions, A-B-A error cycles,
// semantically equivalent failures, and read-only stalls.
package loopdetect

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/agentforge/agentforge/pkg/models"
)

// Detection thresholds.
const (
	DefaultIdenticalThreshold  = 3
	DefaultCycleThreshold      = 2
	DefaultSemanticThreshold   = 4
	DefaultNoProgressThreshold = 4
)

// Detector checks recent actions for loops. Stateless: every verdict is a
// function of the inputs alone.
type Detector struct {
	IdenticalThreshold  int
	CycleThreshold      int
	SemanticThreshold   int
	NoProgressThreshold int
}

// NewDetector returns a detector with the default thresholds.
func NewDetector() *Detector {
	return &Detector{
		IdenticalThreshold:  DefaultIdenticalThreshold,
		CycleThreshold:      DefaultCycleThreshold,
		SemanticThreshold:   DefaultSemanticThreshold,
		NoProgressThreshold: DefaultNoProgressThreshold,
	}
}

// signature is the coarse shape of an action used for comparison.
type signature struct {
	actionType    string
	targetFile    string
	outcome       models.ActionResult
	errorCategory string
}

// actionType buckets tool names into coarse categories.
func actionType(name string) string {
	switch name {
	case "edit_file", "replace_lines", "insert_lines", "write_file":
		return "edit"
	case "extract_function", "simplify_conditional":
		return "extract"
	case "run_check", "run_tests":
		return "check"
	case "read_file", "load_context":
		return "read"
	case "complete", "escalate", "cannot_fix":
		return "complete"
	}
	return "other"
}

// errorCategory buckets error strings by substring.
func errorCategory(errMsg string) string {
	lower := strings.ToLower(errMsg)
	switch {
	case lower == "":
		return ""
	case strings.Contains(lower, "not found"):
		return "not_found"
	case strings.Contains(lower, "syntax"):
		return "syntax"
	case strings.Contains(lower, "control flow"):
		return "control_flow"
	case strings.Contains(lower, "broke tests"):
		return "broke_tests"
	}
	return "other"
}

func signatureOf(rec models.ActionRecord) signature {
	return signature{
		actionType:    actionType(rec.ActionName),
		targetFile:    rec.Target,
		outcome:       rec.Result,
		errorCategory: errorCategory(rec.Error),
	}
}

// nonMutating actions considered for the no-progress rule.
var nonMutating = map[string]bool{
	"read_file":    true,
	"load_context": true,
	"run_check":    true,
	"run_tests":    true,
}

// Check inspects the recent action window (oldest first) and facts, and
// returns the first matching detection in priority order.
func (d *Detector) Check(recent []models.ActionRecord, facts []models.Fact) models.LoopDetection {
	if det := d.checkIdenticalAction(recent); det.Detected {
		return det
	}
	if det := d.checkErrorCycle(recent); det.Detected {
		return det
	}
	if det := d.checkSemanticLoop(recent, facts); det.Detected {
		return det
	}
	if det := d.checkNoProgress(recent, facts); det.Detected {
		return det
	}
	return models.LoopDetection{}
}

// checkIdenticalAction fires when the last N actions share one action name,
// all failed, and either all parameters match or all errors match the
// first. The error-equality branch is deliberate: identical errors across
// differing parameters still indicate a stuck agent.
func (d *Detector) checkIdenticalAction(recent []models.ActionRecord) models.LoopDetection {
	n := d.IdenticalThreshold
	if len(recent) < n {
		return models.LoopDetection{}
	}
	window := recent[len(recent)-n:]
	first := window[0]
	sameParams := true
	sameError := first.Error != ""
	for _, rec := range window {
		if rec.ActionName != first.ActionName || rec.Result != models.ResultFailure {
			return models.LoopDetection{}
		}
		if !reflect.DeepEqual(rec.Parameters, first.Parameters) {
			sameParams = false
		}
		if rec.Error != first.Error {
			sameError = false
		}
	}
	if !sameParams && !sameError {
		return models.LoopDetection{}
	}
	return models.LoopDetection{
		Detected:    true,
		Type:        models.LoopIdenticalAction,
		Confidence:  1.0,
		Description: fmt.Sprintf("Action '%s' failed %d times in a row with identical parameters or errors", first.ActionName, n),
		Suggestions: suggestionsFor(first.ActionName, first.Error),
		Evidence: map[string]any{
			"action":      first.ActionName,
			"occurrences": n,
			"error":       first.Error,
		},
	}
}

// checkErrorCycle fires on A-B-A alternation among recent failures.
func (d *Detector) checkErrorCycle(recent []models.ActionRecord) models.LoopDetection {
	var failures []models.ActionRecord
	for _, rec := range recent {
		if rec.Result == models.ResultFailure {
			failures = append(failures, rec)
		}
	}
	if len(failures) < 3 {
		return models.LoopDetection{}
	}
	cycles := 0
	for i := 0; i+2 < len(failures); i++ {
		a := actionType(failures[i].ActionName)
		b := actionType(failures[i+1].ActionName)
		c := actionType(failures[i+2].ActionName)
		if a == c && a != b {
			cycles++
		}
	}
	if cycles < d.CycleThreshold {
		return models.LoopDetection{}
	}
	return models.LoopDetection{
		Detected:    true,
		Type:        models.LoopErrorCycle,
		Confidence:  0.9,
		Description: fmt.Sprintf("Alternating failure pattern detected across %d failed actions (%d cycles)", len(failures), cycles),
		Suggestions: []string{
			"Step back and re-diagnose: alternating between two approaches that both fail",
			"Load broader context before the next attempt",
		},
		Evidence: map[string]any{"cycles": cycles, "failures": len(failures)},
	}
}

// checkSemanticLoop fires when distinct action types all fail with one
// error category, or the last three ERROR facts are word-identical.
func (d *Detector) checkSemanticLoop(recent []models.ActionRecord, facts []models.Fact) models.LoopDetection {
	n := d.SemanticThreshold
	if len(recent) >= n {
		window := recent[len(recent)-n:]
		types := map[string]bool{}
		categories := map[string]bool{}
		allFailed := true
		for _, rec := range window {
			if rec.Result != models.ResultFailure {
				allFailed = false
				break
			}
			types[actionType(rec.ActionName)] = true
			categories[errorCategory(rec.Error)] = true
		}
		if allFailed && len(types) >= 2 && len(categories) == 1 {
			var category string
			for c := range categories {
				category = c
			}
			return models.LoopDetection{
				Detected:    true,
				Type:        models.LoopSemantic,
				Confidence:  0.85,
				Description: fmt.Sprintf("Different approaches all failing with the same error category '%s'", category),
				Suggestions: []string{
					"The root cause is not the approach — re-read the target and error details",
					"Consider escalating if the error persists across tool families",
				},
				Evidence: map[string]any{"error_category": category, "action_types": len(types)},
			}
		}
	}
	if stmts := lastStatements(facts, models.FactError, 3); len(stmts) == 3 && allEqual(stmts) {
		return models.LoopDetection{
			Detected:    true,
			Type:        models.LoopSemantic,
			Confidence:  0.8,
			Description: "The last three error facts are identical: " + stmts[0],
			Suggestions: []string{"Change strategy — the same error keeps recurring"},
			Evidence:    map[string]any{"statement": stmts[0]},
		}
	}
	return models.LoopDetection{}
}

// checkNoProgress fires on a non-mutating stall or three identical
// verification facts.
func (d *Detector) checkNoProgress(recent []models.ActionRecord, facts []models.Fact) models.LoopDetection {
	n := d.NoProgressThreshold
	if len(recent) >= n {
		window := recent[len(recent)-n:]
		allReadOnly := true
		for _, rec := range window {
			if !nonMutating[rec.ActionName] {
				allReadOnly = false
				break
			}
		}
		if allReadOnly {
			return models.LoopDetection{
				Detected:    true,
				Type:        models.LoopNoProgress,
				Confidence:  0.75,
				Description: fmt.Sprintf("Last %d actions were all read-only (no modifications attempted)", n),
				Suggestions: []string{
					"Enough context gathered — make a concrete modification",
					"If the fix is unclear, escalate with what has been learned",
				},
				Evidence: map[string]any{"window": n},
			}
		}
	}
	if stmts := lastStatements(facts, models.FactVerification, 3); len(stmts) == 3 && allEqual(stmts) {
		return models.LoopDetection{
			Detected:    true,
			Type:        models.LoopNoProgress,
			Confidence:  0.7,
			Description: "Verification results unchanged across the last three checks: " + stmts[0],
			Suggestions: []string{"Modifications are not moving the checks — try a different refactoring"},
			Evidence:    map[string]any{"statement": stmts[0]},
		}
	}
	return models.LoopDetection{}
}

func lastStatements(facts []models.Fact, category models.FactCategory, n int) []string {
	var stmts []string
	for _, f := range facts {
		if f.Category == category {
			stmts = append(stmts, f.Statement)
		}
	}
	if len(stmts) < n {
		return nil
	}
	return stmts[len(stmts)-n:]
}

func allEqual(stmts []string) bool {
	for _, s := range stmts[1:] {
		if s != stmts[0] {
			return false
		}
	}
	return true
}

// suggestionsFor returns action-specific recovery hints surfaced with a
// detection.
func suggestionsFor(actionName, errMsg string) []string {
	switch {
	case actionName == "edit_file" && errorCategory(errMsg) == "not_found":
		return []string{
			"use line-numbered replacement (replace_lines) instead of text matching",
			"re-read the file — whitespace or earlier edits may have changed the target text",
		}
	case actionType(actionName) == "edit":
		return []string{
			"re-read the file before the next edit",
			"use line-numbered replacement",
		}
	case actionName == "extract_function":
		return []string{
			"pick a different line range without early returns or breaks",
			"try simplify_conditional instead",
		}
	}
	return []string{
		"try a different action",
		"re-read the file",
		"escalate if the failure persists",
	}
}
