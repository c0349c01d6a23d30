package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseIsTerminal(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseInit, false},
		{PhaseAnalyze, false},
		{PhasePlan, false},
		{PhaseImplement, false},
		{PhaseVerify, false},
		{PhaseComplete, true},
		{PhaseFailed, true},
		{PhaseEscalated, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.phase.IsTerminal(), string(tt.phase))
	}
}

func TestVerificationRecompute(t *testing.T) {
	v := VerificationStatus{ChecksFailing: 0, TestsPassing: true}
	v.Recompute()
	assert.True(t, v.ReadyForCompletion)

	v.ChecksFailing = 1
	v.Recompute()
	assert.False(t, v.ReadyForCompletion)

	v.ChecksFailing = 0
	v.TestsPassing = false
	v.Recompute()
	assert.False(t, v.ReadyForCompletion)
}

func TestTruncateSummary(t *testing.T) {
	short := "all good"
	assert.Equal(t, short, TruncateSummary(short))

	long := strings.Repeat("x", 300)
	got := TruncateSummary(long)
	assert.Len(t, got, 200)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestWorkingMemoryItemExpiry(t *testing.T) {
	item := WorkingMemoryItem{Step: 5, ExpiresAfterSteps: 3}
	assert.False(t, item.IsExpired(8), "boundary step is still live")
	assert.True(t, item.IsExpired(9))

	item.Pinned = true
	assert.False(t, item.IsExpired(100))

	forever := WorkingMemoryItem{Step: 1}
	assert.False(t, forever.IsExpired(1000))
}

func TestFilesModifiedToleratesYAMLShapes(t *testing.T) {
	s := &TaskState{ContextData: map[string]any{
		"files_modified": []any{"a.py", "b.py"},
	}}
	assert.Equal(t, []string{"a.py", "b.py"}, s.FilesModified())

	s.ContextData["files_modified"] = []string{"c.py"}
	assert.Equal(t, []string{"c.py"}, s.FilesModified())

	s.ContextData = nil
	assert.Nil(t, s.FilesModified())
}

func TestContextString(t *testing.T) {
	s := &TaskState{ContextData: map[string]any{"file_path": "src/m.py", "line_number": 42}}
	assert.Equal(t, "src/m.py", s.ContextString("file_path"))
	assert.Empty(t, s.ContextString("line_number"), "non-string values read as empty")
	assert.Empty(t, s.ContextString("missing"))
}
