package commands

import (
	"testing"
	"time"

	"github.com/taskforge/taskforge/pkg/stores"
)

func TestShortIDTruncatesLongIDs(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %s", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %s", got)
	}
}

func TestRunDurationHandlesUnfinishedRuns(t *testing.T) {
	started := time.Now()
	run := &stores.RunRecord{StartedAt: started}
	if got := runDuration(run); got != "-" {
		t.Errorf("runDuration = %s, want -", got)
	}

	finished := started.Add(1500 * time.Millisecond)
	run.FinishedAt = &finished
	if got := runDuration(run); got != "1.5s" {
		t.Errorf("runDuration = %s, want 1.5s", got)
	}
}

func TestRunNotesCombinesMarkers(t *testing.T) {
	tests := []struct {
		halted   bool
		rollback bool
		want     string
	}{
		{false, false, ""},
		{true, false, "halted"},
		{false, true, "rolled back"},
		{true, true, "halted, rolled back"},
	}
	for _, tt := range tests {
		run := &stores.RunRecord{Halted: tt.halted, RollbackPerformed: tt.rollback}
		if got := runNotes(run); got != tt.want {
			t.Errorf("runNotes(halted=%v, rollback=%v) = %q, want %q",
				tt.halted, tt.rollback, got, tt.want)
		}
	}
}
