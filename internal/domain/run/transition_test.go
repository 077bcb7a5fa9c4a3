package run

import (
	"strings"
	"testing"
	"time"
)

func TestApplySignalSequence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &Run{
		Category: CategoryImplementation,
		Status:   StatusLaunching,
		Stage:    StageLaunching,
	}

	// A typical backend sequence settles into the working stage and ends
	// completed with the reported summary.
	for _, sig := range []Signal{SignalCreating, SignalRunning, SignalRunning} {
		r.ApplySignal(sig, "", "", now)
		if r.Status != StatusPolling {
			t.Fatalf("after %s: status = %s, want %s", sig, r.Status, StatusPolling)
		}
		if r.Stage != StageRunning {
			t.Fatalf("after %s: stage = %s, want %s", sig, r.Stage, StageRunning)
		}
	}

	r.ApplySignal(SignalFinished, "Merged the fix.", "", now)
	if r.Status != StatusCompleted || r.Stage != StageCompleted {
		t.Fatalf("terminal state = %s/%s", r.Status, r.Stage)
	}
	if r.Summary != "Merged the fix." {
		t.Errorf("summary = %q", r.Summary)
	}
	if r.FinishedAt == nil || !r.FinishedAt.Equal(now) {
		t.Error("FinishedAt not set")
	}
}

func TestApplySignalTerminalIsNoOp(t *testing.T) {
	now := time.Now()
	r := &Run{Category: CategoryChat, Status: StatusCompleted, Stage: StageCompleted, Summary: "answer"}

	r.ApplySignal(SignalFailed, "", "boom", now)
	if r.Status != StatusCompleted || r.Error != "" || r.Summary != "answer" {
		t.Errorf("terminal run mutated: %s %q %q", r.Status, r.Error, r.Summary)
	}
}

func TestApplySignalFailureWithoutDetail(t *testing.T) {
	r := &Run{Category: CategoryQA, Status: StatusPolling, Stage: StageReviewing}
	r.ApplySignal(SignalError, "", "", time.Now())

	if r.Status != StatusFailed || r.Stage != StageFailed {
		t.Fatalf("state = %s/%s", r.Status, r.Stage)
	}
	if r.Error != GenericFailure {
		t.Errorf("error = %q, want generic failure text", r.Error)
	}
}

func TestApplySignalKeepsSettledStage(t *testing.T) {
	r := &Run{Category: CategoryQA, Status: StatusPolling, Stage: StageReviewing}
	r.ApplySignal(SignalRunning, "", "", time.Now())
	if r.Stage != StageReviewing {
		t.Errorf("settled stage flickered to %s", r.Stage)
	}
}

func TestCapSummary(t *testing.T) {
	short := "done"
	if got := CapSummary("  " + short + "  "); got != short {
		t.Errorf("CapSummary trimmed = %q", got)
	}

	long := strings.Repeat("x", MaxSummaryLen+100)
	got := CapSummary(long)
	if !strings.HasSuffix(got, "… [truncated]") {
		t.Error("missing truncation marker")
	}
	if len(got) != MaxSummaryLen+len("… [truncated]") {
		t.Errorf("capped length = %d", len(got))
	}
}

func TestPlaceholderSummary(t *testing.T) {
	for _, s := range []string{"", "  ", "Done.", "Completed.", "Finished."} {
		if !PlaceholderSummary(s) {
			t.Errorf("%q should be a placeholder", s)
		}
	}
	if PlaceholderSummary("Implemented the feature.") {
		t.Error("real summary flagged as placeholder")
	}
}

func TestEnrichSummary(t *testing.T) {
	r := &Run{Status: StatusCompleted, Summary: "Done."}

	if !r.EnrichSummary("I refactored the parser and added tests.") {
		t.Fatal("placeholder should be replaced")
	}
	if r.Summary != "I refactored the parser and added tests." {
		t.Errorf("summary = %q", r.Summary)
	}

	// A real summary is never overwritten.
	if r.EnrichSummary("something else") {
		t.Error("non-placeholder summary replaced")
	}
}

func TestFail(t *testing.T) {
	now := time.Now()
	r := &Run{Status: StatusPolling, Stage: StageRunning}
	r.Fail("cancelled by user", now)

	if r.Status != StatusFailed || r.Error != "cancelled by user" || r.FinishedAt == nil {
		t.Errorf("fail state = %s %q", r.Status, r.Error)
	}

	// Failing again keeps the original reason.
	r.Fail("other", now.Add(time.Second))
	if r.Error != "cancelled by user" {
		t.Errorf("terminal run re-failed: %q", r.Error)
	}
}
