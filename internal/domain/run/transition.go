package run

import (
	"strings"
	"time"
)

// Signal is the status a backend reports for a run's external handle. The
// lifecycle rules translate each signal into a (status, stage) pair.
type Signal string

const (
	SignalCreating  Signal = "CREATING"
	SignalRunning   Signal = "RUNNING"
	SignalFinished  Signal = "FINISHED"
	SignalFailed    Signal = "FAILED"
	SignalCancelled Signal = "CANCELLED"
	SignalError     Signal = "ERROR"
)

// MaxSummaryLen caps the stored summary; longer text is cut and marked.
const MaxSummaryLen = 4000

const truncationMarker = "… [truncated]"

// GenericFailure is recorded when a backend reports failure with no detail.
const GenericFailure = "run failed: the backend reported an error without detail"

// placeholderSummaries are backend boilerplate worth replacing with richer
// content extracted from the conversation.
var placeholderSummaries = map[string]bool{
	"Done.":      true,
	"Completed.": true,
	"Finished.":  true,
}

// PlaceholderSummary reports whether s carries no real information.
func PlaceholderSummary(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || placeholderSummaries[s]
}

// CapSummary trims s to MaxSummaryLen, appending a truncation marker when
// content was cut.
func CapSummary(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= MaxSummaryLen {
		return s
	}
	return s[:MaxSummaryLen] + truncationMarker
}

// ApplySignal translates a backend signal into the run's next status and
// stage. A terminal run is never changed: repeated advancement of a
// finished run is a no-op. Non-terminal signals set status=polling and only
// touch the stage when it is not already a settled in-flight value.
func (r *Run) ApplySignal(sig Signal, summary, detail string, now time.Time) {
	if r.Terminal() {
		return
	}

	r.AgentStatus = string(sig)
	r.UpdatedAt = now

	switch sig {
	case SignalFinished:
		r.Status = StatusCompleted
		r.Stage = StageCompleted
		if summary != "" {
			r.Summary = CapSummary(summary)
		}
		r.FinishedAt = &now
	case SignalFailed, SignalCancelled, SignalError:
		r.Status = StatusFailed
		r.Stage = StageFailed
		if detail != "" {
			r.Error = detail
		} else {
			r.Error = GenericFailure
		}
		r.FinishedAt = &now
	default:
		if CanTransition(r.Status, StatusPolling) {
			r.Status = StatusPolling
		}
		if r.Stage == "" || !r.Stage.InFlight() {
			r.Stage = r.Category.WorkingStage()
		}
	}
}

// Fail marks the run failed with the given reason. Used for cancellation
// and for backend transport errors recorded as run-level failures.
func (r *Run) Fail(reason string, now time.Time) {
	if r.Terminal() {
		return
	}
	r.Status = StatusFailed
	r.Stage = StageFailed
	if reason == "" {
		reason = GenericFailure
	}
	r.Error = reason
	r.UpdatedAt = now
	r.FinishedAt = &now
}

// EnrichSummary is the one permitted post-terminal mutation: it replaces a
// placeholder summary with richer content derived from the conversation.
// Status, stage and error are left untouched. Returns true when the summary
// changed.
func (r *Run) EnrichSummary(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || !PlaceholderSummary(r.Summary) {
		return false
	}
	r.Summary = CapSummary(text)
	return true
}
