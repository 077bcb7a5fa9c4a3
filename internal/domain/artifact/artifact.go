// Package artifact defines the generated-document entity attached to a
// parent ticket, plus the canonical-identity rules the upsert engine uses
// to merge title variants of the same logical document.
package artifact

import (
	"regexp"
	"strings"
	"time"
)

// Category groups artifacts by the kind of run that produced them.
type Category string

const (
	CategoryImplementation Category = "implementation"
	CategoryQA             Category = "qa"
	CategoryOther          Category = "other"
)

// Artifact is one generated document. At most one artifact is live
// (non-placeholder) per (ticket, category, canonical type).
type Artifact struct {
	ID            int64     `json:"id"`
	TicketID      string    `json:"ticket_id"`
	Category      Category  `json:"category"`
	Title         string    `json:"title"`
	CanonicalType string    `json:"canonical_type,omitempty"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Canonical types recognized from artifact titles.
const (
	TypePlan          = "plan"
	TypeWorklog       = "worklog"
	TypeChangeSummary = "change_summary"
	TypeReview        = "review"
	TypeTestReport    = "test_report"
)

// typePatterns map a title keyword to its canonical type. Matching is
// order-sensitive: "change summary" must win over a bare "summary" and
// "test report" over "report".
var typePatterns = []struct {
	re  *regexp.Regexp
	typ string
}{
	{regexp.MustCompile(`(?i)\bchange\s+summary\b`), TypeChangeSummary},
	{regexp.MustCompile(`(?i)\btest\s+report\b`), TypeTestReport},
	{regexp.MustCompile(`(?i)\bwork\s*log\b`), TypeWorklog},
	{regexp.MustCompile(`(?i)\bplan\b`), TypePlan},
	{regexp.MustCompile(`(?i)\breview\b`), TypeReview},
}

// typeNames are the display names used when resolving canonical titles.
var typeNames = map[string]string{
	TypePlan:          "Plan",
	TypeWorklog:       "Worklog",
	TypeChangeSummary: "Change Summary",
	TypeReview:        "Review",
	TypeTestReport:    "Test Report",
}

// TypeFromTitle extracts the canonical type from a free-form title.
// Returns "" when no known type is recognizable; callers then fall back to
// exact-title matching.
func TypeFromTitle(title string) string {
	for _, p := range typePatterns {
		if p.re.MatchString(title) {
			return p.typ
		}
	}
	return ""
}

// CanonicalTitle builds the normalized title for a recognized type and a
// ticket display key, e.g. "Change Summary: PROJ-42". Historical titles in
// other formats still merge because lookup goes through the canonical
// (category, type) identity, not the title string.
func CanonicalTitle(typ, ticketKey string) string {
	name, ok := typeNames[typ]
	if !ok {
		name = typ
	}
	if ticketKey == "" {
		return name
	}
	return name + ": " + ticketKey
}

var numericKey = regexp.MustCompile(`#?(\d{1,8})\b`)

// FallbackKey extracts a numeric identifier from free text for tickets
// whose display key is unavailable. Best-effort: ambiguous numbering can
// misattribute, which is accepted.
func FallbackKey(text string) string {
	m := numericKey.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return "#" + m[1]
}

// DefaultMinBodyLen is the substantive-content threshold below which a
// body is treated as a placeholder.
const DefaultMinBodyLen = 40

// placeholderBodies are boilerplate values that carry no content.
var placeholderBodies = map[string]bool{
	"(none)": true,
	"none":   true,
	"n/a":    true,
	"tbd":    true,
	"-":      true,
}

// ValidBody reports whether body passes the content-validation gate: not
// empty, not known boilerplate, and at least minLen characters. minLen <= 0
// uses DefaultMinBodyLen.
func ValidBody(body string, minLen int) bool {
	if minLen <= 0 {
		minLen = DefaultMinBodyLen
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || placeholderBodies[strings.ToLower(trimmed)] {
		return false
	}
	return len(trimmed) >= minLen
}
