// Package suggestion parses structured suggestion lists out of generated
// text. Models rarely return clean JSON, so extraction is layered: parse
// the whole text, then a fenced code block body, then the first balanced
// bracketed substring found by a string-aware scan.
package suggestion

import (
	"encoding/json"
	"errors"
	"strings"
)

// Suggestion is one extracted {text, justification} pair.
type Suggestion struct {
	Text          string `json:"text"`
	Justification string `json:"justification"`
}

// ErrNoSuggestions indicates no parseable suggestion list was found.
var ErrNoSuggestions = errors.New("suggestion: no parseable list found")

// Parse extracts a suggestion list from raw generated text. Returns
// ErrNoSuggestions when every strategy fails.
func Parse(raw string) ([]Suggestion, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoSuggestions
	}

	for _, candidate := range candidates(raw) {
		if s, ok := tryUnmarshal(candidate); ok {
			return s, nil
		}
	}
	return nil, ErrNoSuggestions
}

// candidates yields substrings to attempt, in priority order.
func candidates(raw string) []string {
	out := []string{raw}
	if body := fencedBody(raw); body != "" {
		out = append(out, body)
	}
	if frag := balancedArray(raw); frag != "" {
		out = append(out, frag)
	}
	return out
}

func tryUnmarshal(s string) ([]Suggestion, bool) {
	var list []Suggestion
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, false
	}
	// An array of non-objects unmarshals to zero-valued entries; require
	// at least one entry with text.
	for _, item := range list {
		if strings.TrimSpace(item.Text) != "" {
			return list, true
		}
	}
	return nil, false
}

// fencedBody returns the body of the first fenced code block, tolerating a
// language tag after the opening fence.
func fencedBody(raw string) string {
	open := strings.Index(raw, "```")
	if open < 0 {
		return ""
	}
	rest := raw[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line ("json", "js", ...) if present.
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine != "" && !strings.ContainsAny(firstLine, "[{") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// balancedArray scans for the first top-level balanced [...] substring,
// skipping bracket characters inside JSON strings.
func balancedArray(raw string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '[':
			if start < 0 {
				start = i
			}
			depth++
		case ']':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}
