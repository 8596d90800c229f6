// Package jsonx recovers structured data from model output that is almost,
// but not quite, JSON.
package jsonx

import (
	"encoding/json"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"

	"srg/internal/apperr"
)

// Recover unmarshals model output into v using a three-stage policy:
// raw JSON first, then the largest balanced object region, then markdown
// fence stripping plus mechanical repair.
func Recover(raw string, v interface{}) error {
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	if region := largestObject(raw); region != "" {
		if err := json.Unmarshal([]byte(region), v); err == nil {
			return nil
		}
	}
	stripped := stripFences(raw)
	repaired, err := jsonrepair.RepairJSON(stripped)
	if err == nil {
		if err := json.Unmarshal([]byte(repaired), v); err == nil {
			return nil
		}
	}
	return apperr.New(apperr.CodeValidationError, "model output is not recoverable JSON").
		WithDetail("prefix", truncate(raw, 200))
}

// largestObject extracts the largest balanced {...} region, respecting
// strings and escapes.
func largestObject(s string) string {
	best := ""
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inString && depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					if cand := s[start : i+1]; len(cand) > len(best) {
						best = cand
					}
				}
			}
		}
	}
	return best
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
