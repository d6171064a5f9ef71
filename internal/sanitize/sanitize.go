// Package sanitize redacts personally identifiable information from
// telemetry attribute sets and session snapshots before export.
//
// A Sanitizer applies an ordered list of pattern rules recursively over
// nested mapping/sequence/string structures, replacing matched substrings
// with a fixed redaction marker. Non-string scalars pass through unchanged.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// Redacted is the marker substituted for matched substrings.
	Redacted = "[REDACTED]"

	// maxPatternLength rejects oversized patterns as basic ReDoS protection.
	maxPatternLength = 200
)

// defaultPatterns match common PII shapes: email addresses, US social
// security numbers, 16-digit card numbers, and IPv4 addresses.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{16}\b`),
	regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

// Sanitizer redacts PII from telemetry data.
type Sanitizer struct {
	patterns []*regexp.Regexp
}

// New returns a Sanitizer with the default PII rule set.
func New() *Sanitizer {
	return &Sanitizer{patterns: defaultPatterns}
}

// NewWithPatterns compiles a custom rule set, replacing the defaults.
// Compilation fails fast on an invalid or oversized pattern.
func NewWithPatterns(patterns []string) (*Sanitizer, error) {
	if len(patterns) == 0 {
		return New(), nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLength {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLength, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Sanitizer{patterns: compiled}, nil
}

// Sanitize returns a redacted copy of data. The input is never mutated.
func (s *Sanitizer) Sanitize(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for key, value := range data {
		out[key] = s.sanitizeValue(value)
	}
	return out
}

// SanitizeString applies every rule, in order, to a single string.
func (s *Sanitizer) SanitizeString(value string) string {
	for _, re := range s.patterns {
		value = re.ReplaceAllString(value, Redacted)
	}
	return value
}

func (s *Sanitizer) sanitizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return s.SanitizeString(v)
	case map[string]any:
		return s.Sanitize(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = s.SanitizeString(item)
		}
		return out
	default:
		return value
	}
}

// MetricComponent sanitizes a string for use as a metric name component.
// Slashes and spaces become dots and underscores so that operation
// methods ("tools/call") and tool names ("my tool") map to the same
// metric identity on every registration; any remaining character outside
// the instrument-name charset (letters, digits, "_", ".", "-") is
// replaced with an underscore so that URI-named operations like
// "file:///data.txt" still yield a valid instrument name.
func MetricComponent(s string) string {
	s = strings.ReplaceAll(s, "/", ".")
	s = strings.ReplaceAll(s, " ", "_")

	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '_' || r == '.' || r == '-' {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}
	return result.String()
}
