package state

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MinQueryLength = 10
	MaxQueryLength = 2000

	DefaultMaxSubagents  = 3
	MinMaxSubagents      = 1
	MaxMaxSubagents      = 5
	DefaultMaxIterations = 5
	MinMaxIterations     = 2
	MaxMaxIterations     = 10
)

var unsafeQueryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed)\b`),
	regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:`),
	regexp.MustCompile(`(?i)\bdata\s*:\s*[a-z]+/[a-z0-9.+-]+\s*[;,]`),
	regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`),
}

// ValidateQuery returns the trimmed query or a validation error.
func ValidateQuery(query string) (string, error) {
	q := strings.TrimSpace(query)
	n := utf8.RuneCountInString(q)
	if n < MinQueryLength {
		return "", NewValidationError("query", "query must be at least %d characters, got %d", MinQueryLength, n)
	}
	if n > MaxQueryLength {
		return "", NewValidationError("query", "query must be at most %d characters, got %d", MaxQueryLength, n)
	}
	for _, re := range unsafeQueryPatterns {
		if re.MatchString(q) {
			return "", NewValidationError("query", "query contains disallowed markup or URI scheme")
		}
	}
	if !strings.ContainsFunc(q, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' }) {
		return "", NewValidationError("query", "query must contain at least one word character")
	}
	return q, nil
}

// NormalizeConfig applies defaults to zero fields and checks ranges.
func NormalizeConfig(cfg Config) (Config, error) {
	if cfg.MaxSubagents == 0 {
		cfg.MaxSubagents = DefaultMaxSubagents
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxSubagents < MinMaxSubagents || cfg.MaxSubagents > MaxMaxSubagents {
		return cfg, NewValidationError("max_subagents", "max_subagents must be between %d and %d, got %d", MinMaxSubagents, MaxMaxSubagents, cfg.MaxSubagents)
	}
	if cfg.MaxIterations < MinMaxIterations || cfg.MaxIterations > MaxMaxIterations {
		return cfg, NewValidationError("max_iterations", "max_iterations must be between %d and %d, got %d", MinMaxIterations, MaxMaxIterations, cfg.MaxIterations)
	}
	return cfg, nil
}
