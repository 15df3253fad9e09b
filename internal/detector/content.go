package detector

import (
	"regexp"
	"strings"

	"github.com/ollystack/loganomaly/internal/patterns"
)

// sensitiveRule matches one category of credential or personal data leaked
// into log lines.
type sensitiveRule struct {
	re       *regexp.Regexp
	dataType string
}

// sensitiveRules are scanned in order against the raw line; only the first
// match is reported per line.
var sensitiveRules = []sensitiveRule{
	{regexp.MustCompile(`(?i)password[=:]\s*\S+`), "password"},
	{regexp.MustCompile(`(?i)api[_-]?key[=:]\s*\S+`), "api_key"},
	{regexp.MustCompile(`(?i)secret[=:]\s*\S+`), "secret"},
	{regexp.MustCompile(`(?i)token[=:]\s*[a-zA-Z0-9_\-]+`), "token"},
	{regexp.MustCompile(`(?i)authorization:\s*bearer\s+\S+`), "auth_token"},
	{regexp.MustCompile(`\b\d{16}\b`), "credit_card"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "ssn"},
	{regexp.MustCompile(`(?i)private[_-]?key`), "private_key"},
}

// errorKeywords mark a line as error-like regardless of its severity label.
var errorKeywords = []string{
	"error", "exception", "fail", "fatal", "critical",
	"panic", "crash", "abort", "timeout", "refused",
	"denied", "unauthorized", "forbidden", "invalid",
}

// errorSeverities are the labels treated as errors for both the error-log
// heuristic and the per-pattern error ratio.
var errorSeverities = []string{"ERROR", "FATAL", "CRITICAL", "SEVERE"}

// isErrorLog reports whether a line looks like an error, by severity label
// or by keyword.
func isErrorLog(message, severity string) bool {
	upper := strings.ToUpper(severity)
	for _, sev := range errorSeverities {
		if upper == sev {
			return true
		}
	}
	lower := strings.ToLower(message)
	for _, keyword := range errorKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// errorRatio is the fraction of a pattern's occurrences recorded under an
// error severity.
func errorRatio(p *patterns.Pattern) float64 {
	total := 0
	for _, n := range p.SeverityDistribution {
		total += n
	}
	if total == 0 {
		return 0
	}
	errors := 0
	for _, sev := range errorSeverities {
		errors += p.SeverityDistribution[sev]
	}
	return float64(errors) / float64(total)
}
