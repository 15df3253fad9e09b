package patterns

import (
	"regexp"
	"strings"
	"unicode"
)

// maskRule is one (pattern, placeholder) substitution applied during
// preprocessing. Rules are kept as data so the list is testable and
// extensible without touching the extractor.
type maskRule struct {
	re          *regexp.Regexp
	replacement string
}

// maskRules recognize common variable substrings and replace them with fixed
// placeholder tokens before tokenization. Specific shapes (IPs, UUIDs,
// timestamps) are masked before the bare-number rule so it cannot swallow
// their digits first.
var maskRules = []maskRule{
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "<IP>"},
	{regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), "<UUID>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`), "<HEX>"},
	{regexp.MustCompile(`https?://\S+`), "<URL>"},
	{regexp.MustCompile(`(?:/[a-zA-Z0-9_\-.]+)+`), "<PATH>"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "<EMAIL>"},
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`), "<TIMESTAMP>"},
	{regexp.MustCompile(`0x[0-9a-fA-F]+`), "<ADDR>"},
	{regexp.MustCompile(`\b\d+\.?\d*\b`), "<NUM>"},
}

var tokenSplit = regexp.MustCompile(`[\s=:,\[\]\(\)\{\}]+`)

// preprocess masks recognizable variable substrings with placeholder tokens.
func preprocess(line string) string {
	for _, rule := range maskRules {
		line = rule.re.ReplaceAllString(line, rule.replacement)
	}
	return line
}

// tokenize splits a line on whitespace and common delimiters, dropping empty
// tokens.
func tokenize(line string) []string {
	parts := tokenSplit.Split(line, -1)
	tokens := parts[:0]
	for _, t := range parts {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// isVariable reports whether a token looks variable-like: already a
// placeholder, contains a digit, or is implausibly long for a literal word.
func isVariable(token string) bool {
	if strings.HasPrefix(token, "<") && strings.HasSuffix(token, ">") {
		return true
	}
	for _, r := range token {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return len(token) > 30
}
