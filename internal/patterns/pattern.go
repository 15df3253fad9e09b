package patterns

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Wildcard marks a variable position inside a template.
const Wildcard = "<*>"

// emptyToken is the sentinel token assigned to unparseable or empty lines.
const emptyToken = "<EMPTY>"

// maxSampleLogs bounds the raw lines retained per pattern.
const maxSampleLogs = 5

// Pattern is a generalized log template: literal tokens fixed, variable
// positions replaced by the wildcard marker. Owned exclusively by the
// Extractor; other components reference patterns by ID only.
type Pattern struct {
	ID                   string
	Tokens               []string
	Count                int
	FirstSeen            time.Time
	LastSeen             time.Time
	SampleLogs           []string
	SeverityDistribution map[string]int
}

// Template renders the space-joined token form of the pattern.
func (p *Pattern) Template() string {
	return strings.Join(p.Tokens, " ")
}

// update records one matching raw line against the pattern.
func (p *Pattern) update(raw, severity string, now time.Time) {
	p.Count++
	p.LastSeen = now
	if len(p.SampleLogs) < maxSampleLogs {
		p.SampleLogs = append(p.SampleLogs, raw)
	}
	p.SeverityDistribution[severity]++
}

// patternID derives the stable identifier from the creation-time token
// sequence. Later generalization mutates tokens but never the ID.
func patternID(tokens []string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(strings.Join(tokens, " ")))
}

func newPattern(tokens []string, now time.Time) *Pattern {
	copied := append([]string(nil), tokens...)
	return &Pattern{
		ID:                   patternID(copied),
		Tokens:               copied,
		FirstSeen:            now,
		LastSeen:             now,
		SeverityDistribution: make(map[string]int),
	}
}

// node is one level of the parse tree. The tree is keyed first by token
// count, then by up to Depth leading tokens; leaves carry pattern clusters.
type node struct {
	children map[string]*node
	patterns []*Pattern
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}
