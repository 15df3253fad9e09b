package patterns

import (
	"sort"
	"strings"

	"github.com/ollystack/loganomaly/internal/models"
)

// Export serialises every registered pattern for cross-process persistence.
// Output is sorted by pattern ID so snapshots are deterministic.
func (e *Extractor) Export() []models.PatternExport {
	out := make([]models.PatternExport, 0, len(e.registry))
	for _, p := range e.registry {
		severities := make(map[string]int, len(p.SeverityDistribution))
		for sev, n := range p.SeverityDistribution {
			severities[sev] = n
		}
		out = append(out, models.PatternExport{
			PatternID:            p.ID,
			Template:             p.Template(),
			Count:                p.Count,
			FirstSeen:            p.FirstSeen,
			LastSeen:             p.LastSeen,
			SampleLogs:           append([]string(nil), p.SampleLogs...),
			SeverityDistribution: severities,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatternID < out[j].PatternID })
	return out
}

// Import rebuilds patterns and their tree placement from an export. Imported
// patterns descend the tree with the same wildcard substitution rules as
// Parse, so previously-seen lines resolve to the same pattern after a
// round-trip. Counts contribute to total-log statistics so compression
// ratios survive the round-trip as well.
func (e *Extractor) Import(exports []models.PatternExport) {
	for _, exp := range exports {
		if exp.Template == "" {
			continue
		}
		if _, exists := e.registry[exp.PatternID]; exists {
			continue
		}

		tokens := strings.Fields(exp.Template)
		p := &Pattern{
			ID:                   exp.PatternID,
			Tokens:               tokens,
			Count:                exp.Count,
			FirstSeen:            exp.FirstSeen,
			LastSeen:             exp.LastSeen,
			SampleLogs:           append([]string(nil), exp.SampleLogs...),
			SeverityDistribution: make(map[string]int, len(exp.SeverityDistribution)),
		}
		for sev, n := range exp.SeverityDistribution {
			p.SeverityDistribution[sev] = n
		}

		leaf := e.descend(tokens)
		leaf.patterns = append(leaf.patterns, p)
		e.registry[p.ID] = p
		e.totalLogs += p.Count
	}
}
