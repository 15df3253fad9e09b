package models

import "time"

// PatternExport is the persistence form of a mined log pattern, suitable for
// cross-process snapshot and later import into a fresh extractor.
type PatternExport struct {
	PatternID            string         `json:"pattern_id"`
	Template             string         `json:"template"`
	Count                int            `json:"count"`
	FirstSeen            time.Time      `json:"first_seen"`
	LastSeen             time.Time      `json:"last_seen"`
	SampleLogs           []string       `json:"sample_logs,omitempty"`
	SeverityDistribution map[string]int `json:"severity_distribution,omitempty"`
}
