package models

import "time"

// AnomalyType enumerates the closed taxonomy of detector outputs.
type AnomalyType string

const (
	// Pattern-based.
	AnomalyNewPattern   AnomalyType = "new_pattern"
	AnomalyRarePattern  AnomalyType = "rare_pattern"
	AnomalyErrorPattern AnomalyType = "error_pattern"

	// Frequency-based.
	AnomalyFrequencySpike AnomalyType = "frequency_spike"
	AnomalyFrequencyDrop  AnomalyType = "frequency_drop"
	AnomalyBurst          AnomalyType = "burst"
	AnomalyMissingPattern AnomalyType = "missing_pattern"

	// Sequence-based.
	AnomalyUnexpectedSequence AnomalyType = "unexpected_sequence"
	AnomalyMissingFollowup    AnomalyType = "missing_followup"
	AnomalyStateViolation     AnomalyType = "state_violation"

	// Content-based.
	AnomalySensitiveData  AnomalyType = "sensitive_data"
	AnomalyUnusualContent AnomalyType = "unusual_content"
)

// AnomalyTypes returns the full taxonomy in declaration order.
func AnomalyTypes() []AnomalyType {
	return []AnomalyType{
		AnomalyNewPattern,
		AnomalyRarePattern,
		AnomalyErrorPattern,
		AnomalyFrequencySpike,
		AnomalyFrequencyDrop,
		AnomalyBurst,
		AnomalyMissingPattern,
		AnomalyUnexpectedSequence,
		AnomalyMissingFollowup,
		AnomalyStateViolation,
		AnomalySensitiveData,
		AnomalyUnusualContent,
	}
}

// LogAnomaly is the unified detection output. Immutable once constructed.
type LogAnomaly struct {
	AnomalyID       string         `json:"anomaly_id"`
	Type            AnomalyType    `json:"anomaly_type"`
	Timestamp       time.Time      `json:"timestamp"`
	ServiceName     string         `json:"service_name"`
	LogMessage      string         `json:"log_message"`
	PatternID       string         `json:"pattern_id,omitempty"`
	PatternTemplate string         `json:"pattern_template,omitempty"`
	Score           float64        `json:"score"`
	Severity        string         `json:"severity"`
	Description     string         `json:"description"`
	Details         map[string]any `json:"details,omitempty"`
}

// DetectionResult aggregates the outcome of a batch analysis.
type DetectionResult struct {
	Anomalies        []LogAnomaly `json:"anomalies"`
	PatternsAnalyzed int          `json:"patterns_analyzed"`
	NewPatternsCount int          `json:"new_patterns_count"`
	Summary          string       `json:"summary"`
}
