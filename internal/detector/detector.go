package detector

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ollystack/loganomaly/internal/frequency"
	"github.com/ollystack/loganomaly/internal/models"
	"github.com/ollystack/loganomaly/internal/patterns"
	"github.com/ollystack/loganomaly/internal/sequence"
)

// maxAnomalyMessage bounds the raw line carried inside an anomaly record.
const maxAnomalyMessage = 500

// Config controls scoring thresholds and which detection families run, and
// carries the sub-analyzer configurations.
type Config struct {
	RarePatternThreshold int     `yaml:"rarePatternThreshold"`
	NewPatternScore      float64 `yaml:"newPatternScore"`
	ErrorPatternScore    float64 `yaml:"errorPatternScore"`

	EnablePatternDetection   bool `yaml:"enablePatternDetection"`
	EnableFrequencyDetection bool `yaml:"enableFrequencyDetection"`
	EnableSequenceDetection  bool `yaml:"enableSequenceDetection"`
	EnableContentDetection   bool `yaml:"enableContentDetection"`

	Patterns  patterns.Config  `yaml:"patterns"`
	Frequency frequency.Config `yaml:"frequency"`
	Sequence  sequence.Config  `yaml:"sequence"`
}

// DefaultConfig returns the documented detector defaults with every
// detection family enabled.
func DefaultConfig() Config {
	return Config{
		RarePatternThreshold:     5,
		NewPatternScore:          0.6,
		ErrorPatternScore:        0.8,
		EnablePatternDetection:   true,
		EnableFrequencyDetection: true,
		EnableSequenceDetection:  true,
		EnableContentDetection:   true,
		Patterns:                 patterns.DefaultConfig(),
		Frequency:                frequency.DefaultConfig(),
		Sequence:                 sequence.DefaultConfig(),
	}
}

// Validate rejects configurations with unusable thresholds, delegating
// sub-analyzer checks to their own validators.
func (c Config) Validate() error {
	if c.RarePatternThreshold <= 0 {
		return fmt.Errorf("rare pattern threshold must be positive, got %d", c.RarePatternThreshold)
	}
	if c.NewPatternScore <= 0 || c.NewPatternScore > 1 {
		return fmt.Errorf("new pattern score must be in (0,1], got %g", c.NewPatternScore)
	}
	if c.ErrorPatternScore <= 0 || c.ErrorPatternScore > 1 {
		return fmt.Errorf("error pattern score must be in (0,1], got %g", c.ErrorPatternScore)
	}
	if err := c.Patterns.Validate(); err != nil {
		return fmt.Errorf("patterns: %w", err)
	}
	if err := c.Frequency.Validate(); err != nil {
		return fmt.Errorf("frequency: %w", err)
	}
	if err := c.Sequence.Validate(); err != nil {
		return fmt.Errorf("sequence: %w", err)
	}
	return nil
}

// Statistics reports cumulative detection counters plus the extractor's
// registry statistics.
type Statistics struct {
	TotalLogsAnalyzed      int                 `json:"total_logs_analyzed"`
	TotalAnomaliesDetected int                 `json:"total_anomalies_detected"`
	AnomalyRate            float64             `json:"anomaly_rate"`
	PatternStats           patterns.Statistics `json:"pattern_stats"`
}

// ErrorPattern is a pattern export annotated with its error occurrence count.
type ErrorPattern struct {
	models.PatternExport
	ErrorCount int `json:"error_count"`
}

// Detector orchestrates pattern extraction, frequency analysis, sequence
// analysis and content rules for one service. Not safe for concurrent use;
// the service layer serializes access per instance.
type Detector struct {
	serviceName string
	cfg         Config
	logger      *slog.Logger

	extractor *patterns.Extractor
	frequency *frequency.Analyzer
	sequence  *sequence.Analyzer

	totalLogs      int
	totalAnomalies int
}

// New constructs a Detector for one service, failing fast on invalid
// configuration.
func New(serviceName string, cfg Config, logger *slog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if serviceName == "" {
		serviceName = models.DefaultService
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", serviceName)

	extractor, err := patterns.New(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	freq, err := frequency.New(cfg.Frequency, logger)
	if err != nil {
		return nil, err
	}
	seq, err := sequence.New(cfg.Sequence, logger)
	if err != nil {
		return nil, err
	}

	return &Detector{
		serviceName: serviceName,
		cfg:         cfg,
		logger:      logger,
		extractor:   extractor,
		frequency:   freq,
		sequence:    seq,
	}, nil
}

// ServiceName returns the service this detector instance serves.
func (d *Detector) ServiceName() string {
	return d.serviceName
}

// Analyze runs every enabled detection family against a single log record
// and returns the anomalies it triggers.
func (d *Detector) Analyze(rec models.LogRecord) []models.LogAnomaly {
	rec = rec.Normalize(time.Now().UTC())
	d.totalLogs++

	var anomalies []models.LogAnomaly

	pattern, isNew := d.extractor.Parse(rec.Message, rec.Severity)

	if d.cfg.EnablePatternDetection {
		anomalies = append(anomalies, d.detectPatternAnomalies(rec, pattern, isNew)...)
	}

	if d.cfg.EnableFrequencyDetection {
		if freqAnomaly := d.frequency.RecordOccurrence(pattern.ID, rec.Timestamp, pattern.Template()); freqAnomaly != nil {
			anomalies = append(anomalies, d.convertFrequencyAnomaly(*freqAnomaly, rec.Message, rec.Severity))
		}
	}

	if d.cfg.EnableSequenceDetection {
		for _, seqAnomaly := range d.sequence.RecordEvent(pattern.ID, rec.Timestamp, rec.SessionID) {
			anomalies = append(anomalies, d.convertSequenceAnomaly(seqAnomaly, rec.Message, pattern, rec.Severity))
		}
	}

	if d.cfg.EnableContentDetection {
		if contentAnomaly := d.detectSensitiveData(rec, pattern); contentAnomaly != nil {
			anomalies = append(anomalies, *contentAnomaly)
		}
	}

	d.totalAnomalies += len(anomalies)
	return anomalies
}

// AnalyzeBatch analyzes records in order, then checks once whether any
// established top pattern went missing from the window. Results are sorted
// by descending score.
func (d *Detector) AnalyzeBatch(records []models.LogRecord) models.DetectionResult {
	allAnomalies := make([]models.LogAnomaly, 0)
	newPatterns := 0

	for _, rec := range records {
		anomalies := d.Analyze(rec)
		allAnomalies = append(allAnomalies, anomalies...)
		for _, a := range anomalies {
			if a.Type == models.AnomalyNewPattern {
				newPatterns++
				break
			}
		}
	}

	if d.cfg.EnableFrequencyDetection {
		var established []string
		for _, p := range d.extractor.TopPatterns(10) {
			if p.Count > 100 {
				established = append(established, p.ID)
			}
		}
		missing := d.frequency.CheckMissingPatterns(established, 0)
		for _, freqAnomaly := range missing {
			allAnomalies = append(allAnomalies, d.convertFrequencyAnomaly(freqAnomaly, "", models.DefaultSeverity))
		}
		d.totalAnomalies += len(missing)
	}

	sort.SliceStable(allAnomalies, func(i, j int) bool {
		return allAnomalies[i].Score > allAnomalies[j].Score
	})

	return models.DetectionResult{
		Anomalies:        allAnomalies,
		PatternsAnalyzed: len(records),
		NewPatternsCount: newPatterns,
		Summary:          summarize(allAnomalies, newPatterns),
	}
}

// Statistics reports cumulative detection counters.
func (d *Detector) Statistics() Statistics {
	rate := 0.0
	if d.totalLogs > 0 {
		rate = float64(d.totalAnomalies) / float64(d.totalLogs)
	}
	return Statistics{
		TotalLogsAnalyzed:      d.totalLogs,
		TotalAnomaliesDetected: d.totalAnomalies,
		AnomalyRate:            rate,
		PatternStats:           d.extractor.Statistics(),
	}
}

// TopPatterns returns the n most frequent patterns as exports.
func (d *Detector) TopPatterns(n int) []models.PatternExport {
	return exportPatterns(d.extractor.TopPatterns(n))
}

// RarePatterns returns patterns seen at most threshold times.
func (d *Detector) RarePatterns(threshold int) []models.PatternExport {
	if threshold <= 0 {
		threshold = d.cfg.RarePatternThreshold
	}
	return exportPatterns(d.extractor.RarePatterns(threshold))
}

// NewPatterns returns patterns first seen within the last hours.
func (d *Detector) NewPatterns(hours int) []models.PatternExport {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	return exportPatterns(d.extractor.NewPatterns(since))
}

// ErrorPatterns returns patterns with at least one error-severity
// occurrence, most error-prone first.
func (d *Detector) ErrorPatterns() []ErrorPattern {
	out := make([]ErrorPattern, 0)
	for _, p := range d.extractor.AllPatterns() {
		errors := p.SeverityDistribution["ERROR"] +
			p.SeverityDistribution["FATAL"] +
			p.SeverityDistribution["CRITICAL"]
		if errors == 0 {
			continue
		}
		out = append(out, ErrorPattern{
			PatternExport: exportPattern(p),
			ErrorCount:    errors,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ErrorCount > out[j].ErrorCount })
	return out
}

// FrequencyStats reports recent occurrence statistics for one pattern.
func (d *Detector) FrequencyStats(patternID string, windowMinutes int) frequency.Stats {
	return d.frequency.FrequencyStats(patternID, windowMinutes)
}

// UpdateBaselines rebuilds the frequency baseline of every known pattern.
func (d *Detector) UpdateBaselines() int {
	all := d.extractor.AllPatterns()
	for _, p := range all {
		d.frequency.UpdateBaseline(p.ID)
	}
	d.logger.Info("frequency baselines updated", "patterns", len(all))
	return len(all)
}

// AddSequenceRule registers a state-machine rule by pattern template. It
// reports whether the triggering template resolved to a known pattern.
func (d *Detector) AddSequenceRule(fromTemplate string, validNextTemplates []string) bool {
	fromID := ""
	var validIDs []string
	for _, p := range d.extractor.AllPatterns() {
		template := p.Template()
		if template == fromTemplate {
			fromID = p.ID
		}
		for _, valid := range validNextTemplates {
			if template == valid {
				validIDs = append(validIDs, p.ID)
				break
			}
		}
	}
	if fromID == "" {
		return false
	}
	d.sequence.AddStateRule(fromID, validIDs)
	return true
}

// AddExpectedFollowup registers a follow-up expectation by pattern template.
func (d *Detector) AddExpectedFollowup(fromTemplate string, followupTemplates []string) bool {
	fromID := ""
	var followupIDs []string
	for _, p := range d.extractor.AllPatterns() {
		template := p.Template()
		if template == fromTemplate {
			fromID = p.ID
		}
		for _, followup := range followupTemplates {
			if template == followup {
				followupIDs = append(followupIDs, p.ID)
				break
			}
		}
	}
	if fromID == "" {
		return false
	}
	d.sequence.AddExpectedFollowup(fromID, followupIDs)
	return true
}

// TransitionMatrix exposes the sequence model's probability matrix.
func (d *Detector) TransitionMatrix() map[string]map[string]float64 {
	return d.sequence.TransitionMatrix()
}

// LikelyNext predicts the most probable successors of a pattern.
func (d *Detector) LikelyNext(patternID string, topK int) []sequence.Prediction {
	if topK <= 0 {
		topK = 5
	}
	return d.sequence.LikelyNext(patternID, topK)
}

// AnalyzeSession reports on one session's retained event history.
func (d *Detector) AnalyzeSession(sessionID string) sequence.SessionReport {
	return d.sequence.AnalyzeSession(sessionID)
}

// ResetSequenceModels clears the global transition and n-gram tables.
func (d *Detector) ResetSequenceModels() {
	d.sequence.Reset()
}

// ExportPatterns serialises the pattern registry for persistence.
func (d *Detector) ExportPatterns() []models.PatternExport {
	return d.extractor.Export()
}

// ImportPatterns rebuilds patterns from a prior export.
func (d *Detector) ImportPatterns(exports []models.PatternExport) {
	d.extractor.Import(exports)
}

func (d *Detector) detectPatternAnomalies(rec models.LogRecord, pattern *patterns.Pattern, isNew bool) []models.LogAnomaly {
	var anomalies []models.LogAnomaly
	template := pattern.Template()

	if isNew {
		isError := isErrorLog(rec.Message, rec.Severity)
		score := d.cfg.NewPatternScore
		if isError {
			score = d.cfg.ErrorPatternScore
		}
		anomalies = append(anomalies, models.LogAnomaly{
			AnomalyID:       d.anomalyID(pattern.ID, rec.Timestamp),
			Type:            models.AnomalyNewPattern,
			Timestamp:       rec.Timestamp,
			ServiceName:     d.serviceName,
			LogMessage:      truncate(rec.Message, maxAnomalyMessage),
			PatternID:       pattern.ID,
			PatternTemplate: template,
			Score:           score,
			Severity:        rec.Severity,
			Description:     fmt.Sprintf("New log pattern detected: %s", truncate(template, 100)),
			Details:         map[string]any{"is_error_pattern": isError},
		})
	} else if pattern.Count <= d.cfg.RarePatternThreshold {
		anomalies = append(anomalies, models.LogAnomaly{
			AnomalyID:       d.anomalyID(pattern.ID, rec.Timestamp),
			Type:            models.AnomalyRarePattern,
			Timestamp:       rec.Timestamp,
			ServiceName:     d.serviceName,
			LogMessage:      truncate(rec.Message, maxAnomalyMessage),
			PatternID:       pattern.ID,
			PatternTemplate: template,
			Score:           0.5 * (1 - float64(pattern.Count)/float64(d.cfg.RarePatternThreshold)),
			Severity:        rec.Severity,
			Description:     fmt.Sprintf("Rare pattern (seen %d times): %s", pattern.Count, truncate(template, 100)),
			Details:         map[string]any{"occurrence_count": pattern.Count},
		})
	}

	if isErrorLog(rec.Message, rec.Severity) {
		ratio := errorRatio(pattern)
		if ratio > 0.5 && pattern.Count > 10 {
			anomalies = append(anomalies, models.LogAnomaly{
				AnomalyID:       d.anomalyID(pattern.ID, rec.Timestamp),
				Type:            models.AnomalyErrorPattern,
				Timestamp:       rec.Timestamp,
				ServiceName:     d.serviceName,
				LogMessage:      truncate(rec.Message, maxAnomalyMessage),
				PatternID:       pattern.ID,
				PatternTemplate: template,
				Score:           math.Min(ratio, 1.0),
				Severity:        rec.Severity,
				Description:     fmt.Sprintf("Error-prone pattern (%.0f%% errors): %s", ratio*100, truncate(template, 100)),
				Details:         map[string]any{"error_ratio": ratio, "total_count": pattern.Count},
			})
		}
	}
	return anomalies
}

func (d *Detector) detectSensitiveData(rec models.LogRecord, pattern *patterns.Pattern) *models.LogAnomaly {
	for _, rule := range sensitiveRules {
		if !rule.re.MatchString(rec.Message) {
			continue
		}
		// One sensitive-data anomaly per line, first rule wins.
		return &models.LogAnomaly{
			AnomalyID:       d.anomalyID("sensitive_"+rule.dataType, rec.Timestamp),
			Type:            models.AnomalySensitiveData,
			Timestamp:       rec.Timestamp,
			ServiceName:     d.serviceName,
			LogMessage:      truncate(rec.Message, maxAnomalyMessage),
			PatternID:       pattern.ID,
			PatternTemplate: pattern.Template(),
			Score:           1.0,
			Severity:        "CRITICAL",
			Description:     fmt.Sprintf("Sensitive data detected in logs: %s", rule.dataType),
			Details:         map[string]any{"data_type": rule.dataType},
		}
	}
	return nil
}

func (d *Detector) convertFrequencyAnomaly(fa frequency.Anomaly, message, severity string) models.LogAnomaly {
	var typ models.AnomalyType
	switch fa.Type {
	case frequency.AnomalyDrop:
		typ = models.AnomalyFrequencyDrop
	case frequency.AnomalyBurst:
		typ = models.AnomalyBurst
	case frequency.AnomalyMissing:
		typ = models.AnomalyMissingPattern
	default:
		// Spike, trend-change and unusual-timing all surface as spikes.
		typ = models.AnomalyFrequencySpike
	}

	details := map[string]any{
		"observed_count":  fa.ObservedCount,
		"expected_count":  fa.ExpectedCount,
		"deviation_sigma": fa.DeviationSigma,
	}
	for k, v := range fa.Context {
		details[k] = v
	}

	return models.LogAnomaly{
		AnomalyID:       d.anomalyID(fa.PatternID, fa.Timestamp),
		Type:            typ,
		Timestamp:       fa.Timestamp,
		ServiceName:     d.serviceName,
		LogMessage:      truncate(message, maxAnomalyMessage),
		PatternID:       fa.PatternID,
		PatternTemplate: fa.PatternTemplate,
		Score:           fa.Score,
		Severity:        severity,
		Description:     fa.Description,
		Details:         details,
	}
}

func (d *Detector) convertSequenceAnomaly(sa sequence.Anomaly, message string, pattern *patterns.Pattern, severity string) models.LogAnomaly {
	var typ models.AnomalyType
	switch sa.Type {
	case sequence.AnomalyMissingFollowup:
		typ = models.AnomalyMissingFollowup
	case sequence.AnomalyStateViolation:
		typ = models.AnomalyStateViolation
	default:
		// Unexpected transitions, gaps, out-of-order n-grams and loops all
		// surface as unexpected sequences.
		typ = models.AnomalyUnexpectedSequence
	}

	details := map[string]any{
		"sequence":      sa.Sequence,
		"expected_next": sa.ExpectedNext,
		"actual_next":   sa.ActualNext,
		"probability":   sa.Probability,
	}
	for k, v := range sa.Context {
		details[k] = v
	}

	return models.LogAnomaly{
		AnomalyID:       d.anomalyID(pattern.ID, sa.Timestamp),
		Type:            typ,
		Timestamp:       sa.Timestamp,
		ServiceName:     d.serviceName,
		LogMessage:      truncate(message, maxAnomalyMessage),
		PatternID:       pattern.ID,
		PatternTemplate: pattern.Template(),
		Score:           sa.Score,
		Severity:        severity,
		Description:     sa.Description,
		Details:         details,
	}
}

// anomalyID derives a deterministic identifier from the pattern, the
// timestamp and a running counter, so re-processing the same stream yields
// recognizable IDs.
func (d *Detector) anomalyID(base string, ts time.Time) string {
	data := fmt.Sprintf("%s:%s:%d", base, ts.Format(time.RFC3339Nano), d.totalAnomalies)
	return fmt.Sprintf("%016x", xxhash.Sum64String(data))[:12]
}

func summarize(anomalies []models.LogAnomaly, newPatterns int) string {
	if len(anomalies) == 0 {
		return "No anomalies detected"
	}

	typeCounts := make(map[models.AnomalyType]int)
	for _, a := range anomalies {
		typeCounts[a.Type]++
	}
	parts := make([]string, 0, len(typeCounts))
	for _, typ := range models.AnomalyTypes() {
		if count := typeCounts[typ]; count > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", count, typ))
		}
	}

	summary := fmt.Sprintf("Detected %d anomalies: %s", len(anomalies), strings.Join(parts, ", "))
	if newPatterns > 0 {
		summary += fmt.Sprintf(". %d new patterns discovered.", newPatterns)
	}

	critical := 0
	for _, a := range anomalies {
		if a.Score > 0.8 {
			critical++
		}
	}
	if critical > 0 {
		summary += fmt.Sprintf(" %d high-severity anomalies require attention.", critical)
	}
	return summary
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func exportPattern(p *patterns.Pattern) models.PatternExport {
	severities := make(map[string]int, len(p.SeverityDistribution))
	for sev, n := range p.SeverityDistribution {
		severities[sev] = n
	}
	return models.PatternExport{
		PatternID:            p.ID,
		Template:             p.Template(),
		Count:                p.Count,
		FirstSeen:            p.FirstSeen,
		LastSeen:             p.LastSeen,
		SampleLogs:           append([]string(nil), p.SampleLogs...),
		SeverityDistribution: severities,
	}
}

func exportPatterns(list []*patterns.Pattern) []models.PatternExport {
	out := make([]models.PatternExport, 0, len(list))
	for _, p := range list {
		out = append(out, exportPattern(p))
	}
	return out
}
