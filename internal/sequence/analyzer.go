package sequence

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
)

// AnomalyType classifies a sequence anomaly.
type AnomalyType string

const (
	AnomalyUnexpectedTransition AnomalyType = "unexpected_transition"
	AnomalyMissingFollowup      AnomalyType = "missing_followup"
	AnomalyOutOfOrder           AnomalyType = "out_of_order"
	AnomalyUnusualGap           AnomalyType = "unusual_gap"
	AnomalyLoopDetected         AnomalyType = "loop_detected" // reserved, not emitted
	AnomalyStateViolation       AnomalyType = "state_violation"
)

// Anomaly is one detected sequence deviation.
type Anomaly struct {
	Type         AnomalyType    `json:"anomaly_type"`
	Timestamp    time.Time      `json:"timestamp"`
	Sequence     []string       `json:"sequence"`
	ExpectedNext string         `json:"expected_next,omitempty"`
	ActualNext   string         `json:"actual_next,omitempty"`
	Probability  float64        `json:"probability"`
	Score        float64        `json:"score"`
	Description  string         `json:"description"`
	Context      map[string]any `json:"context,omitempty"`
}

// Prediction pairs a candidate next pattern with its empirical probability.
type Prediction struct {
	PatternID   string  `json:"pattern_id"`
	Probability float64 `json:"probability"`
}

// SessionReport summarises a session's observed event sequence.
type SessionReport struct {
	EventCount          int      `json:"event_count"`
	UniquePatterns      int      `json:"unique_patterns"`
	SequenceProbability float64  `json:"sequence_probability"`
	DurationSeconds     float64  `json:"duration_seconds"`
	MeanGapSeconds      float64  `json:"mean_gap_seconds"`
	Patterns            []string `json:"patterns,omitempty"`
}

// Config controls session windowing and detection thresholds.
type Config struct {
	SequenceWindowSeconds   int     `yaml:"sequenceWindowSeconds"`
	NgramSize               int     `yaml:"ngramSize"`
	MinTransitionCount      int     `yaml:"minTransitionCount"`
	LowProbabilityThreshold float64 `yaml:"lowProbabilityThreshold"`
	GapAnomalySigma         float64 `yaml:"gapAnomalySigma"`
}

// DefaultConfig returns the documented analyzer defaults.
func DefaultConfig() Config {
	return Config{
		SequenceWindowSeconds:   60,
		NgramSize:               3,
		MinTransitionCount:      10,
		LowProbabilityThreshold: 0.01,
		GapAnomalySigma:         3.0,
	}
}

// Validate rejects configurations that would break windowing or scoring.
func (c Config) Validate() error {
	if c.SequenceWindowSeconds <= 0 {
		return fmt.Errorf("sequence window seconds must be positive, got %d", c.SequenceWindowSeconds)
	}
	if c.NgramSize < 2 {
		return fmt.Errorf("ngram size must be at least 2, got %d", c.NgramSize)
	}
	if c.MinTransitionCount <= 0 {
		return fmt.Errorf("min transition count must be positive, got %d", c.MinTransitionCount)
	}
	if c.LowProbabilityThreshold <= 0 || c.LowProbabilityThreshold >= 1 {
		return fmt.Errorf("low probability threshold must be in (0,1), got %g", c.LowProbabilityThreshold)
	}
	if c.GapAnomalySigma <= 0 {
		return fmt.Errorf("gap anomaly sigma must be positive, got %g", c.GapAnomalySigma)
	}
	return nil
}

const (
	// gapMinSamples is the minimum transition count before gap z-scoring.
	gapMinSamples = 10
	// followupGraceSeconds is how long a follow-up may lag before it counts
	// as missing.
	followupGraceSeconds = 30
	// ngramBaselineVolume is the corpus size below which n-gram novelty is
	// not judged.
	ngramBaselineVolume = 1000
	// ngramSep joins pattern IDs into map keys; IDs are hex so the unit
	// separator can never collide.
	ngramSep = "\x1f"
)

type event struct {
	ts        time.Time
	patternID string
}

// Analyzer builds a Markov-style transition model plus an n-gram novelty
// model over per-session event streams and flags implausible orderings.
// Not safe for concurrent use; callers serialize access.
type Analyzer struct {
	cfg    Config
	logger *slog.Logger

	transitions      map[string]map[string]*TransitionStats
	transitionTotals map[string]int

	ngramCounts map[string]int
	ngramTotal  int

	sessions map[string][]event

	expectedFollowups map[string][]string
	stateRules        map[string]map[string]struct{}
}

// New constructs an Analyzer, failing fast on invalid configuration.
func New(cfg Config, logger *slog.Logger) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		cfg:               cfg,
		logger:            logger,
		transitions:       make(map[string]map[string]*TransitionStats),
		transitionTotals:  make(map[string]int),
		ngramCounts:       make(map[string]int),
		sessions:          make(map[string][]event),
		expectedFollowups: make(map[string][]string),
		stateRules:        make(map[string]map[string]struct{}),
	}, nil
}

// RecordEvent appends an event to its session and returns every sequence
// anomaly it triggers. Checks are independent; none pre-empts another. A
// zero timestamp means "now".
func (a *Analyzer) RecordEvent(patternID string, ts time.Time, sessionID string) []Anomaly {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ts = ts.UTC()

	session := a.pruneSession(sessionID, ts)

	var anomalies []Anomaly
	if len(session) > 0 {
		last := session[len(session)-1]
		gapSeconds := ts.Sub(last.ts).Seconds()

		if gapSeconds <= float64(a.cfg.SequenceWindowSeconds) {
			if anomaly := a.checkTransition(last.patternID, patternID, gapSeconds, ts); anomaly != nil {
				anomalies = append(anomalies, *anomaly)
			}
			if anomaly := a.checkNgram(session, patternID, ts); anomaly != nil {
				anomalies = append(anomalies, *anomaly)
			}
			if anomaly := a.checkStateRules(last.patternID, patternID, ts); anomaly != nil {
				anomalies = append(anomalies, *anomaly)
			}
			a.updateTransition(last.patternID, patternID, gapSeconds)
		}

		if anomaly := a.checkMissingFollowup(last.patternID, patternID, gapSeconds, ts); anomaly != nil {
			anomalies = append(anomalies, *anomaly)
		}
	}

	session = append(session, event{ts: ts, patternID: patternID})
	a.sessions[sessionID] = session
	a.updateNgrams(session)

	return anomalies
}

// AddExpectedFollowup registers that fromPattern must eventually be followed
// by one of toPatterns within the grace period.
func (a *Analyzer) AddExpectedFollowup(fromPattern string, toPatterns []string) {
	a.expectedFollowups[fromPattern] = append([]string(nil), toPatterns...)
}

// AddStateRule registers an allow-list of valid successors for fromPattern.
// Any other successor is flagged at maximum score regardless of history.
func (a *Analyzer) AddStateRule(fromPattern string, validNext []string) {
	allowed := make(map[string]struct{}, len(validNext))
	for _, p := range validNext {
		allowed[p] = struct{}{}
	}
	a.stateRules[fromPattern] = allowed
}

// TransitionMatrix returns the empirical transition probability matrix.
func (a *Analyzer) TransitionMatrix() map[string]map[string]float64 {
	matrix := make(map[string]map[string]float64, len(a.transitions))
	for from, transitions := range a.transitions {
		total := a.transitionTotals[from]
		if total == 0 {
			continue
		}
		row := make(map[string]float64, len(transitions))
		for to, stats := range transitions {
			row[to] = float64(stats.Count) / float64(total)
		}
		matrix[from] = row
	}
	return matrix
}

// LikelyNext returns the top-k most probable successors of a pattern.
func (a *Analyzer) LikelyNext(patternID string, topK int) []Prediction {
	total := a.transitionTotals[patternID]
	if total == 0 {
		return nil
	}

	predictions := make([]Prediction, 0, len(a.transitions[patternID]))
	for to, stats := range a.transitions[patternID] {
		predictions = append(predictions, Prediction{
			PatternID:   to,
			Probability: float64(stats.Count) / float64(total),
		})
	}
	sort.Slice(predictions, func(i, j int) bool {
		if predictions[i].Probability != predictions[j].Probability {
			return predictions[i].Probability > predictions[j].Probability
		}
		return predictions[i].PatternID < predictions[j].PatternID
	})
	if len(predictions) > topK {
		predictions = predictions[:topK]
	}
	return predictions
}

// SequenceProbability multiplies the empirical probabilities along a pattern
// sequence. Unknown source patterns contribute 0.01, unseen transitions from
// known sources 0.001.
func (a *Analyzer) SequenceProbability(sequence []string) float64 {
	if len(sequence) < 2 {
		return 1.0
	}

	prob := 1.0
	for i := 0; i < len(sequence)-1; i++ {
		from, to := sequence[i], sequence[i+1]
		total := a.transitionTotals[from]
		if total == 0 {
			prob *= 0.01
			continue
		}
		if stats, ok := a.transitions[from][to]; ok {
			prob *= float64(stats.Count) / float64(total)
		} else {
			prob *= 0.001
		}
	}
	return prob
}

// AnalyzeSession reports on the retained event history of one session.
func (a *Analyzer) AnalyzeSession(sessionID string) SessionReport {
	session := a.sessions[sessionID]
	if len(session) == 0 {
		return SessionReport{}
	}

	patterns := make([]string, len(session))
	unique := make(map[string]struct{})
	for i, ev := range session {
		patterns[i] = ev.patternID
		unique[ev.patternID] = struct{}{}
	}

	var gapSum float64
	for i := 1; i < len(session); i++ {
		gapSum += session[i].ts.Sub(session[i-1].ts).Seconds()
	}
	meanGap := 0.0
	if len(session) > 1 {
		meanGap = gapSum / float64(len(session)-1)
	}

	return SessionReport{
		EventCount:          len(session),
		UniquePatterns:      len(unique),
		SequenceProbability: a.SequenceProbability(patterns),
		DurationSeconds:     session[len(session)-1].ts.Sub(session[0].ts).Seconds(),
		MeanGapSeconds:      meanGap,
		Patterns:            patterns,
	}
}

// Reset clears the global transition and n-gram tables, which otherwise grow
// without bound. Session histories and configured rules are kept.
func (a *Analyzer) Reset() {
	a.transitions = make(map[string]map[string]*TransitionStats)
	a.transitionTotals = make(map[string]int)
	a.ngramCounts = make(map[string]int)
	a.ngramTotal = 0
	a.logger.Info("sequence models reset")
}

// pruneSession drops events older than ten sequence windows and returns the
// surviving history.
func (a *Analyzer) pruneSession(sessionID string, now time.Time) []event {
	cutoff := now.Add(-time.Duration(a.cfg.SequenceWindowSeconds*10) * time.Second)
	session := a.sessions[sessionID]
	kept := session[:0]
	for _, ev := range session {
		if !ev.ts.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	a.sessions[sessionID] = kept
	return kept
}

func (a *Analyzer) checkTransition(from, to string, gapSeconds float64, ts time.Time) *Anomaly {
	total := a.transitionTotals[from]
	if total < a.cfg.MinTransitionCount {
		return nil
	}

	stats, seen := a.transitions[from][to]
	if !seen {
		return &Anomaly{
			Type:         AnomalyUnexpectedTransition,
			Timestamp:    ts,
			Sequence:     []string{from, to},
			ExpectedNext: a.mostLikelyNext(from),
			ActualNext:   to,
			Probability:  0.0,
			Score:        0.9,
			Description:  fmt.Sprintf("New transition: %s -> %s (never seen before)", from, to),
		}
	}

	probability := float64(stats.Count) / float64(total)
	if probability < a.cfg.LowProbabilityThreshold {
		return &Anomaly{
			Type:         AnomalyUnexpectedTransition,
			Timestamp:    ts,
			Sequence:     []string{from, to},
			ExpectedNext: a.mostLikelyNext(from),
			ActualNext:   to,
			Probability:  probability,
			Score:        math.Min(a.cfg.LowProbabilityThreshold/probability*0.5, 1.0),
			Description:  fmt.Sprintf("Unusual transition: %s -> %s (prob: %.4f)", from, to, probability),
		}
	}

	if stats.Count >= gapMinSamples && stats.StdGapSeconds > 0 {
		zScore := math.Abs(gapSeconds-stats.MeanGapSeconds) / stats.StdGapSeconds
		if zScore > a.cfg.GapAnomalySigma {
			return &Anomaly{
				Type:        AnomalyUnusualGap,
				Timestamp:   ts,
				Sequence:    []string{from, to},
				ActualNext:  to,
				Probability: probability,
				Score:       math.Min(zScore/(a.cfg.GapAnomalySigma*2), 1.0),
				Description: fmt.Sprintf("Unusual gap: %.1fs (expected ~%.1fs)", gapSeconds, stats.MeanGapSeconds),
				Context: map[string]any{
					"gap_seconds":  gapSeconds,
					"expected_gap": stats.MeanGapSeconds,
					"z_score":      zScore,
				},
			}
		}
	}
	return nil
}

func (a *Analyzer) checkNgram(session []event, newPattern string, ts time.Time) *Anomaly {
	if len(session) < a.cfg.NgramSize-1 {
		return nil
	}

	gram := make([]string, 0, a.cfg.NgramSize)
	for _, ev := range session[len(session)-(a.cfg.NgramSize-1):] {
		gram = append(gram, ev.patternID)
	}
	gram = append(gram, newPattern)

	if a.ngramTotal > ngramBaselineVolume && a.ngramCounts[strings.Join(gram, ngramSep)] == 0 {
		return &Anomaly{
			Type:        AnomalyOutOfOrder,
			Timestamp:   ts,
			Sequence:    gram,
			ActualNext:  newPattern,
			Probability: 0.0,
			Score:       0.8,
			Description: fmt.Sprintf("Unusual sequence: %s", strings.Join(gram, " -> ")),
		}
	}
	return nil
}

func (a *Analyzer) checkStateRules(from, to string, ts time.Time) *Anomaly {
	allowed, ok := a.stateRules[from]
	if !ok {
		return nil
	}
	if _, valid := allowed[to]; valid {
		return nil
	}

	validList := make([]string, 0, len(allowed))
	for p := range allowed {
		validList = append(validList, p)
	}
	sort.Strings(validList)

	expected := ""
	if len(validList) > 0 {
		expected = validList[0]
	}
	return &Anomaly{
		Type:         AnomalyStateViolation,
		Timestamp:    ts,
		Sequence:     []string{from, to},
		ExpectedNext: expected,
		ActualNext:   to,
		Probability:  0.0,
		Score:        1.0,
		Description:  fmt.Sprintf("State violation: %s not valid after %s", to, from),
		Context:      map[string]any{"valid_transitions": validList},
	}
}

func (a *Analyzer) checkMissingFollowup(last, current string, gapSeconds float64, ts time.Time) *Anomaly {
	expected, ok := a.expectedFollowups[last]
	if !ok || len(expected) == 0 {
		return nil
	}
	for _, p := range expected {
		if p == current {
			return nil
		}
	}
	if gapSeconds <= followupGraceSeconds {
		return nil
	}
	return &Anomaly{
		Type:         AnomalyMissingFollowup,
		Timestamp:    ts,
		Sequence:     []string{last, current},
		ExpectedNext: expected[0],
		ActualNext:   current,
		Probability:  0.0,
		Score:        0.7,
		Description:  fmt.Sprintf("Missing follow-up: expected %v after %s", expected, last),
		Context:      map[string]any{"expected_patterns": expected},
	}
}

func (a *Analyzer) updateTransition(from, to string, gapSeconds float64) {
	row, ok := a.transitions[from]
	if !ok {
		row = make(map[string]*TransitionStats)
		a.transitions[from] = row
	}
	stats, ok := row[to]
	if !ok {
		stats = &TransitionStats{FromPattern: from, ToPattern: to}
		row[to] = stats
	}
	stats.observe(gapSeconds)
	a.transitionTotals[from]++
}

func (a *Analyzer) updateNgrams(session []event) {
	if len(session) < a.cfg.NgramSize {
		return
	}
	gram := make([]string, 0, a.cfg.NgramSize)
	for _, ev := range session[len(session)-a.cfg.NgramSize:] {
		gram = append(gram, ev.patternID)
	}
	a.ngramCounts[strings.Join(gram, ngramSep)]++
	a.ngramTotal++
}

func (a *Analyzer) mostLikelyNext(from string) string {
	best := ""
	bestCount := -1
	for to, stats := range a.transitions[from] {
		if stats.Count > bestCount || (stats.Count == bestCount && to < best) {
			best = to
			bestCount = stats.Count
		}
	}
	return best
}
