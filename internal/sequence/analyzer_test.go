package sequence

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	a, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	return a
}

// trainPairs records from->to once per distinct session so no reverse
// transitions are learned.
func trainPairs(a *Analyzer, from, to string, base time.Time, n int) {
	for i := 0; i < n; i++ {
		session := fmt.Sprintf("train-%s-%s-%d", from, to, i)
		a.RecordEvent(from, base, session)
		a.RecordEvent(to, base.Add(time.Second), session)
	}
}

func hasAnomalyType(anomalies []Anomaly, typ AnomalyType) *Anomaly {
	for i := range anomalies {
		if anomalies[i].Type == typ {
			return &anomalies[i]
		}
	}
	return nil
}

func TestNewTransitionFlagged(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trainPairs(a, "A", "B", base, 12)

	a.RecordEvent("A", base, "probe")
	anomalies := a.RecordEvent("C", base.Add(time.Second), "probe")

	anomaly := hasAnomalyType(anomalies, AnomalyUnexpectedTransition)
	if anomaly == nil {
		t.Fatalf("unseen transition not flagged: %+v", anomalies)
	}
	if anomaly.Probability != 0.0 || anomaly.Score != 0.9 {
		t.Fatalf("new transition probability/score = %g/%g, want 0/0.9", anomaly.Probability, anomaly.Score)
	}
	if anomaly.ExpectedNext != "B" {
		t.Fatalf("expected next = %q, want B", anomaly.ExpectedNext)
	}
}

func TestTransitionBelowMinimumIsSilent(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trainPairs(a, "A", "B", base, 5)

	a.RecordEvent("A", base, "probe")
	anomalies := a.RecordEvent("C", base.Add(time.Second), "probe")
	if got := hasAnomalyType(anomalies, AnomalyUnexpectedTransition); got != nil {
		t.Fatalf("transition flagged without enough baseline: %+v", got)
	}
}

func TestLowProbabilityTransition(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trainPairs(a, "A", "B", base, 150)
	// First A->C is brand new; afterwards it exists with probability 1/151.
	trainPairs(a, "A", "C", base, 1)

	a.RecordEvent("A", base, "probe")
	anomalies := a.RecordEvent("C", base.Add(time.Second), "probe")

	anomaly := hasAnomalyType(anomalies, AnomalyUnexpectedTransition)
	if anomaly == nil {
		t.Fatalf("low probability transition not flagged: %+v", anomalies)
	}
	if anomaly.Probability <= 0 || anomaly.Probability >= a.cfg.LowProbabilityThreshold {
		t.Fatalf("probability = %g, want in (0, %g)", anomaly.Probability, a.cfg.LowProbabilityThreshold)
	}
}

func TestUnusualGap(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Alternating 1s and 2s gaps give a tight non-zero std.
	for i := 0; i < 12; i++ {
		session := fmt.Sprintf("gap-%d", i)
		a.RecordEvent("A", base, session)
		gap := time.Second
		if i%2 == 0 {
			gap = 2 * time.Second
		}
		a.RecordEvent("B", base.Add(gap), session)
	}

	a.RecordEvent("A", base, "probe")
	anomalies := a.RecordEvent("B", base.Add(30*time.Second), "probe")

	anomaly := hasAnomalyType(anomalies, AnomalyUnusualGap)
	if anomaly == nil {
		t.Fatalf("outlier gap not flagged: %+v", anomalies)
	}
	if anomaly.Score != 1.0 {
		t.Fatalf("extreme gap score = %g, want saturated 1.0", anomaly.Score)
	}
}

func TestStateRuleViolation(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	a.AddStateRule("start", []string{"running"})

	a.RecordEvent("start", base, "s1")
	anomalies := a.RecordEvent("stopped", base.Add(time.Second), "s1")

	anomaly := hasAnomalyType(anomalies, AnomalyStateViolation)
	if anomaly == nil {
		t.Fatalf("state violation not flagged: %+v", anomalies)
	}
	if anomaly.Score != 1.0 || anomaly.ExpectedNext != "running" {
		t.Fatalf("violation score/expected = %g/%q, want 1.0/running", anomaly.Score, anomaly.ExpectedNext)
	}

	// Allowed successor stays silent regardless of history.
	a.RecordEvent("start", base.Add(2*time.Second), "s2")
	anomalies = a.RecordEvent("running", base.Add(3*time.Second), "s2")
	if got := hasAnomalyType(anomalies, AnomalyStateViolation); got != nil {
		t.Fatalf("allowed transition flagged: %+v", got)
	}
}

func TestMissingFollowup(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	a.AddExpectedFollowup("request", []string{"response"})

	// Expected follow-up inside the grace period: silent.
	a.RecordEvent("request", base, "s1")
	anomalies := a.RecordEvent("response", base.Add(10*time.Second), "s1")
	if got := hasAnomalyType(anomalies, AnomalyMissingFollowup); got != nil {
		t.Fatalf("satisfied follow-up flagged: %+v", got)
	}

	// Unrelated pattern past the grace period: flagged.
	a.RecordEvent("request", base, "s2")
	anomalies = a.RecordEvent("unrelated", base.Add(40*time.Second), "s2")
	anomaly := hasAnomalyType(anomalies, AnomalyMissingFollowup)
	if anomaly == nil {
		t.Fatalf("missing follow-up not flagged: %+v", anomalies)
	}
	if anomaly.Score != 0.7 || anomaly.ExpectedNext != "response" {
		t.Fatalf("follow-up score/expected = %g/%q, want 0.7/response", anomaly.Score, anomaly.ExpectedNext)
	}
}

func TestNgramNovelty(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// A long repeating cycle accumulates a large n-gram corpus.
	cycle := []string{"A", "B", "C", "D"}
	ts := base
	for i := 0; i < 1100; i++ {
		a.RecordEvent(cycle[i%len(cycle)], ts, "steady")
		ts = ts.Add(time.Second)
	}

	// Breaking the cycle right after D produces a never-seen trigram.
	anomalies := a.RecordEvent("B", ts, "steady")
	anomaly := hasAnomalyType(anomalies, AnomalyOutOfOrder)
	if anomaly == nil {
		t.Fatalf("novel n-gram not flagged: %+v", anomalies)
	}
	if anomaly.Score != 0.8 || len(anomaly.Sequence) != a.cfg.NgramSize {
		t.Fatalf("unexpected n-gram anomaly: %+v", anomaly)
	}
}

func TestNgramNeedsCorpusVolume(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cycle := []string{"A", "B", "C", "D"}
	ts := base
	for i := 0; i < 40; i++ {
		a.RecordEvent(cycle[i%len(cycle)], ts, "steady")
		ts = ts.Add(time.Second)
	}

	anomalies := a.RecordEvent("B", ts, "steady")
	if got := hasAnomalyType(anomalies, AnomalyOutOfOrder); got != nil {
		t.Fatalf("novelty flagged below corpus volume: %+v", got)
	}
}

func TestSequenceProbability(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trainPairs(a, "A", "B", base, 12)

	if p := a.SequenceProbability([]string{"A", "B"}); p != 1.0 {
		t.Fatalf("probability of only observed transition = %g, want 1.0", p)
	}
	if p := a.SequenceProbability([]string{"A", "C"}); p != 0.001 {
		t.Fatalf("unseen transition from known source = %g, want 0.001", p)
	}
	if p := a.SequenceProbability([]string{"X", "Y"}); p != 0.01 {
		t.Fatalf("unknown source = %g, want 0.01", p)
	}
	if p := a.SequenceProbability([]string{"A"}); p != 1.0 {
		t.Fatalf("single-element sequence = %g, want 1.0", p)
	}
}

func TestTransitionMatrixAndLikelyNext(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trainPairs(a, "A", "B", base, 3)
	trainPairs(a, "A", "C", base, 1)

	matrix := a.TransitionMatrix()
	if matrix["A"]["B"] != 0.75 || matrix["A"]["C"] != 0.25 {
		t.Fatalf("unexpected matrix row: %+v", matrix["A"])
	}

	next := a.LikelyNext("A", 1)
	if len(next) != 1 || next[0].PatternID != "B" || next[0].Probability != 0.75 {
		t.Fatalf("unexpected likely next: %+v", next)
	}
	if got := a.LikelyNext("unknown", 5); got != nil {
		t.Fatalf("unknown pattern should predict nothing, got %+v", got)
	}
}

func TestSessionPruning(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	a.RecordEvent("A", base, "s1")
	// Ten sequence windows later the old event is discarded, so there is no
	// transition between the two.
	anomalies := a.RecordEvent("B", base.Add(700*time.Second), "s1")
	if len(anomalies) != 0 {
		t.Fatalf("pruned history produced anomalies: %+v", anomalies)
	}

	report := a.AnalyzeSession("s1")
	if report.EventCount != 1 || report.Patterns[0] != "B" {
		t.Fatalf("unexpected session after pruning: %+v", report)
	}
}

func TestAnalyzeSession(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	a.RecordEvent("A", base, "s1")
	a.RecordEvent("B", base.Add(2*time.Second), "s1")
	a.RecordEvent("A", base.Add(4*time.Second), "s1")

	report := a.AnalyzeSession("s1")
	if report.EventCount != 3 || report.UniquePatterns != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.DurationSeconds != 4 || report.MeanGapSeconds != 2 {
		t.Fatalf("unexpected timing: %+v", report)
	}

	empty := a.AnalyzeSession("missing")
	if empty.EventCount != 0 {
		t.Fatalf("missing session should be empty, got %+v", empty)
	}
}

func TestWelfordGapStats(t *testing.T) {
	var stats TransitionStats
	for _, gap := range []float64{1, 2, 3, 4, 5} {
		stats.observe(gap)
	}
	if stats.Count != 5 || stats.MeanGapSeconds != 3 {
		t.Fatalf("mean = %g after %d samples, want 3 after 5", stats.MeanGapSeconds, stats.Count)
	}
	if math.Abs(stats.StdGapSeconds-math.Sqrt(2)) > 1e-9 {
		t.Fatalf("std = %g, want sqrt(2)", stats.StdGapSeconds)
	}
	if stats.MinGapSeconds != 1 || stats.MaxGapSeconds != 5 {
		t.Fatalf("min/max = %g/%g, want 1/5", stats.MinGapSeconds, stats.MaxGapSeconds)
	}
}

func TestReset(t *testing.T) {
	a := newTestAnalyzer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	trainPairs(a, "A", "B", base, 12)
	a.Reset()

	if len(a.TransitionMatrix()) != 0 {
		t.Fatalf("transition matrix survived reset")
	}
	if p := a.SequenceProbability([]string{"A", "B"}); p != 0.01 {
		t.Fatalf("probability after reset = %g, want unknown-source 0.01", p)
	}
}
