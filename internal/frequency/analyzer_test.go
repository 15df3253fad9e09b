package frequency

import (
	"testing"
	"time"
)

func newTestAnalyzer(t *testing.T, base time.Time) *Analyzer {
	t.Helper()
	a, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	a.nowFn = func() time.Time { return base }
	return a
}

// seedUniform records rate occurrences per minute for the given span ending
// just before base, spaced so no burst window ever fills up.
func seedUniform(a *Analyzer, patternID string, base time.Time, span time.Duration, rate int) {
	step := time.Minute / time.Duration(rate)
	for ts := base.Add(-span); ts.Before(base); ts = ts.Add(step) {
		a.RecordOccurrence(patternID, ts, "seed template")
	}
}

func TestBurstDetection(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(t, base)

	for i := 0; i < 9; i++ {
		if anomaly := a.RecordOccurrence("p1", base.Add(time.Duration(i)*time.Second), "tmpl"); anomaly != nil {
			t.Fatalf("occurrence %d below burst threshold flagged: %+v", i, anomaly)
		}
	}
	anomaly := a.RecordOccurrence("p1", base.Add(9*time.Second), "tmpl")
	if anomaly == nil || anomaly.Type != AnomalyBurst {
		t.Fatalf("10th occurrence in 10s should be a burst, got %+v", anomaly)
	}
	if anomaly.ObservedCount != 10 {
		t.Fatalf("burst observed count = %d, want 10", anomaly.ObservedCount)
	}
}

func TestSpikeAgainstBaseline(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(t, base)

	// One occurrence per minute for 24 hours gives a flat baseline of 1/min.
	seedUniform(a, "p1", base, 24*time.Hour, 1)
	baseline := a.UpdateBaseline("p1")
	if baseline.TotalCount < a.cfg.MinBaselineSamples {
		t.Fatalf("baseline has %d samples, want at least %d", baseline.TotalCount, a.cfg.MinBaselineSamples)
	}

	// 12 occurrences in 36s stays below the burst threshold but pushes the
	// 5-minute window count far past the expected 5.
	var spike *Anomaly
	for i := 0; i < 12; i++ {
		if anomaly := a.RecordOccurrence("p1", base.Add(time.Duration(i*3)*time.Second), "tmpl"); anomaly != nil {
			spike = anomaly
			break
		}
	}
	if spike == nil || spike.Type != AnomalySpike {
		t.Fatalf("expected a spike anomaly, got %+v", spike)
	}
	if spike.ExpectedCount < 4 || spike.ExpectedCount > 6 {
		t.Fatalf("hour-adjusted expected count = %g, want about 5", spike.ExpectedCount)
	}
}

func TestDropAgainstBaseline(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(t, base)

	// Three per minute for 24 hours: the 5-minute window expects ~15.
	seedUniform(a, "p1", base, 24*time.Hour, 3)
	a.UpdateBaseline("p1")

	// A lone occurrence in a fresh window is far below expectation.
	lone := base.Add(10 * time.Minute)
	anomaly := a.RecordOccurrence("p1", lone, "tmpl")
	if anomaly == nil || anomaly.Type != AnomalyDrop {
		t.Fatalf("expected a drop anomaly, got %+v", anomaly)
	}
	if anomaly.ObservedCount != 1 {
		t.Fatalf("drop observed count = %d, want 1", anomaly.ObservedCount)
	}
}

func TestUnusualTiming(t *testing.T) {
	// The next occurrence lands in the hour the baseline knows as silent.
	// Timestamps stay non-decreasing: the prior day's traffic ends before
	// the quiet hour begins.
	quiet := time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC)
	a := newTestAnalyzer(t, quiet)

	// Steady 2/min for the preceding day, skipping the quiet hour.
	step := 30 * time.Second
	for ts := quiet.Add(-24 * time.Hour); ts.Before(quiet.Add(-30 * time.Minute)); ts = ts.Add(step) {
		if ts.Hour() == quiet.Hour() {
			continue
		}
		a.RecordOccurrence("p1", ts, "tmpl")
	}
	a.UpdateBaseline("p1")

	anomaly := a.RecordOccurrence("p1", quiet, "tmpl")
	if anomaly == nil || anomaly.Type != AnomalyUnusualTime {
		t.Fatalf("occurrence in silent hour should flag unusual timing, got %+v", anomaly)
	}
	if anomaly.Score != 0.7 {
		t.Fatalf("unusual timing score = %g, want 0.7", anomaly.Score)
	}
}

func TestSpikeDropRequiresBaselineSamples(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(t, base)

	// Only 30 samples: below the minimum, so spike/drop checks stay off.
	seedUniform(a, "p1", base, 30*time.Minute, 1)
	a.UpdateBaseline("p1")

	for i := 0; i < 8; i++ {
		if anomaly := a.RecordOccurrence("p1", base.Add(time.Duration(i*3)*time.Second), "tmpl"); anomaly != nil {
			t.Fatalf("anomaly emitted without a reliable baseline: %+v", anomaly)
		}
	}
}

func TestCheckMissingPatterns(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(t, base)

	seedUniform(a, "p1", base, 24*time.Hour, 3)
	a.UpdateBaseline("p1")

	// The pattern was just seen, so nothing is missing yet.
	if got := a.CheckMissingPatterns([]string{"p1"}, 5); len(got) != 0 {
		t.Fatalf("pattern seen recently reported missing: %+v", got)
	}

	// Ten silent minutes later the expected ~15 occurrences are absent.
	a.nowFn = func() time.Time { return base.Add(10 * time.Minute) }
	got := a.CheckMissingPatterns([]string{"p1"}, 5)
	if len(got) != 1 || got[0].Type != AnomalyMissing {
		t.Fatalf("expected one missing-pattern anomaly, got %+v", got)
	}
	if got[0].Score != 1.0 {
		t.Fatalf("missing score = %g, want 1.0", got[0].Score)
	}

	// Patterns without a baseline are skipped entirely.
	if got := a.CheckMissingPatterns([]string{"unknown"}, 5); len(got) != 0 {
		t.Fatalf("unknown pattern should be skipped, got %+v", got)
	}
}

func TestFrequencyStats(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(t, base)

	for i := 0; i < 6; i++ {
		a.RecordOccurrence("p1", base.Add(time.Duration(-i)*time.Minute), "tmpl")
	}
	stats := a.FrequencyStats("p1", 60)
	if stats.Count != 6 {
		t.Fatalf("stats count = %d, want 6", stats.Count)
	}
	if stats.RatePerMinute != 0.1 {
		t.Fatalf("rate per minute = %g, want 0.1", stats.RatePerMinute)
	}
	if stats.MeanIntervalSeconds != 60 || stats.MinIntervalSeconds != 60 || stats.MaxIntervalSeconds != 60 {
		t.Fatalf("unexpected interval stats: %+v", stats)
	}

	empty := a.FrequencyStats("nothing", 60)
	if empty.Count != 0 || empty.RatePerMinute != 0 {
		t.Fatalf("unknown pattern stats should be zero, got %+v", empty)
	}
}

func TestBaselineSegmentsByHour(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(t, base)

	seedUniform(a, "p1", base, 24*time.Hour, 2)
	baseline := a.UpdateBaseline("p1")

	if baseline.MeanPerMinute < 1.9 || baseline.MeanPerMinute > 2.1 {
		t.Fatalf("mean per minute = %g, want about 2", baseline.MeanPerMinute)
	}
	for h, m := range baseline.HourlyMeans {
		if m < 1.9 || m > 2.1 {
			t.Fatalf("hour %d mean = %g, want about 2", h, m)
		}
	}
	if a.Baseline("p1") != baseline {
		t.Fatalf("baseline not cached")
	}
}

func TestConfigValidationRejectsBadValues(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { c.WindowMinutes = 0 },
		func(c *Config) { c.BaselineHours = 0 },
		func(c *Config) { c.SpikeThreshold = 0 },
		func(c *Config) { c.DropThreshold = -1 },
		func(c *Config) { c.BurstWindowSeconds = 0 },
		func(c *Config) { c.BurstThreshold = 0 },
		func(c *Config) { c.MinBaselineSamples = 0 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		if _, err := New(cfg, nil); err == nil {
			t.Fatalf("config %d should have been rejected", i)
		}
	}
}
