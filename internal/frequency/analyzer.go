package frequency

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// AnomalyType classifies a frequency anomaly.
type AnomalyType string

const (
	AnomalySpike       AnomalyType = "spike"
	AnomalyDrop        AnomalyType = "drop"
	AnomalyBurst       AnomalyType = "burst"
	AnomalyTrendChange AnomalyType = "trend_change" // reserved, not emitted
	AnomalyMissing     AnomalyType = "missing"
	AnomalyUnusualTime AnomalyType = "unusual_time"
)

// Config controls windowing and detection thresholds.
type Config struct {
	WindowMinutes      int     `yaml:"windowMinutes"`
	BaselineHours      int     `yaml:"baselineHours"`
	SpikeThreshold     float64 `yaml:"spikeThreshold"`
	DropThreshold      float64 `yaml:"dropThreshold"`
	BurstWindowSeconds int     `yaml:"burstWindowSeconds"`
	BurstThreshold     int     `yaml:"burstThreshold"`
	MinBaselineSamples int     `yaml:"minBaselineSamples"`
}

// DefaultConfig returns the documented analyzer defaults.
func DefaultConfig() Config {
	return Config{
		WindowMinutes:      5,
		BaselineHours:      24,
		SpikeThreshold:     3.0,
		DropThreshold:      2.0,
		BurstWindowSeconds: 10,
		BurstThreshold:     10,
		MinBaselineSamples: 100,
	}
}

// Validate rejects configurations that would break windowing or scoring.
func (c Config) Validate() error {
	if c.WindowMinutes <= 0 || c.WindowMinutes > 60 {
		return fmt.Errorf("window minutes must be in [1,60], got %d", c.WindowMinutes)
	}
	if c.BaselineHours <= 0 {
		return fmt.Errorf("baseline hours must be positive, got %d", c.BaselineHours)
	}
	if c.SpikeThreshold <= 0 {
		return fmt.Errorf("spike threshold must be positive, got %g", c.SpikeThreshold)
	}
	if c.DropThreshold <= 0 {
		return fmt.Errorf("drop threshold must be positive, got %g", c.DropThreshold)
	}
	if c.BurstWindowSeconds <= 0 {
		return fmt.Errorf("burst window seconds must be positive, got %d", c.BurstWindowSeconds)
	}
	if c.BurstThreshold <= 0 {
		return fmt.Errorf("burst threshold must be positive, got %d", c.BurstThreshold)
	}
	if c.MinBaselineSamples <= 0 {
		return fmt.Errorf("min baseline samples must be positive, got %d", c.MinBaselineSamples)
	}
	return nil
}

// Anomaly is one detected frequency deviation for a pattern.
type Anomaly struct {
	PatternID       string         `json:"pattern_id"`
	PatternTemplate string         `json:"pattern_template"`
	Type            AnomalyType    `json:"anomaly_type"`
	Timestamp       time.Time      `json:"timestamp"`
	ObservedCount   int            `json:"observed_count"`
	ExpectedCount   float64        `json:"expected_count"`
	ExpectedStd     float64        `json:"expected_std"`
	DeviationSigma  float64        `json:"deviation_sigma"`
	Score           float64        `json:"score"`
	WindowMinutes   int            `json:"window_minutes"`
	Description     string         `json:"description"`
	Context         map[string]any `json:"context,omitempty"`
}

// Baseline holds expected-rate statistics for one pattern, segmented by
// hour-of-day and day-of-week (Monday-indexed).
type Baseline struct {
	PatternID     string      `json:"pattern_id"`
	MeanPerMinute float64     `json:"mean_per_minute"`
	StdPerMinute  float64     `json:"std_per_minute"`
	HourlyMeans   [24]float64 `json:"hourly_means"`
	HourlyStds    [24]float64 `json:"hourly_stds"`
	DailyMeans    [7]float64  `json:"daily_means"`
	DailyStds     [7]float64  `json:"daily_stds"`
	TotalCount    int         `json:"total_count"`
	LastUpdated   time.Time   `json:"last_updated"`
}

// Stats summarises recent occurrence behaviour for one pattern.
type Stats struct {
	Count               int     `json:"count"`
	RatePerMinute       float64 `json:"rate_per_minute"`
	WindowMinutes       int     `json:"window_minutes"`
	MeanIntervalSeconds float64 `json:"mean_interval_seconds"`
	MinIntervalSeconds  float64 `json:"min_interval_seconds"`
	MaxIntervalSeconds  float64 `json:"max_interval_seconds"`
}

// Analyzer tracks per-pattern occurrence timestamps and time-bucketed counts
// and flags bursts, spikes, drops and unusual-timing deviations against
// cached baselines. Not safe for concurrent use; callers serialize access.
type Analyzer struct {
	cfg    Config
	logger *slog.Logger

	occurrences  map[string][]time.Time
	baselines    map[string]*Baseline
	windowCounts map[string]map[time.Time]int

	// nowFn stands in for time.Now so baseline math is testable.
	nowFn func() time.Time
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
		cfg:          cfg,
		logger:       logger,
		occurrences:  make(map[string][]time.Time),
		baselines:    make(map[string]*Baseline),
		windowCounts: make(map[string]map[time.Time]int),
		nowFn:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// RecordOccurrence records one occurrence of a pattern and returns the first
// anomaly it triggers, if any. Burst detection pre-empts spike/drop, which
// pre-empts unusual-timing. A zero timestamp means "now".
func (a *Analyzer) RecordOccurrence(patternID string, ts time.Time, template string) *Anomaly {
	if ts.IsZero() {
		ts = a.nowFn()
	}
	ts = ts.UTC()

	a.occurrences[patternID] = append(a.occurrences[patternID], ts)

	windows, ok := a.windowCounts[patternID]
	if !ok {
		windows = make(map[time.Time]int)
		a.windowCounts[patternID] = windows
	}
	windows[a.windowStart(ts)]++

	if len(a.occurrences[patternID]) > 10000 {
		a.cleanup(patternID)
	}

	if anomaly := a.checkBurst(patternID, ts, template); anomaly != nil {
		return anomaly
	}
	baseline, ok := a.baselines[patternID]
	if !ok || baseline.TotalCount < a.cfg.MinBaselineSamples {
		return nil
	}
	if anomaly := a.checkSpikeDrop(patternID, ts, template, baseline); anomaly != nil {
		return anomaly
	}
	return a.checkTiming(patternID, ts, template, baseline)
}

// Baseline returns the cached baseline for a pattern, or nil when absent.
func (a *Analyzer) Baseline(patternID string) *Baseline {
	return a.baselines[patternID]
}

// UpdateBaseline rebuilds and caches the baseline for a pattern from the
// occurrence history within the retention window.
func (a *Analyzer) UpdateBaseline(patternID string) *Baseline {
	now := a.nowFn()
	occurrences := a.occurrences[patternID]

	baseline := &Baseline{
		PatternID:     patternID,
		MeanPerMinute: 0,
		StdPerMinute:  1,
		TotalCount:    0,
		LastUpdated:   now,
	}
	for h := range baseline.HourlyStds {
		baseline.HourlyStds[h] = 1
	}
	for d := range baseline.DailyStds {
		baseline.DailyStds[d] = 1
	}
	if len(occurrences) == 0 {
		a.baselines[patternID] = baseline
		return baseline
	}

	cutoff := now.Add(-time.Duration(a.cfg.BaselineHours) * time.Hour)

	minuteCounts := make(map[time.Time]int)
	for _, ts := range occurrences {
		if ts.Before(cutoff) {
			continue
		}
		baseline.TotalCount++
		minuteCounts[ts.Truncate(time.Minute)]++
	}

	var hourlyCounts [24][]float64
	var dailyCounts [7][]float64
	allCounts := make([]float64, 0, len(minuteCounts))
	for minute, count := range minuteCounts {
		c := float64(count)
		allCounts = append(allCounts, c)
		hourlyCounts[minute.Hour()] = append(hourlyCounts[minute.Hour()], c)
		dailyCounts[mondayWeekday(minute)] = append(dailyCounts[mondayWeekday(minute)], c)
	}

	mean, std := meanStd(allCounts)
	baseline.MeanPerMinute = mean
	baseline.StdPerMinute = math.Max(std, 0.1)
	for h := range hourlyCounts {
		baseline.HourlyMeans[h], baseline.HourlyStds[h] = meanStd(hourlyCounts[h])
	}
	for d := range dailyCounts {
		baseline.DailyMeans[d], baseline.DailyStds[d] = meanStd(dailyCounts[d])
	}

	a.baselines[patternID] = baseline
	a.logger.Debug("baseline updated",
		"pattern_id", patternID,
		"samples", baseline.TotalCount,
		"mean_per_minute", baseline.MeanPerMinute)
	return baseline
}

// CheckMissingPatterns flags expected pattern IDs that have no occurrence in
// the last windowMinutes despite a baseline predicting more than one. A
// non-positive window falls back to the configured window.
func (a *Analyzer) CheckMissingPatterns(expected []string, windowMinutes int) []Anomaly {
	if windowMinutes <= 0 {
		windowMinutes = a.cfg.WindowMinutes
	}
	now := a.nowFn()
	cutoff := now.Add(-time.Duration(windowMinutes) * time.Minute)

	var anomalies []Anomaly
	for _, patternID := range expected {
		baseline, ok := a.baselines[patternID]
		if !ok || baseline.TotalCount < a.cfg.MinBaselineSamples {
			continue
		}

		recent := a.countSince(patternID, cutoff)
		expectedCount := baseline.MeanPerMinute * float64(windowMinutes)
		expectedStd := baseline.StdPerMinute * math.Sqrt(float64(windowMinutes))

		if expectedCount > 1 && recent == 0 {
			anomalies = append(anomalies, Anomaly{
				PatternID:      patternID,
				Type:           AnomalyMissing,
				Timestamp:      now,
				ObservedCount:  0,
				ExpectedCount:  expectedCount,
				ExpectedStd:    expectedStd,
				DeviationSigma: expectedCount / math.Max(expectedStd, 0.1),
				Score:          math.Min(expectedCount/10, 1.0),
				WindowMinutes:  windowMinutes,
				Description:    fmt.Sprintf("Expected pattern missing: ~%.1f occurrences expected", expectedCount),
			})
		}
	}
	return anomalies
}

// FrequencyStats reports recent occurrence counts, rate and inter-arrival
// intervals for a pattern over the last windowMinutes.
func (a *Analyzer) FrequencyStats(patternID string, windowMinutes int) Stats {
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	cutoff := a.nowFn().Add(-time.Duration(windowMinutes) * time.Minute)

	var recent []time.Time
	for _, ts := range a.occurrences[patternID] {
		if !ts.Before(cutoff) {
			recent = append(recent, ts)
		}
	}
	stats := Stats{Count: len(recent), WindowMinutes: windowMinutes}
	if len(recent) == 0 {
		return stats
	}
	stats.RatePerMinute = float64(len(recent)) / float64(windowMinutes)

	sort.Slice(recent, func(i, j int) bool { return recent[i].Before(recent[j]) })
	var intervals []float64
	for i := 1; i < len(recent); i++ {
		intervals = append(intervals, recent[i].Sub(recent[i-1]).Seconds())
	}
	if len(intervals) > 0 {
		stats.MeanIntervalSeconds = stat.Mean(intervals, nil)
		stats.MinIntervalSeconds = intervals[0]
		stats.MaxIntervalSeconds = intervals[0]
		for _, v := range intervals[1:] {
			stats.MinIntervalSeconds = math.Min(stats.MinIntervalSeconds, v)
			stats.MaxIntervalSeconds = math.Max(stats.MaxIntervalSeconds, v)
		}
	}
	return stats
}

func (a *Analyzer) checkBurst(patternID string, ts time.Time, template string) *Anomaly {
	cutoff := ts.Add(-time.Duration(a.cfg.BurstWindowSeconds) * time.Second)
	recent := a.countSince(patternID, cutoff)
	if recent < a.cfg.BurstThreshold {
		return nil
	}

	windowMinutes := a.cfg.BurstWindowSeconds / 60
	if windowMinutes == 0 {
		windowMinutes = 1
	}
	return &Anomaly{
		PatternID:       patternID,
		PatternTemplate: template,
		Type:            AnomalyBurst,
		Timestamp:       ts,
		ObservedCount:   recent,
		ExpectedCount:   float64(a.cfg.BurstThreshold) / 2,
		ExpectedStd:     2,
		DeviationSigma:  float64(recent) / float64(a.cfg.BurstThreshold) * 3,
		Score:           math.Min(float64(recent)/float64(a.cfg.BurstThreshold)/2, 1.0),
		WindowMinutes:   windowMinutes,
		Description:     fmt.Sprintf("Burst detected: %d occurrences in %ds", recent, a.cfg.BurstWindowSeconds),
		Context:         map[string]any{"burst_count": recent},
	}
}

func (a *Analyzer) checkSpikeDrop(patternID string, ts time.Time, template string, baseline *Baseline) *Anomaly {
	windowCount := a.windowCounts[patternID][a.windowStart(ts)]

	hour := ts.Hour()
	expected := baseline.HourlyMeans[hour] * float64(a.cfg.WindowMinutes)
	// Floor the std so a flat baseline cannot divide by zero.
	expectedStd := math.Max(baseline.HourlyStds[hour]*math.Sqrt(float64(a.cfg.WindowMinutes)), 0.5)

	deviation := float64(windowCount) - expected
	deviationSigma := math.Abs(deviation) / expectedStd

	if deviation > 0 && deviationSigma > a.cfg.SpikeThreshold {
		return &Anomaly{
			PatternID:       patternID,
			PatternTemplate: template,
			Type:            AnomalySpike,
			Timestamp:       ts,
			ObservedCount:   windowCount,
			ExpectedCount:   expected,
			ExpectedStd:     expectedStd,
			DeviationSigma:  deviationSigma,
			Score:           math.Min(deviationSigma/(a.cfg.SpikeThreshold*2), 1.0),
			WindowMinutes:   a.cfg.WindowMinutes,
			Description:     fmt.Sprintf("Frequency spike: %d occurrences (expected ~%.1f)", windowCount, expected),
		}
	}

	// Drops only matter when the baseline expects real traffic.
	if deviation < 0 && deviationSigma > a.cfg.DropThreshold && expected > 5 {
		return &Anomaly{
			PatternID:       patternID,
			PatternTemplate: template,
			Type:            AnomalyDrop,
			Timestamp:       ts,
			ObservedCount:   windowCount,
			ExpectedCount:   expected,
			ExpectedStd:     expectedStd,
			DeviationSigma:  deviationSigma,
			Score:           math.Min(deviationSigma/(a.cfg.DropThreshold*2), 1.0),
			WindowMinutes:   a.cfg.WindowMinutes,
			Description:     fmt.Sprintf("Frequency drop: %d occurrences (expected ~%.1f)", windowCount, expected),
		}
	}
	return nil
}

func (a *Analyzer) checkTiming(patternID string, ts time.Time, template string, baseline *Baseline) *Anomaly {
	hour := ts.Hour()
	hourlyMean := baseline.HourlyMeans[hour]

	if hourlyMean >= baseline.MeanPerMinute*0.1 || baseline.MeanPerMinute <= 1 {
		return nil
	}
	return &Anomaly{
		PatternID:       patternID,
		PatternTemplate: template,
		Type:            AnomalyUnusualTime,
		Timestamp:       ts,
		ObservedCount:   1,
		ExpectedCount:   hourlyMean,
		ExpectedStd:     baseline.HourlyStds[hour],
		DeviationSigma:  3.0,
		Score:           0.7,
		WindowMinutes:   a.cfg.WindowMinutes,
		Description:     fmt.Sprintf("Pattern at unusual time: hour %d typically has low activity", hour),
		Context:         map[string]any{"hour": hour, "typical_rate": hourlyMean},
	}
}

// windowStart aligns a timestamp to the start of its counting window.
func (a *Analyzer) windowStart(ts time.Time) time.Time {
	minute := ts.Minute() / a.cfg.WindowMinutes * a.cfg.WindowMinutes
	return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), minute, 0, 0, time.UTC)
}

func (a *Analyzer) countSince(patternID string, cutoff time.Time) int {
	count := 0
	for _, ts := range a.occurrences[patternID] {
		if !ts.Before(cutoff) {
			count++
		}
	}
	return count
}

// cleanup discards occurrences older than twice the retention window and
// window counters older than an hour.
func (a *Analyzer) cleanup(patternID string) {
	now := a.nowFn()
	cutoff := now.Add(-time.Duration(a.cfg.BaselineHours*2) * time.Hour)

	occurrences := a.occurrences[patternID]
	kept := occurrences[:0]
	for _, ts := range occurrences {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	a.occurrences[patternID] = kept

	windowCutoff := now.Add(-time.Hour)
	for start := range a.windowCounts[patternID] {
		if start.Before(windowCutoff) {
			delete(a.windowCounts[patternID], start)
		}
	}
}

// meanStd returns the mean and standard deviation of counts, treating fewer
// than two samples as having unit deviation.
func meanStd(counts []float64) (float64, float64) {
	if len(counts) == 0 {
		return 0, 1
	}
	if len(counts) == 1 {
		return counts[0], 1
	}
	return stat.Mean(counts, nil), stat.StdDev(counts, nil)
}

// mondayWeekday maps time.Weekday (Sunday-first) to a Monday-first index.
func mondayWeekday(ts time.Time) int {
	return (int(ts.Weekday()) + 6) % 7
}
