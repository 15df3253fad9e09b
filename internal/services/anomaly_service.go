package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ollystack/loganomaly/internal/detector"
	"github.com/ollystack/loganomaly/internal/frequency"
	"github.com/ollystack/loganomaly/internal/metrics"
	"github.com/ollystack/loganomaly/internal/models"
	"github.com/ollystack/loganomaly/internal/repo"
	"github.com/ollystack/loganomaly/internal/sequence"
	"github.com/ollystack/loganomaly/internal/utils"
)

// AnomalyService is the API-facing facade over the detector registry. It
// routes log batches to per-service detectors, serializing access to each
// detector instance, and persists pattern snapshots through the store.
type AnomalyService struct {
	logger    *slog.Logger
	registry  *Registry
	snapshots *repo.SnapshotStore
	latencies *utils.LatencyTracker
}

// NewAnomalyService constructs the service facade. The snapshot store may be
// nil, in which case snapshot operations report an error.
func NewAnomalyService(logger *slog.Logger, registry *Registry, snapshots *repo.SnapshotStore) *AnomalyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyService{
		logger:    logger,
		registry:  registry,
		snapshots: snapshots,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// AnalyzeBatch groups records by service and runs each group through its
// detector. Record order within a service is preserved.
func (s *AnomalyService) AnalyzeBatch(records []models.LogRecord) map[string]models.DetectionResult {
	now := time.Now().UTC()

	grouped := make(map[string][]models.LogRecord)
	order := make([]string, 0)
	for _, rec := range records {
		rec = rec.Normalize(now)
		if _, seen := grouped[rec.Service]; !seen {
			order = append(order, rec.Service)
		}
		grouped[rec.Service] = append(grouped[rec.Service], rec)
	}

	results := make(map[string]models.DetectionResult, len(grouped))
	for _, service := range order {
		group := grouped[service]
		e := s.registry.acquire(service)

		start := time.Now()
		e.mu.Lock()
		result := e.detector.AnalyzeBatch(group)
		stats := e.detector.Statistics()
		e.mu.Unlock()
		duration := time.Since(start)

		metrics.ObserveAnalysis(service, len(group), duration)
		for _, anomaly := range result.Anomalies {
			metrics.CountAnomaly(service, string(anomaly.Type))
		}
		metrics.SetPatternsTracked(service, stats.PatternStats.UniquePatterns)

		s.latencies.Observe(duration)
		if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
			s.logger.Info("batch analysis latency",
				slog.Duration("p95", s.latencies.Percentile(95)),
				slog.Int("samples", count))
		}

		results[service] = result
	}
	return results
}

// AnalyzeSingle runs one record through its service's detector.
func (s *AnomalyService) AnalyzeSingle(rec models.LogRecord) []models.LogAnomaly {
	rec = rec.Normalize(time.Now().UTC())
	e := s.registry.acquire(rec.Service)

	start := time.Now()
	e.mu.Lock()
	anomalies := e.detector.Analyze(rec)
	e.mu.Unlock()
	duration := time.Since(start)

	metrics.ObserveAnalysis(rec.Service, 1, duration)
	for _, anomaly := range anomalies {
		metrics.CountAnomaly(rec.Service, string(anomaly.Type))
	}
	return anomalies
}

// TopPatterns returns the most frequent patterns for a service.
func (s *AnomalyService) TopPatterns(service string, n int) []models.PatternExport {
	if n <= 0 {
		n = 20
	}
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.TopPatterns(n)
}

// RarePatterns returns patterns at or below the occurrence threshold.
func (s *AnomalyService) RarePatterns(service string, threshold int) []models.PatternExport {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.RarePatterns(threshold)
}

// NewPatterns returns patterns first seen within the last hours.
func (s *AnomalyService) NewPatterns(service string, hours int) []models.PatternExport {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.NewPatterns(hours)
}

// ErrorPatterns returns a service's error-prone patterns.
func (s *AnomalyService) ErrorPatterns(service string) []detector.ErrorPattern {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.ErrorPatterns()
}

// Statistics reports a service's cumulative detection statistics.
func (s *AnomalyService) Statistics(service string) detector.Statistics {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.Statistics()
}

// FrequencyStats reports recent occurrence statistics for one pattern.
func (s *AnomalyService) FrequencyStats(service, patternID string, windowMinutes int) frequency.Stats {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.FrequencyStats(patternID, windowMinutes)
}

// SessionReport summarises one session's event history.
func (s *AnomalyService) SessionReport(service, sessionID string) sequence.SessionReport {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.AnalyzeSession(sessionID)
}

// TransitionMatrix exposes a service's transition probabilities.
func (s *AnomalyService) TransitionMatrix(service string) map[string]map[string]float64 {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.TransitionMatrix()
}

// LikelyNext predicts the most probable successors of a pattern.
func (s *AnomalyService) LikelyNext(service, patternID string, topK int) []sequence.Prediction {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.LikelyNext(patternID, topK)
}

// AddSequenceRule registers a state-machine rule by template.
func (s *AnomalyService) AddSequenceRule(service, fromTemplate string, validNext []string) error {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.detector.AddSequenceRule(fromTemplate, validNext) {
		return fmt.Errorf("unknown pattern template %q for service %q", fromTemplate, service)
	}
	return nil
}

// AddExpectedFollowup registers a follow-up expectation by template.
func (s *AnomalyService) AddExpectedFollowup(service, fromTemplate string, followups []string) error {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.detector.AddExpectedFollowup(fromTemplate, followups) {
		return fmt.Errorf("unknown pattern template %q for service %q", fromTemplate, service)
	}
	return nil
}

// UpdateBaselines rebuilds frequency baselines for every pattern of a
// service and returns how many were refreshed.
func (s *AnomalyService) UpdateBaselines(service string) int {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.UpdateBaselines()
}

// ResetSequenceModels clears a service's transition and n-gram tables.
func (s *AnomalyService) ResetSequenceModels(service string) {
	e := s.registry.acquire(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detector.ResetSequenceModels()
}

// Services lists the services with live detectors.
func (s *AnomalyService) Services() []string {
	return s.registry.Services()
}

// SaveSnapshot persists a service's pattern registry through the snapshot
// store.
func (s *AnomalyService) SaveSnapshot(ctx context.Context, service string) (int, error) {
	if s.snapshots == nil {
		return 0, fmt.Errorf("snapshot store not configured")
	}
	e := s.registry.acquire(service)
	e.mu.Lock()
	exports := e.detector.ExportPatterns()
	e.mu.Unlock()

	if err := s.snapshots.Save(ctx, service, exports); err != nil {
		return 0, err
	}
	s.logger.Info("pattern snapshot saved", "service", service, "patterns", len(exports))
	return len(exports), nil
}

// RestoreSnapshot rebuilds a service's pattern registry from the last saved
// snapshot and returns how many patterns were imported.
func (s *AnomalyService) RestoreSnapshot(ctx context.Context, service string) (int, error) {
	if s.snapshots == nil {
		return 0, fmt.Errorf("snapshot store not configured")
	}
	exports, err := s.snapshots.Load(ctx, service)
	if err != nil {
		return 0, err
	}

	e := s.registry.acquire(service)
	e.mu.Lock()
	e.detector.ImportPatterns(exports)
	e.mu.Unlock()

	s.logger.Info("pattern snapshot restored", "service", service, "patterns", len(exports))
	return len(exports), nil
}
