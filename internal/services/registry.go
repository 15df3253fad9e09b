package services

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/ollystack/loganomaly/internal/detector"
)

// entry pairs a detector with its exclusive lock. Detector state is mutable
// and single-writer; every access goes through the lock.
type entry struct {
	mu       sync.Mutex
	detector *detector.Detector
}

// Registry owns one detector per service name, created lazily with a shared
// configuration. Lookup is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	cfg     detector.Config
	logger  *slog.Logger
	entries map[string]*entry
}

// NewRegistry validates the shared detector configuration once up front so
// later per-service construction cannot fail.
func NewRegistry(cfg detector.Config, logger *slog.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
	}, nil
}

// acquire returns the entry for a service, creating its detector on first
// use. The caller must hold the entry lock while touching the detector.
func (r *Registry) acquire(service string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[service]
	if !ok {
		// Config was validated at construction; New cannot fail here.
		d, err := detector.New(service, r.cfg, r.logger)
		if err != nil {
			panic("services: detector construction failed after validated config: " + err.Error())
		}
		e = &entry{detector: d}
		r.entries[service] = e
		r.logger.Info("detector created", "service", service)
	}
	return e
}

// Services lists the service names with live detectors, sorted.
func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
