package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ollystack/loganomaly/internal/cache"
	"github.com/ollystack/loganomaly/internal/models"
	"github.com/ollystack/loganomaly/internal/utils"
)

// ErrNoSnapshot signals that no pattern snapshot exists for a service.
var ErrNoSnapshot = errors.New("no pattern snapshot")

const snapshotKeyPrefix = "loganomaly:patterns:"

// SnapshotStore persists per-service pattern exports in a cache backend so a
// restarted engine can rebuild its extractors without replaying history.
type SnapshotStore struct {
	provider cache.Provider
	ttl      time.Duration
}

// NewSnapshotStore wraps a cache provider. A zero ttl means snapshots never
// expire.
func NewSnapshotStore(provider cache.Provider, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{provider: provider, ttl: ttl}
}

// Save stores a service's pattern export, replacing any prior snapshot.
func (s *SnapshotStore) Save(ctx context.Context, service string, exports []models.PatternExport) error {
	payload, err := json.Marshal(exports)
	if err != nil {
		return utils.NewAppError("snapshot.save", "encode pattern export", err)
	}
	if err := s.provider.Set(ctx, snapshotKey(service), payload, s.ttl); err != nil {
		return utils.NewAppError("snapshot.save", "store pattern export", err)
	}
	return nil
}

// Load fetches a service's pattern export, returning ErrNoSnapshot when none
// was saved.
func (s *SnapshotStore) Load(ctx context.Context, service string) ([]models.PatternExport, error) {
	payload, err := s.provider.Get(ctx, snapshotKey(service))
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrNoSnapshot
		}
		return nil, utils.NewAppError("snapshot.load", "fetch pattern export", err)
	}

	var exports []models.PatternExport
	if err := json.Unmarshal(payload, &exports); err != nil {
		return nil, utils.NewAppError("snapshot.load", "decode pattern export", err)
	}
	return exports, nil
}

// Delete removes a service's snapshot.
func (s *SnapshotStore) Delete(ctx context.Context, service string) error {
	if err := s.provider.Del(ctx, snapshotKey(service)); err != nil {
		return utils.NewAppError("snapshot.delete", "remove pattern export", err)
	}
	return nil
}

func snapshotKey(service string) string {
	return snapshotKeyPrefix + service
}
