package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ollystack/loganomaly/internal/cache"
	"github.com/ollystack/loganomaly/internal/models"
)

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewSnapshotStore(cache.NewMemoryProvider(), 0)
	ctx := context.Background()

	exports := []models.PatternExport{
		{
			PatternID:            "abc123",
			Template:             "User <*> logged in from <IP>",
			Count:                42,
			FirstSeen:            time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
			LastSeen:             time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			SampleLogs:           []string{"User 7 logged in from 10.0.0.1"},
			SeverityDistribution: map[string]int{"INFO": 42},
		},
	}

	if err := store.Save(ctx, "checkout", exports); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "checkout")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].PatternID != "abc123" || got[0].Count != 42 {
		t.Fatalf("snapshot diverged: %+v", got)
	}
	if got[0].SeverityDistribution["INFO"] != 42 {
		t.Fatalf("severity distribution lost: %+v", got[0].SeverityDistribution)
	}
}

func TestSnapshotMissing(t *testing.T) {
	store := NewSnapshotStore(cache.NewMemoryProvider(), 0)

	_, err := store.Load(context.Background(), "unknown")
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("want ErrNoSnapshot, got %v", err)
	}
}

func TestSnapshotDelete(t *testing.T) {
	store := NewSnapshotStore(cache.NewMemoryProvider(), 0)
	ctx := context.Background()

	if err := store.Save(ctx, "checkout", []models.PatternExport{{PatternID: "x", Template: "t"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, "checkout"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "checkout"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("want ErrNoSnapshot after delete, got %v", err)
	}
}

func TestSnapshotKeysAreServiceScoped(t *testing.T) {
	store := NewSnapshotStore(cache.NewMemoryProvider(), 0)
	ctx := context.Background()

	if err := store.Save(ctx, "checkout", []models.PatternExport{{PatternID: "a", Template: "t"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Load(ctx, "billing"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("snapshots must not leak across services, got %v", err)
	}
}
