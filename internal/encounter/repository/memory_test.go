package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"linkless/agent/internal/encounter/domain"
)

func TestMemoryRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := r.Insert(ctx, &domain.RecordingSession{ID: "s1", PeerIdentity: "dev-1", StartedAt: start}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.Update(ctx, "s1", Fields{Coordinate: &domain.Coordinate{Latitude: 1, Longitude: 2}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.UpdateIdentity(ctx, "s1", "user-1"); err != nil {
		t.Fatalf("UpdateIdentity: %v", err)
	}

	got, _ := r.GetByID(ctx, "s1")
	if got.Status != domain.StatusRecording || got.PeerIdentity != "user-1" || got.Coordinate == nil {
		t.Errorf("session = %+v", got)
	}

	end := start.Add(90 * time.Second)
	if err := r.Complete(ctx, "s1", "/tmp/s1.wav", end, 90); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ = r.GetByID(ctx, "s1")
	if got.Status != domain.StatusIdle || got.EndedAt == nil || got.DurationSeconds != 90 || got.ArtifactLocation != "/tmp/s1.wav" {
		t.Errorf("completed session = %+v", got)
	}

	if err := r.Complete(ctx, "missing", "", end, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Complete(missing) err = %v", err)
	}
	if s, err := r.GetByID(ctx, "missing"); s != nil || err != nil {
		t.Errorf("GetByID(missing) = %v, %v", s, err)
	}
}

func TestMemoryRepository_ListRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		r.Insert(ctx, &domain.RecordingSession{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	got, err := r.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("ListRecent = %v, %v", got[0].ID, got[1].ID)
	}
}
