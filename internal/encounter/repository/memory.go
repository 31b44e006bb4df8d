package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"linkless/agent/internal/encounter/domain"
)

// MemoryRepository keeps sessions in process memory. It is used when no
// database is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*domain.RecordingSession
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*domain.RecordingSession)}
}

func (r *MemoryRepository) Insert(ctx context.Context, s *domain.RecordingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	cp.Status = domain.StatusRecording
	r.sessions[s.ID] = &cp
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, f Fields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if f.PeerIdentity != nil {
		s.PeerIdentity = *f.PeerIdentity
	}
	if f.Coordinate != nil {
		c := *f.Coordinate
		s.Coordinate = &c
	}
	if f.ArtifactLocation != nil {
		s.ArtifactLocation = *f.ArtifactLocation
	}
	return nil
}

func (r *MemoryRepository) Complete(ctx context.Context, id, artifactLocation string, endedAt time.Time, durationSeconds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.ArtifactLocation = artifactLocation
	s.EndedAt = &endedAt
	s.DurationSeconds = durationSeconds
	s.Status = domain.StatusIdle
	return nil
}

func (r *MemoryRepository) UpdateIdentity(ctx context.Context, id, peerIdentity string) error {
	return r.Update(ctx, id, Fields{PeerIdentity: &peerIdentity})
}

// GetByID returns a copy of the session, or nil if not found.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.RecordingSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) ListRecent(ctx context.Context, limit int) ([]*domain.RecordingSession, error) {
	r.mu.RLock()
	out := make([]*domain.RecordingSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		cp := *s
		out = append(out, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
