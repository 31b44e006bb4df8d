package repository

import (
	"context"
	"time"

	"linkless/agent/internal/encounter/domain"
)

// Stored status values.
const (
	StatusRecording = "recording"
	StatusComplete  = "complete"
)

// Fields are the optional columns Update may change. Nil fields are left as is.
type Fields struct {
	PeerIdentity     *string
	Coordinate       *domain.Coordinate
	ArtifactLocation *string
}

// Repository defines persistence for recording sessions.
type Repository interface {
	Insert(ctx context.Context, s *domain.RecordingSession) error
	Update(ctx context.Context, id string, f Fields) error
	Complete(ctx context.Context, id, artifactLocation string, endedAt time.Time, durationSeconds int) error
	UpdateIdentity(ctx context.Context, id, peerIdentity string) error
	GetByID(ctx context.Context, id string) (*domain.RecordingSession, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.RecordingSession, error)
}

func statusFromStored(s string) domain.SessionStatus {
	if s == StatusRecording {
		return domain.StatusRecording
	}
	return domain.StatusIdle
}
