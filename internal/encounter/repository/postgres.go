package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"linkless/agent/internal/encounter/domain"
)

// ErrNotFound is returned by writes addressed to a missing session.
var ErrNotFound = errors.New("recording session not found")

const sessionColumns = `id, peer_identity, transport_device_id, started_at, ended_at,
	duration_seconds, artifact_location, latitude, longitude, status`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a recording repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert stores a new session in the recording status.
func (r *PostgresRepository) Insert(ctx context.Context, s *domain.RecordingSession) error {
	var lat, lon sql.NullFloat64
	if s.Coordinate != nil {
		lat = sql.NullFloat64{Float64: s.Coordinate.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: s.Coordinate.Longitude, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recordings (id, peer_identity, transport_device_id, started_at, latitude, longitude, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.PeerIdentity, s.TransportDeviceID, s.StartedAt, lat, lon, StatusRecording)
	if err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	return nil
}

// Update changes the non-nil fields of f.
func (r *PostgresRepository) Update(ctx context.Context, id string, f Fields) error {
	var lat, lon sql.NullFloat64
	if f.Coordinate != nil {
		lat = sql.NullFloat64{Float64: f.Coordinate.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: f.Coordinate.Longitude, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE recordings SET
			peer_identity = COALESCE($2, peer_identity),
			latitude = COALESCE($3, latitude),
			longitude = COALESCE($4, longitude),
			artifact_location = COALESCE($5, artifact_location),
			updated_at = now()
		WHERE id = $1`,
		id, nullString(f.PeerIdentity), lat, lon, nullString(f.ArtifactLocation))
	if err != nil {
		return fmt.Errorf("update recording: %w", err)
	}
	return requireRow(res)
}

// Complete finalizes a session.
func (r *PostgresRepository) Complete(ctx context.Context, id, artifactLocation string, endedAt time.Time, durationSeconds int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recordings SET
			artifact_location = NULLIF($2, ''),
			ended_at = $3,
			duration_seconds = $4,
			status = $5,
			updated_at = now()
		WHERE id = $1`,
		id, artifactLocation, endedAt, durationSeconds, StatusComplete)
	if err != nil {
		return fmt.Errorf("complete recording: %w", err)
	}
	return requireRow(res)
}

// UpdateIdentity re-keys a session to a newly resolved peer identity.
func (r *PostgresRepository) UpdateIdentity(ctx context.Context, id, peerIdentity string) error {
	return r.Update(ctx, id, Fields{PeerIdentity: &peerIdentity})
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.RecordingSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM recordings WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// ListRecent returns the newest sessions first.
func (r *PostgresRepository) ListRecent(ctx context.Context, limit int) ([]*domain.RecordingSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM recordings ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.RecordingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.RecordingSession, error) {
	var (
		s        domain.RecordingSession
		ended    sql.NullTime
		duration sql.NullInt64
		artifact sql.NullString
		lat, lon sql.NullFloat64
		status   string
	)
	if err := row.Scan(&s.ID, &s.PeerIdentity, &s.TransportDeviceID, &s.StartedAt, &ended,
		&duration, &artifact, &lat, &lon, &status); err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	s.DurationSeconds = int(duration.Int64)
	s.ArtifactLocation = artifact.String
	if lat.Valid && lon.Valid {
		s.Coordinate = &domain.Coordinate{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	s.Status = statusFromStored(status)
	return &s, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
