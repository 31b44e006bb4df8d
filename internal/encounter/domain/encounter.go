package domain

import (
	"time"

	"linkless/agent/internal/profile"
)

// SessionStatus is the state of the encounter gate.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusPending   SessionStatus = "pending"
	StatusRecording SessionStatus = "recording"
	StatusError     SessionStatus = "error"
)

// Coordinate is a best-effort location fix.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RecordingSession is one recorded encounter with a resolved peer.
type RecordingSession struct {
	ID                string
	PeerIdentity      string
	TransportDeviceID string
	StartedAt         time.Time
	EndedAt           *time.Time // nil while recording
	DurationSeconds   int
	ArtifactLocation  string // empty until capture stops
	Coordinate        *Coordinate
	Status            SessionStatus
}

// DurationSeconds returns whole seconds between start and end, rounded up.
func DurationSeconds(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// SessionState is published on every gate transition.
type SessionState struct {
	Status    SessionStatus `json:"status"`
	PeerID    string        `json:"peer_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	At        time.Time     `json:"at"`
	Reason    string        `json:"reason,omitempty"`
}

// ResolvedPeer is published once a peer's identity and profile are known.
type ResolvedPeer struct {
	Identity string           `json:"identity"`
	DeviceID string           `json:"device_id,omitempty"`
	Profile  *profile.Profile `json:"profile,omitempty"`
}
