package domain

import "time"

// State is the proximity state of a tracked peer.
type State int

const (
	// StateIdle is the initial state: the peer is not considered near.
	StateIdle State = iota
	// StateDetected means the filtered signal crossed the enter threshold.
	StateDetected
	// StateConnected is only entered and left by an external driver.
	StateConnected
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetected:
		return "detected"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventType is the kind of proximity event.
type EventType string

const (
	EventDetected EventType = "detected"
	EventLost     EventType = "lost"
)

// PeerObservation is the tracked record for one peer. It is keyed by the
// transport device id until the identity resolves, then by ResolvedIdentity.
type PeerObservation struct {
	DeviceID         string
	ResolvedIdentity string // empty until resolved
	RawSignal        float64
	FilteredSignal   float64
	LastSeenAt       time.Time
	State            State
}

// Key returns the identity the observation is currently tracked under.
func (o PeerObservation) Key() string {
	if o.ResolvedIdentity != "" {
		return o.ResolvedIdentity
	}
	return o.DeviceID
}

// ProximityEvent is emitted on Idle->Detected and Detected->Idle transitions.
type ProximityEvent struct {
	PeerID    string
	Type      EventType
	Timestamp time.Time
}

// IdentityExchangeResult is the outcome of a successful identity exchange.
type IdentityExchangeResult struct {
	PeerIdentity      string
	TransportDeviceID string
	Signal            float64
	Timestamp         time.Time
}
