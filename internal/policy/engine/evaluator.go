package engine

import "context"

// Input is the context a recording decision is made in.
type Input struct {
	PeerID     string
	DeviceID   string
	Foreground bool
	Blocked    bool
}

// Evaluator decides whether an encounter with a peer may be recorded.
type Evaluator interface {
	// AllowRecording reports whether recording may start. Implementations fail
	// closed: a non-nil error comes with false.
	AllowRecording(ctx context.Context, in Input) (bool, error)
}
