// Package capability isolates platform-specific scan and background behavior
// behind a small interface consulted only at the orchestrator's edge.
package capability

import (
	"sync/atomic"
	"time"
)

// Intensity is the recommended scan intensity for the next scan cycle.
type Intensity int

const (
	// IntensityHigh runs full-length scan cycles with the configured pause.
	IntensityHigh Intensity = iota
	// IntensityLow halves the cycle and doubles the pause.
	IntensityLow
)

// String returns "high" or "low".
func (i Intensity) String() string {
	if i == IntensityLow {
		return "low"
	}
	return "high"
}

// Capability reports the platform facts the orchestrators branch on.
type Capability interface {
	ScanIntensity() Intensity
	Backgrounded() bool
}

// AppState is a Capability driven by explicit foreground/background signals.
// The zero value is backgrounded.
type AppState struct {
	foreground atomic.Bool
}

// NewAppState returns an AppState starting in the given foreground state.
func NewAppState(foreground bool) *AppState {
	s := &AppState{}
	s.foreground.Store(foreground)
	return s
}

// SetForeground records whether the app is in its active foreground context.
func (s *AppState) SetForeground(foreground bool) {
	s.foreground.Store(foreground)
}

// Backgrounded reports true when the app is not in the foreground.
func (s *AppState) Backgrounded() bool {
	return !s.foreground.Load()
}

// ScanIntensity is high while foregrounded.
func (s *AppState) ScanIntensity() Intensity {
	if s.Backgrounded() {
		return IntensityLow
	}
	return IntensityHigh
}

// ScaleCycle returns the scan duration and pause for intensity i.
func ScaleCycle(i Intensity, scan, pause time.Duration) (time.Duration, time.Duration) {
	if i == IntensityLow {
		return scan / 2, pause * 2
	}
	return scan, pause
}
