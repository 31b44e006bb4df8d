// Package location provides best-effort location fixes for recorded encounters.
package location

import (
	"context"
	"time"

	"linkless/agent/internal/encounter/domain"
)

// DefaultTimeout bounds a BestEffort fix.
const DefaultTimeout = 5 * time.Second

// Provider returns the current location, or nil when none is available.
type Provider interface {
	GetFix(ctx context.Context) *domain.Coordinate
}

// Static always reports the same coordinate.
type Static struct {
	Coordinate domain.Coordinate
}

func (s Static) GetFix(ctx context.Context) *domain.Coordinate {
	c := s.Coordinate
	return &c
}

// None never has a fix.
type None struct{}

func (None) GetFix(context.Context) *domain.Coordinate { return nil }

// BestEffort asks p for a fix, giving up after timeout or when ctx ends.
func BestEffort(ctx context.Context, p Provider, timeout time.Duration) *domain.Coordinate {
	if p == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan *domain.Coordinate, 1)
	go func() { ch <- p.GetFix(ctx) }()
	select {
	case c := <-ch:
		return c
	case <-ctx.Done():
		return nil
	}
}
