package location

import (
	"context"
	"testing"
	"time"

	"linkless/agent/internal/encounter/domain"
)

type slowProvider struct{}

func (slowProvider) GetFix(ctx context.Context) *domain.Coordinate {
	<-ctx.Done()
	return &domain.Coordinate{Latitude: 1}
}

func TestBestEffort(t *testing.T) {
	c := BestEffort(context.Background(), Static{Coordinate: domain.Coordinate{Latitude: 52.5, Longitude: 13.4}}, time.Second)
	if c == nil || c.Latitude != 52.5 {
		t.Errorf("static fix = %+v", c)
	}
	if c := BestEffort(context.Background(), None{}, time.Second); c != nil {
		t.Errorf("None fix = %+v", c)
	}
	if c := BestEffort(context.Background(), nil, time.Second); c != nil {
		t.Errorf("nil provider fix = %+v", c)
	}

	start := time.Now()
	if c := BestEffort(context.Background(), slowProvider{}, 20*time.Millisecond); c != nil {
		// The provider may race the timeout; either way BestEffort must return promptly.
		t.Logf("slow provider returned %+v", c)
	}
	if time.Since(start) > time.Second {
		t.Error("BestEffort did not honor its timeout")
	}
}
