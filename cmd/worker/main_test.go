package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
)

// scriptedReader returns its messages in order, then blocks until ctx ends.
type scriptedReader struct {
	mu   sync.Mutex
	msgs []kafka.Message
	errs []error
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

type mockPusher struct {
	mu     sync.Mutex
	lines  []string
	failOn string
	done   chan struct{}
	want   int
}

func (p *mockPusher) PushEntryJSON(_ context.Context, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, string(raw))
	if len(p.lines) == p.want {
		close(p.done)
	}
	if string(raw) == p.failOn {
		return errors.New("loki unavailable")
	}
	return nil
}

func TestConsume(t *testing.T) {
	reader := &scriptedReader{
		errs: []error{errors.New("broker not available")},
		msgs: []kafka.Message{
			{Value: []byte(`{"category":"scan","message":"a"}`)},
			{Value: []byte(`{"category":"chain","message":"b"}`)},
			{Value: []byte(`{"category":"session","message":"c"}`)},
		},
	}
	pusher := &mockPusher{failOn: `{"category":"chain","message":"b"}`, done: make(chan struct{}), want: 3}

	ctx, cancel := context.WithCancel(context.Background())
	type result struct{ pushed, failed int }
	out := make(chan result, 1)
	go func() {
		p, f := consume(ctx, reader, pusher)
		out <- result{p, f}
	}()

	<-pusher.done
	cancel()
	res := <-out
	if res.pushed != 2 || res.failed != 1 {
		t.Errorf("pushed=%d failed=%d, want 2 and 1", res.pushed, res.failed)
	}
	if len(pusher.lines) != 3 || pusher.lines[0] != `{"category":"scan","message":"a"}` {
		t.Errorf("lines = %v", pusher.lines)
	}
}
