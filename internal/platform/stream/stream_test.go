package stream

import (
	"errors"
	"testing"
	"time"
)

func TestQueue_PreservesOrder(t *testing.T) {
	q := NewQueue[int]()
	defer q.Close()

	for i := 0; i < 100; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false on open queue", i)
		}
	}
	for want := 0; want < 100; want++ {
		select {
		case got := <-q.Out():
			if got != want {
				t.Fatalf("got %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %d", want)
		}
	}
}

func TestQueue_PushAfterClose(t *testing.T) {
	q := NewQueue[string]()
	q.Close()
	q.Close()

	if q.Push("x") {
		t.Error("Push after Close should return false")
	}
	select {
	case _, ok := <-q.Out():
		if ok {
			t.Error("Out should be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Out was not closed")
	}
}

func TestHub_SubscribePublish(t *testing.T) {
	h := NewHub[string]()
	defer h.Close()

	a, err := h.Subscribe("a", 2)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := h.Subscribe("a", 2); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate Subscribe err = %v, want ErrSubscriberExists", err)
	}

	h.Publish("one")
	h.Publish("two")
	h.Publish("three") // dropped, buffer is 2

	if got := <-a; got != "one" {
		t.Errorf("first = %q, want one", got)
	}
	if got := <-a; got != "two" {
		t.Errorf("second = %q, want two", got)
	}
	stats := h.Stats()
	if stats.TotalPublished != 3 {
		t.Errorf("TotalPublished = %d, want 3", stats.TotalPublished)
	}
	if s := stats.Subscribers["a"]; s.Sent != 2 || s.Dropped != 1 {
		t.Errorf("stats = %+v, want Sent=2 Dropped=1", s)
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub[int]()
	ch, _ := h.Subscribe("x", 1)

	if err := h.Unsubscribe("x"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if err := h.Unsubscribe("x"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("second Unsubscribe err = %v, want ErrSubscriberNotFound", err)
	}

	h.Close()
	if _, err := h.Subscribe("y", 1); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Subscribe after Close err = %v, want ErrHubClosed", err)
	}
	h.Publish(1) // must not panic
}
