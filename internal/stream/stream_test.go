package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)

	want := Decision{EventID: "evt-1", CampusID: "snsu-main", ActorID: "stu-1", Outcome: "accepted", Score: 0.9, Timestamp: time.Now()}
	s.Publish(want)

	for name, ch := range map[string]<-chan Decision{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got.EventID != want.EventID || got.Outcome != want.Outcome {
				t.Fatalf("subscriber %s got %+v", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestSubscribeClosesOnContextEnd(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("channel delivered a value instead of closing")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context end")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(Decision{EventID: "evt-1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
