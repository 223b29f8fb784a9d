// Package stream fan-outs verification decisions to live subscribers
// (SSE clients such as an organizer dashboard watching check-ins arrive).
package stream

import (
	"context"
	"sync"
	"time"
)

// Decision describes one pipeline outcome for the live feed.
type Decision struct {
	EventID   string    `json:"event_id"`
	CampusID  string    `json:"campus_id"`
	ActorID   string    `json:"actor_id"`
	Outcome   string    `json:"outcome"`
	Score     float64   `json:"score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream broadcasts decisions to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Decision
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Decision)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// decisions. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Decision {
	ch := make(chan Decision, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the decision to all subscribers.
func (s *Stream) Publish(d Decision) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- d:
		default:
			// Drop when a subscriber is slow to avoid blocking the pipeline.
		}
	}
}
