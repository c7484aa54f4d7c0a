package stream

import (
	"context"
	"sync"
	"time"
)

// Event kinds.
const (
	KindAdjusted    = "points.adjusted"
	KindTransferred = "member.transferred"
	KindRemoved     = "member.removed"
	KindGroup       = "group.changed"
)

// PointsEvent describes a committed change that moves a leaderboard.
type PointsEvent struct {
	Kind        string    `json:"kind"`
	MemberID    string    `json:"member_id,omitempty"`
	GroupID     string    `json:"group_id,omitempty"`
	FromGroupID string    `json:"from_group_id,omitempty"`
	Delta       int64     `json:"delta,omitempty"`
	Points      int64     `json:"points"`
	ActorID     string    `json:"actor_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stream fans committed events out to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan PointsEvent
	next int
	buf  int
}

// New initialises an empty stream; each subscriber buffers up to 16 events.
func New() *Stream {
	return &Stream{
		subs: make(map[int]chan PointsEvent),
		buf:  16,
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan PointsEvent {
	ch := make(chan PointsEvent, s.buf)

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

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish fans the event out to all subscribers.
func (s *Stream) Publish(evt PointsEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// slow subscriber; drop rather than block writers
		}
	}
}
