package procedure

import (
	"sync"

	"github.com/google/uuid"
)

// EventStreamer fans run events out to subscribers. A subscription on
// uuid.Nil receives events of every run.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID][]chan *EventRecord
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[uuid.UUID][]chan *EventRecord),
	}
}

func (s *EventStreamer) Subscribe(runID uuid.UUID) <-chan *EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *EventRecord, 100)
	s.subscribers[runID] = append(s.subscribers[runID], ch)
	return ch
}

// SubscribeAll receives events of every run.
func (s *EventStreamer) SubscribeAll() <-chan *EventRecord {
	return s.Subscribe(uuid.Nil)
}

func (s *EventStreamer) Unsubscribe(runID uuid.UUID, ch <-chan *EventRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[runID]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(s.subscribers[runID]) == 0 {
		delete(s.subscribers, runID)
	}
}

func (s *EventStreamer) Broadcast(event *EventRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	send := func(ch chan *EventRecord) {
		select {
		case ch <- event:
		default:
			// Skip if channel is full
		}
	}
	for _, ch := range s.subscribers[event.RunID] {
		send(ch)
	}
	if event.RunID != uuid.Nil {
		for _, ch := range s.subscribers[uuid.Nil] {
			send(ch)
		}
	}
}
