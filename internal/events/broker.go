package events

import (
	"strings"
	"sync"
	"time"
)

// Envelope is the transport form of a run event. History reads and live
// subscriptions hand clients the same shape, so the two paths are
// interchangeable.
type Envelope struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Level     string         `json:"level"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type subscriber struct {
	id    int64
	runID string
	ch    chan Envelope
}

// Broker fans live run events out to subscribers keyed by run id.
// Subscriptions are in-memory only; after a restart clients re-fetch the
// persisted history instead.
type Broker struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	bufferSize  int
	subscribers map[string]map[int64]subscriber
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Broker{
		bufferSize:  bufferSize,
		subscribers: make(map[string]map[int64]subscriber),
	}
}

// Subscribe registers a fresh delivery queue for runID and returns it with a
// closure that removes it again. The closure is safe to call more than once.
func (b *Broker) Subscribe(runID string) (<-chan Envelope, func()) {
	runID = strings.TrimSpace(runID)

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, b.bufferSize)
	if b.closed || runID == "" {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	sub := subscriber{id: b.nextID, runID: runID, ch: ch}
	if _, ok := b.subscribers[runID]; !ok {
		b.subscribers[runID] = make(map[int64]subscriber)
	}
	b.subscribers[runID][sub.id] = sub
	return ch, func() {
		b.unsubscribe(runID, sub.id)
	}
}

// Publish delivers evt to every queue currently registered for runID. It
// never blocks: a full queue loses its oldest entry once and, failing that,
// the event is dropped for that subscriber. Delivery happens under the
// registry read lock; channels are only closed under the write lock, so a
// send can never race an unsubscribe's close.
// Returns how many queues accepted the event and how many dropped it.
func (b *Broker) Publish(runID string, evt Envelope) (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, 0
	}
	for _, sub := range b.subscribers[strings.TrimSpace(runID)] {
		if trySend(sub.ch, evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// SubscriberCount reports the number of live queues for runID.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[strings.TrimSpace(runID)])
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for runID, subs := range b.subscribers {
		for id, sub := range subs {
			close(sub.ch)
			delete(subs, id)
		}
		delete(b.subscribers, runID)
	}
}

func (b *Broker) unsubscribe(runID string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[runID]
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.subscribers, runID)
	}
}

func trySend(ch chan Envelope, evt Envelope) bool {
	select {
	case ch <- evt:
		return true
	default:
		// Drop one stale event and retry once so a slow consumer cannot
		// stall fanout for everyone else.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- evt:
			return true
		default:
			return false
		}
	}
}
