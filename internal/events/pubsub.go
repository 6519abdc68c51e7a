package events

import (
	"sync"

	"github.com/conductor-sh/conductor/internal/store"
)

// Bus is an in-process pub/sub fan-out over store.Event. It generalizes the
// control plane's dashboard event bus to the full event log: Publish is
// non-blocking per subscriber, so one slow SSE client can never stall
// another subscriber or the transaction that produced the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan store.Event
	bufferSize  int
}

// NewBus creates a bus whose subscriber channels default to bufferSize
// slots unless Subscribe is given an explicit size.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{subscribers: make(map[string]chan store.Event), bufferSize: bufferSize}
}

// Publish fans e out to every current subscriber. A subscriber whose
// channel is full is skipped for this event rather than blocking the
// publisher — the committed event remains durable in the log and the
// subscriber catches up via Replay on reconnect.
func (b *Bus) Publish(e store.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers id, replacing and closing any previous subscriber
// under the same id so a given logical subscriber never receives events on
// two channels at once. size overrides the bus default when positive.
func (b *Bus) Subscribe(id string, size int) <-chan store.Event {
	if size < 1 {
		size = b.bufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan store.Event, size)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes and closes id's channel, if still registered. Safe to
// call more than once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
