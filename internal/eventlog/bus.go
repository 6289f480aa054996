package eventlog

import (
	"sync"

	"github.com/agentcompany/agentcompany/internal/domain"
)

const defaultSubscriberBuffer = 64

// Bus is the in-process event bus fed by Log.Append and by the Observer.
// Publish never blocks; a subscriber whose channel is full misses the
// envelope (a file observer will re-deliver it, so subscribers must
// tolerate duplicates anyway).
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan *domain.Envelope
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan *domain.Envelope)}
}

// Subscribe registers a subscriber. The returned cancel func unregisters
// it and closes the channel.
func (b *Bus) Subscribe() (<-chan *domain.Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan *domain.Envelope, defaultSubscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers env to every subscriber without blocking.
func (b *Bus) Publish(env *domain.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			// Slow subscriber; drop. Observers re-deliver from disk.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
