package room

import (
	"sync"

	"github.com/watchsync/server/internal/metrics"
)

// Subscription is one subscriber's view of a room's broadcast fan-out: a
// receive-only channel of pre-serialized frames, already in final wire
// form. Subscribers must never rewrite or re-serialize what arrives here.
type Subscription struct {
	ch chan []byte
	b  *broadcaster
	id uint64
}

// C returns the channel frames arrive on. It closes when the subscription
// is dropped, whether by an explicit Close or because the subscriber fell
// behind and was evicted.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Close removes the subscription from its broadcaster. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.b.unsubscribe(s.id)
}

// broadcaster is a single-producer-many-consumer fan-out of opaque,
// already-serialized frame bytes to every current subscriber of one room.
// Publish never blocks: a subscriber whose channel is full is dropped
// instead of stalling the publisher or every other subscriber.
type broadcaster struct {
	mu       sync.Mutex
	subs     map[uint64]chan []byte
	nextID   uint64
	capacity int
	roomID   string
}

func newBroadcaster(roomID string, capacity int) *broadcaster {
	if capacity < 1 {
		capacity = 1
	}
	return &broadcaster{subs: make(map[uint64]chan []byte), capacity: capacity, roomID: roomID}
}

// Subscribe registers a new subscriber and returns its handle.
func (b *broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, b.capacity)
	b.subs[id] = ch
	return &Subscription{ch: ch, b: b, id: id}
}

func (b *broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish fans frame out to every current subscriber without blocking.
// A subscriber that has fallen behind (its channel is full) is evicted on
// the spot; its connection actor observes the channel close on its next
// receive and tears itself down through the normal supervisor path.
func (b *broadcaster) Publish(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- frame:
		default:
			delete(b.subs, id)
			close(ch)
			metrics.BroadcastsDropped.WithLabelValues(b.roomID).Inc()
		}
	}
}

// Count returns the number of current subscribers.
func (b *broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CloseAll drops every subscriber, e.g. when the room itself is torn down.
func (b *broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
