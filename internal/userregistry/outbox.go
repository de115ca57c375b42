package userregistry

import (
	"context"
	"sync"
)

// Outbox is an unbounded, ordered, single-consumer queue of outbound wire
// frames for one connection. Unlike a fixed-capacity channel, a slow reader
// never blocks a writer here; direct replies and the initial video_data
// snapshot are pushed into it without risk of stalling on one connection.
// Room broadcasts do not pass through it; they arrive on the connection's
// broadcast subscription.
type Outbox struct {
	mu      sync.Mutex
	items   [][]byte
	notify  chan struct{}
	closed  bool
	closeCh chan struct{}
}

// NewOutbox returns an empty, open outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Push enqueues msg. It returns false without enqueuing if the outbox has
// already been closed.
func (o *Outbox) Push(msg []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, msg)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

func (o *Outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil, false
	}
	msg := o.items[0]
	o.items = o.items[1:]
	return msg, true
}

// Next blocks until a message is available, the outbox is closed, or ctx is
// canceled. The second return value is false only when the outbox drained
// and closed with nothing left, or ctx ended first.
func (o *Outbox) Next(ctx context.Context) ([]byte, bool) {
	for {
		if msg, ok := o.pop(); ok {
			return msg, true
		}
		select {
		case <-o.notify:
			continue
		case <-o.closeCh:
			if msg, ok := o.pop(); ok {
				return msg, true
			}
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close marks the outbox closed, waking any blocked Next call once queued
// messages are drained. Close is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	close(o.closeCh)
}
