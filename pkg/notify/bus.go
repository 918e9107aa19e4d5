package notify

import (
	"context"
	"sync"

	"stageflow/pkg/proto"
)

// Bus is a non-blocking in-process broadcast of workflow events. Slow
// subscribers miss events rather than blocking the publisher. The bus is
// nil-safe: Notify on a nil *Bus is a no-op.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan proto.Event]struct{}
	recvToSend map[<-chan proto.Event]chan proto.Event
}

// NewBus creates a new event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan proto.Event]struct{}),
		recvToSend: make(map[<-chan proto.Event]chan proto.Event),
	}
}

// Notify broadcasts the event to all subscribers.
func (b *Bus) Notify(_ context.Context, e proto.Event) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan proto.Event {
	ch := make(chan proto.Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan proto.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
