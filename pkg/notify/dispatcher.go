package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stageflow/pkg/logx"
	"stageflow/pkg/proto"
)

const (
	defaultBuffer  = 256
	deliverTimeout = 5 * time.Second
)

// Dispatcher delivers events to a sink from a single background goroutine.
// Publish never blocks: when the buffer is full the event is dropped and
// counted. Sink errors and panics are logged and never propagate.
type Dispatcher struct {
	sink    Sink
	logger  *logx.Logger
	events  chan proto.Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher starts a dispatcher. A buffer <= 0 uses the default size.
func NewDispatcher(sink Sink, buffer int, logger *logx.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = logx.NewLogger("notify")
	}
	d := &Dispatcher{
		sink:   sink,
		logger: logger,
		events: make(chan proto.Event, buffer),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

// Publish enqueues an event for delivery. Safe to call on a nil receiver.
func (d *Dispatcher) Publish(event proto.Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- event:
	default:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for event := range d.events {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event proto.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Error("notification sink panicked on %s: %v", event.String(), r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := d.sink.Notify(ctx, event); err != nil {
		d.failed.Add(1)
		d.logger.Warn("notification delivery failed for %s: %v", event.String(), err)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification drain interrupted: %w", ctx.Err())
	}
}

// Dropped returns the number of events dropped because the buffer was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Failed returns the number of deliveries that errored or panicked.
func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}
