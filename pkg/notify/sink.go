// Package notify delivers workflow events to streaming sinks (event journal,
// NATS subjects, websocket clients) without ever blocking the engine.
package notify

import (
	"context"
	"errors"

	"stageflow/pkg/proto"
)

// Sink receives workflow events.
type Sink interface {
	Notify(ctx context.Context, event proto.Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, event proto.Event) error

func (f SinkFunc) Notify(ctx context.Context, event proto.Event) error {
	return f(ctx, event)
}

// Multi fans an event out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return SinkFunc(func(ctx context.Context, event proto.Event) error {
		var errs []error
		for _, s := range filtered {
			if err := s.Notify(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
