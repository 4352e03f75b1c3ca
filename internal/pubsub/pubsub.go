// Package pubsub provides implementations of event sinks.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/willglynn/taptap/internal/domain"
)

// NoopSink is a no-operation implementation of the EventSink interface.
type NoopSink struct{}

// NewNoopSink creates a new no-operation sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

// Publish is a no-op for the NoopSink.
func (s *NoopSink) Publish(_ context.Context, _ domain.Event) error {
	return nil
}

// Close is a no-op for the NoopSink.
func (s *NoopSink) Close() error {
	return nil
}

// WriterSink emits events as line-delimited JSON. It is the reference
// serialization: one event object per line.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing NDJSON to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Publish writes one event as a JSON line.
func (s *WriterSink) Publish(_ context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close is a no-op; the sink does not own its writer.
func (s *WriterSink) Close() error {
	return nil
}

// FanoutSink delivers each event to several sinks in order.
type FanoutSink struct {
	sinks []domain.EventSink
}

// NewFanoutSink creates a sink delivering to each of sinks.
func NewFanoutSink(sinks ...domain.EventSink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

// Publish delivers the event to every sink, returning the first error.
func (s *FanoutSink) Publish(ctx context.Context, event domain.Event) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every sink, returning the first error.
func (s *FanoutSink) Close() error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
