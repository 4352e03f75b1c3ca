// Package service wires the observer pipeline: byte source → link layer →
// transport layer → PV application layer → session tracker → event sinks.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/willglynn/taptap/internal/api"
	"github.com/willglynn/taptap/internal/config"
	"github.com/willglynn/taptap/internal/domain"
	"github.com/willglynn/taptap/internal/link"
	"github.com/willglynn/taptap/internal/observer"
	"github.com/willglynn/taptap/internal/pv"
	"github.com/willglynn/taptap/internal/transport"
)

// readBufferSize is the chunk size for source reads. The bus runs at 38400
// baud (8N1, about 3840 bytes per second), so this is about one second of
// traffic.
const readBufferSize = 4096

// Observer runs the complete observation pipeline against a byte source.
type Observer struct {
	config *config.Config
	source domain.ByteSource
	sink   domain.EventSink

	observer    *observer.Observer
	pvRx        *pv.Receiver
	transportRx *transport.Receiver
	linkRx      *link.Receiver
	apiServer   *api.Server

	done     chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewObserver builds the pipeline. Events flow from the session tracker into
// sink synchronously, in bus order.
func NewObserver(cfg *config.Config, src domain.ByteSource, sink domain.EventSink) (*Observer, error) {
	s := &Observer{
		config: cfg,
		source: src,
		sink:   sink,
		done:   make(chan struct{}),
		logger: log.With().Str("component", "service").Logger(),
	}

	s.observer = observer.New(observer.Config{RedactKeys: cfg.RedactKeys}, s.emit)
	s.pvRx = pv.NewReceiver(s.observer)
	s.transportRx = transport.NewReceiver(s.pvRx)
	s.linkRx = link.NewReceiver(s.transportRx)

	if cfg.StateFile != "" {
		if err := s.observer.LoadState(cfg.StateFile); err != nil {
			return nil, fmt.Errorf("failed to restore state: %w", err)
		}
	}

	if cfg.API.Enabled {
		s.apiServer = api.NewServer(cfg, s)
	}

	return s, nil
}

// emit forwards one event to the sink.
func (s *Observer) emit(event domain.Event) {
	if err := s.sink.Publish(context.Background(), event); err != nil {
		s.logger.Error().Err(err).Str("kind", event.Kind()).Msg("Failed to publish event")
	}
}

// Start launches the API server and the read loop.
func (s *Observer) Start(ctx context.Context) error {
	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	go s.run()

	s.logger.Info().Msg("Observer pipeline started")
	return nil
}

// run is the pipeline's single thread: it reads timestamped chunks and
// drives every layer in arrival order.
func (s *Observer) run() {
	defer close(s.done)

	buf := make([]byte, readBufferSize)
	for {
		n, at, err := s.source.Read(buf)
		if n > 0 {
			s.linkRx.Feed(at, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Warn().Err(err).Msg("Byte source terminated")
			}
			return
		}
	}
}

// Done is closed once the byte source is exhausted and all resulting events
// have been emitted.
func (s *Observer) Done() <-chan struct{} {
	return s.done
}

// Stop shuts the pipeline down: the source is closed, the read loop drains,
// state is persisted, and the API server and sink are stopped.
func (s *Observer) Stop(ctx context.Context) error {
	var firstErr error
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping observer pipeline")

		if err := s.source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		// Wait for the read loop to drain any in-flight frame
		select {
		case <-s.done:
		case <-ctx.Done():
			firstErr = ctx.Err()
		}

		if s.config.StateFile != "" {
			if err := s.observer.SaveState(s.config.StateFile); err != nil {
				s.logger.Error().Err(err).Msg("Failed to persist state")
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		if s.apiServer != nil {
			if err := s.apiServer.Stop(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		if err := s.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// --- api.Pipeline ---

// LinkCounters returns the link layer activity counters.
func (s *Observer) LinkCounters() link.Counters {
	return s.linkRx.Counters()
}

// TransportCounters returns the transport layer activity counters.
func (s *Observer) TransportCounters() transport.Counters {
	return s.transportRx.Counters()
}

// PVCounters returns the PV application layer activity counters.
func (s *Observer) PVCounters() pv.Counters {
	return s.pvRx.Counters()
}

// ObserverCounters returns the session tracker activity counters.
func (s *Observer) ObserverCounters() observer.Counters {
	return s.observer.Counters()
}

// Snapshot returns the gateway registry snapshot.
func (s *Observer) Snapshot() []observer.GatewaySnapshot {
	return s.observer.Snapshot()
}

// Phase returns the enumeration machine phase.
func (s *Observer) Phase() observer.EnumerationPhase {
	return s.observer.Phase()
}
