package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/willglynn/taptap/internal/config"
	"github.com/willglynn/taptap/internal/domain"
)

// MQTTSink publishes events to an MQTT broker, one topic per event kind.
type MQTTSink struct {
	config        *config.Config
	client        mqtt.Client
	connected     bool
	logger        zerolog.Logger
	clientFactory func(*config.Config) mqtt.Client // Factory function for creating MQTT clients (testable)
}

// NewMQTTSink creates a new MQTT event sink.
func NewMQTTSink(cfg *config.Config) *MQTTSink {
	return &MQTTSink{
		config:        cfg,
		clientFactory: createMQTTClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
	}
}

// createMQTTClient builds a paho client from configuration.
func createMQTTClient(cfg *config.Config) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
	opts.SetClientID(fmt.Sprintf("taptap-%d", time.Now().UnixNano()))
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	return mqtt.NewClient(opts)
}

// Connect establishes the broker connection.
func (s *MQTTSink) Connect(ctx context.Context) error {
	s.client = s.clientFactory(s.config)

	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out connecting to MQTT broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	s.connected = true
	s.logger.Info().
		Str("host", s.config.MQTT.Host).
		Int("port", s.config.MQTT.Port).
		Msg("Connected to MQTT broker")
	return nil
}

// Publish sends one event to <topic>/<kind> as JSON.
func (s *MQTTSink) Publish(ctx context.Context, event domain.Event) error {
	if !s.connected {
		return fmt.Errorf("not connected to MQTT broker")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", s.config.MQTT.Topic, event.Kind())
	token := s.client.Publish(topic, 0, s.config.MQTT.Retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	s.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Published event")
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	if s.client != nil && s.connected {
		s.client.Disconnect(250)
		s.connected = false
	}
	return nil
}
