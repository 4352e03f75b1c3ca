// Package main provides the entry point for the taptap observer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/willglynn/taptap/internal/config"
	"github.com/willglynn/taptap/internal/domain"
	"github.com/willglynn/taptap/internal/link"
	"github.com/willglynn/taptap/internal/pubsub"
	"github.com/willglynn/taptap/internal/service"
	"github.com/willglynn/taptap/internal/source"
	"github.com/willglynn/taptap/internal/store"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	mode := flag.String("mode", "observe", "Mode: observe, peek-bytes, peek-frames")
	serialDevice := flag.String("serial", "", "Serial port device (overrides config)")
	tcpAddress := flag.String("tcp", "", "Serial-over-TCP host (overrides config)")
	replayFile := flag.String("replay", "", "Capture file to replay (overrides config)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("taptap observer %s\n", Version)
		return 0
	}

	// Initialize context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Command line source overrides
	if *serialDevice != "" {
		cfg.Source.Serial = *serialDevice
	}
	if *tcpAddress != "" {
		cfg.Source.TCP = *tcpAddress
	}
	if *replayFile != "" {
		cfg.Source.Replay = *replayFile
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting taptap observer")
	cfg.Print()

	// Open the byte source
	src, err := openSource(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open byte source")
		return 1
	}

	// Diagnostic peek modes bypass the full pipeline
	switch *mode {
	case "peek-bytes":
		return peekBytes(src)
	case "peek-frames":
		return peekFrames(src)
	case "observe":
	default:
		log.Error().Str("mode", *mode).Msg("Unknown mode")
		return 1
	}

	// Assemble the event sinks
	sink, err := buildSink(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up event sinks")
		return 1
	}

	// Create and start the observer pipeline
	svc, err := service.NewObserver(cfg, src, sink)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create observer")
		return 1
	}
	if err := svc.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start observer")
		return 1
	}

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-svc.Done():
		log.Info().Msg("Byte source exhausted")
	}

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping observer")
		return 1
	}

	log.Info().Msg("Observer stopped")
	return 0
}

// openSource builds the configured byte source, optionally teeing it into a
// capture file.
func openSource(cfg *config.Config) (domain.ByteSource, error) {
	var src domain.ByteSource
	var err error

	switch {
	case cfg.Source.Serial != "":
		src, err = source.OpenSerial(cfg.Source.Serial)
	case cfg.Source.TCP != "":
		src, err = source.OpenTCP(cfg.TCPAddress())
	case cfg.Source.Replay != "":
		src, err = source.OpenReplay(cfg.Source.Replay)
	default:
		src = source.FromReader(os.Stdin)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Source.Capture != "" {
		recorder, err := source.NewRecorder(src, cfg.Source.Capture)
		if err != nil {
			src.Close()
			return nil, err
		}
		src = recorder
	}
	return src, nil
}

// buildSink assembles the configured event sinks behind a fanout: NDJSON on
// stdout always, plus MQTT and the SQLite archive when enabled.
func buildSink(ctx context.Context, cfg *config.Config) (domain.EventSink, error) {
	sinks := []domain.EventSink{pubsub.NewWriterSink(os.Stdout)}

	if cfg.MQTT.Enabled {
		mqttSink := pubsub.NewMQTTSink(cfg)
		if err := mqttSink.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, continuing without it")
		} else {
			sinks = append(sinks, mqttSink)
			log.Info().Msg("MQTT sink connected successfully")
		}
	}

	if cfg.Archive.Enabled {
		archive, err := store.Open(cfg.Archive.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, archive)
		log.Info().Str("path", cfg.Archive.Path).Msg("Event archive enabled")
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return pubsub.NewFanoutSink(sinks...), nil
}

// peekBytes dumps the raw byte stream, one line per frame.
func peekBytes(src domain.ByteSource) int {
	defer src.Close()

	buf := make([]byte, 4096)
	lastWas7E := false
	for {
		n, _, err := src.Read(buf)
		if n > 0 {
			var sb strings.Builder
			for _, b := range buf[:n] {
				sep := " "
				if lastWas7E && b == 0x08 {
					sep = "\n"
				}
				fmt.Fprintf(&sb, "%02X%s", b, sep)
				lastWas7E = b == 0x7E
			}
			os.Stdout.WriteString(sb.String())
		}
		if err != nil {
			return 0
		}
	}
}

// frameDumper prints decoded frames.
type frameDumper struct{}

func (frameDumper) Frame(at time.Time, frame link.Frame) {
	fmt.Printf("%s %s %s type=%s payload=% X\n",
		at.Format(time.RFC3339Nano), frame.Direction, frame.GatewayID(), frame.Type, frame.Payload)
}

// peekFrames dumps assembled link layer frames.
func peekFrames(src domain.ByteSource) int {
	defer src.Close()

	rx := link.NewReceiver(frameDumper{})
	buf := make([]byte, 4096)
	for {
		n, at, err := src.Read(buf)
		if n > 0 {
			rx.Feed(at, buf[:n])
		}
		if err != nil {
			return 0
		}
	}
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development; events go to stdout,
	// logs to stderr.
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Logger()
}
