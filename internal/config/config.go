// Package config provides configuration management for the taptap observer.
package config

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel   string `mapstructure:"log_level"`
	RedactKeys bool   `mapstructure:"redact_keys"`
	StateFile  string `mapstructure:"state_file"`

	// Byte source settings. Exactly one of serial, tcp, or replay should be
	// set.
	Source struct {
		Serial  string `mapstructure:"serial"`
		TCP     string `mapstructure:"tcp"`
		Port    int    `mapstructure:"port"`
		Replay  string `mapstructure:"replay"`
		Capture string `mapstructure:"capture"`
	} `mapstructure:"source"`

	// HTTP diagnostics API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`
	} `mapstructure:"mqtt"`

	// SQLite event archive settings
	Archive struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"archive"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:   "info",
		RedactKeys: true,
	}

	// Default source: serial-over-TCP bridges listen on 7160
	cfg.Source.Port = 7160

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/taptap"

	// Default archive settings
	cfg.Archive.Enabled = false
	cfg.Archive.Path = "taptap.db"

	return cfg
}

// TCPAddress combines the TCP host and port settings.
func (c *Config) TCPAddress() string {
	return fmt.Sprintf("%s:%d", c.Source.TCP, c.Source.Port)
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("TAPTAP")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("taptap Observer Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Bool("redact_keys", c.RedactKeys).Msg("Redact Keys")
	if c.StateFile != "" {
		logger.Info().Str("state_file", c.StateFile).Msg("State File")
	}

	switch {
	case c.Source.Serial != "":
		logger.Info().Str("serial", c.Source.Serial).Msg("Source")
	case c.Source.TCP != "":
		logger.Info().Str("tcp", c.TCPAddress()).Msg("Source")
	case c.Source.Replay != "":
		logger.Info().Str("replay", c.Source.Replay).Msg("Source")
	default:
		logger.Info().Msg("Source: stdin")
	}
	if c.Source.Capture != "" {
		logger.Info().Str("capture", c.Source.Capture).Msg("Recording to capture file")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("retain", c.MQTT.Retain).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.Archive.Enabled).Msg("Archive Enabled")
	if c.Archive.Enabled {
		logger.Info().Str("path", c.Archive.Path).Msg("Archive Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
