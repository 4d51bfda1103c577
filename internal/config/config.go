// Package config provides configuration management for hibiki using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultMaxAliveTime       = 10 * time.Second
	defaultClientStallTimeout = 10 * time.Second
	defaultONAirFreezeTimeout = 20 * time.Second
	defaultMaxEncoderRestarts = 5
)

// BackendKind selects the tuner-control backend.
type BackendKind string

// Supported tuner-control backends.
const (
	BackendEDCB      BackendKind = "edcb"
	BackendMirakurun BackendKind = "mirakurun"
)

// Config holds all configuration for the application.
type Config struct {
	Backend    BackendConfig    `mapstructure:"backend"`
	Encoder    EncoderConfig    `mapstructure:"encoder"`
	LiveStream LiveStreamConfig `mapstructure:"livestream"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BackendConfig holds tuner-control backend configuration.
type BackendConfig struct {
	// Kind selects the backend variant: "edcb" or "mirakurun".
	Kind BackendKind `mapstructure:"kind"`
	// Endpoint is the backend address: "host:port" for EDCB's CtrlCmd TCP
	// interface, or a base URL for Mirakurun.
	Endpoint string `mapstructure:"endpoint"`
	// AlwaysUseMirakurunForTV forces the Mirakurun streaming path even on
	// EDCB installs that also run Mirakurun.
	AlwaysUseMirakurunForTV bool `mapstructure:"always_use_mirakurun_for_tv"`
}

// EncoderConfig holds encoder selection configuration.
type EncoderConfig struct {
	// Kind is one of: FFmpeg, QSVEncC, NVEncC, VCEEncC, rkmppenc.
	Kind string `mapstructure:"kind"`
	// BinaryPath overrides the encoder binary location (empty = the encoder
	// package's search: HIBIKI_<ENCODER>_PATH, ./<binary>, then $PATH).
	BinaryPath string `mapstructure:"binary_path"`
}

// LiveStreamConfig holds live stream lifecycle configuration.
type LiveStreamConfig struct {
	// MaxAliveTime is how long an Idling stream keeps its tuner and encoder
	// before going Offline.
	MaxAliveTime time.Duration `mapstructure:"max_alive_time"`
	// ClientStallTimeout is how long a client may go without reading before
	// it is evicted from the fan-out.
	ClientStallTimeout time.Duration `mapstructure:"client_stall_timeout"`
	// ONAirFreezeTimeout is how long encoder output may stall while ONAir
	// before the encoder is restarted.
	ONAirFreezeTimeout time.Duration `mapstructure:"onair_freeze_timeout"`
	// MaxEncoderRestarts bounds restart attempts per stream.
	MaxEncoderRestarts int `mapstructure:"max_encoder_restarts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with HIBIKI_, using underscores for nesting.
// Example: HIBIKI_BACKEND_ENDPOINT=192.168.1.10:4510.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hibiki")
		v.AddConfigPath("$HOME/.hibiki")
	}

	v.SetEnvPrefix("HIBIKI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend.kind", string(BackendEDCB))
	v.SetDefault("backend.endpoint", "127.0.0.1:4510")
	v.SetDefault("backend.always_use_mirakurun_for_tv", false)

	v.SetDefault("encoder.kind", "FFmpeg")
	v.SetDefault("encoder.binary_path", "")

	v.SetDefault("livestream.max_alive_time", defaultMaxAliveTime)
	v.SetDefault("livestream.client_stall_timeout", defaultClientStallTimeout)
	v.SetDefault("livestream.onair_freeze_timeout", defaultONAirFreezeTimeout)
	v.SetDefault("livestream.max_encoder_restarts", defaultMaxEncoderRestarts)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendEDCB, BackendMirakurun:
	default:
		return fmt.Errorf("backend.kind must be one of: edcb, mirakurun")
	}
	if c.Backend.Endpoint == "" {
		return fmt.Errorf("backend.endpoint is required")
	}
	if c.Backend.Kind == BackendMirakurun || c.Backend.AlwaysUseMirakurunForTV {
		if _, err := url.Parse(c.Backend.Endpoint); err != nil {
			return fmt.Errorf("backend.endpoint must be a valid URL for the mirakurun backend: %w", err)
		}
	}

	validEncoders := map[string]bool{
		"FFmpeg": true, "QSVEncC": true, "NVEncC": true, "VCEEncC": true, "rkmppenc": true,
	}
	if !validEncoders[c.Encoder.Kind] {
		return fmt.Errorf("encoder.kind must be one of: FFmpeg, QSVEncC, NVEncC, VCEEncC, rkmppenc")
	}

	if c.LiveStream.MaxAliveTime <= 0 {
		return fmt.Errorf("livestream.max_alive_time must be positive")
	}
	if c.LiveStream.MaxEncoderRestarts < 0 {
		return fmt.Errorf("livestream.max_encoder_restarts must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// UseMirakurunForTV reports whether live TV should be received through the
// Mirakurun streaming API rather than EDCB's tuner control.
func (c *Config) UseMirakurunForTV() bool {
	return c.Backend.Kind == BackendMirakurun || c.Backend.AlwaysUseMirakurunForTV
}
