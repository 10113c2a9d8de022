package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ensys/ensys-widget/internal/widget"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port           string          `yaml:"port"`
	BackendURL     string          `yaml:"backendURL"`
	RequestTimeout time.Duration   `yaml:"requestTimeout"`
	RateLocation   string          `yaml:"rateLocation"`
	SessionTTL     time.Duration   `yaml:"sessionTTL"`
	LogLevel       string          `yaml:"logLevel"`
	RateLimit      rateLimitConfig `yaml:"rateLimit"`
	// TrustProxy takes the client address from X-Forwarded-For and X-Real-IP. Only enable it behind a
	// proxy that sets those headers.
	TrustProxy bool `yaml:"trustProxy"`
}

// rateLimitConfig sizes two buckets per client: one for page loads, sends and end chat, and one for the
// keystroke traffic of the message field.
type rateLimitConfig struct {
	PerSecond          float64 `yaml:"perSecond"`
	Burst              int     `yaml:"burst"`
	KeystrokePerSecond float64 `yaml:"keystrokePerSecond"`
	KeystrokeBurst     int     `yaml:"keystrokeBurst"`
}

const (
	envPort       = "ENSYS_PORT"
	envBackendURL = "ENSYS_BACKEND_URL"
)

func defaultConfig() config {
	return config{
		Port:           "8080",
		BackendURL:     "http://localhost:5000",
		RequestTimeout: widget.DefaultRequestTimeout,
		RateLocation:   widget.DefaultRateLocation,
		SessionTTL:     widget.DefaultSessionTTL,
		LogLevel:       "info",
		RateLimit: rateLimitConfig{
			PerSecond:          5,
			Burst:              10,
			KeystrokePerSecond: 20,
			KeystrokeBurst:     40,
		},
	}
}

func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "ensys", "config.yaml"), nil
}

// loadConfig reads the YAML file at path on top of the defaults, then applies the environment, including
// variables from a .env file in the working directory. A missing file is only an error when required is
// set.
func loadConfig(path string, required bool) (config, error) {
	cfg := defaultConfig()

	// The .env file is optional; variables already set in the environment win.
	_ = godotenv.Load()

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !required:
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if v := os.Getenv(envPort); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv(envBackendURL); v != "" {
		cfg.BackendURL = v
	}

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("backendURL is required")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must not be negative")
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("sessionTTL must not be negative")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rateLimit perSecond and burst must be positive")
	}
	if c.RateLimit.KeystrokePerSecond <= 0 || c.RateLimit.KeystrokeBurst <= 0 {
		return fmt.Errorf("rateLimit keystrokePerSecond and keystrokeBurst must be positive")
	}
	if _, err := c.logLevel(); err != nil {
		return err
	}
	return nil
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid logLevel %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c config) widgetOptions() widget.Options {
	return widget.Options{
		RequestTimeout: c.RequestTimeout,
		RateLocation:   c.RateLocation,
		SessionTTL:     c.SessionTTL,
	}
}
