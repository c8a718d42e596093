// Package config provides configuration loading for the stageflow CLI.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/stageflow/pkg/api"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Config represents the complete stageflow configuration
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig configures run execution
type EngineConfig struct {
	// Timeout is the default run budget
	Timeout time.Duration `yaml:"timeout"`
	// MaxIterations bounds revise loops that do not set their own bound
	MaxIterations int `yaml:"max_iterations"`
	// Joins overrides the number of predecessors a join step waits for,
	// keyed by "workflow/step" or by a bare step name
	Joins map[string]int `yaml:"joins"`
	// CancelInFlight cancels abandoned step and task calls when a run ends
	CancelInFlight bool `yaml:"cancel_in_flight"`
}

// StoreConfig selects where run records and history are kept
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, redis, mongo
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string
	DSN string `yaml:"dsn"`
	// Database is the MongoDB database name
	Database string `yaml:"database"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// NATSConfig configures progress publishing (empty URL = disabled)
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig configures the Prometheus endpoint (empty Addr = disabled)
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Timeout:       api.DefaultTimeout,
			MaxIterations: api.DefaultMaxIterations,
		},
		Store: StoreConfig{
			Driver:   DriverMemory,
			Database: "stageflow",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		NATS: NATSConfig{
			Subject: "stageflow.progress",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be positive")
	}
	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations must be at least 1")
	}
	for step, n := range c.Engine.Joins {
		if n < 1 {
			return fmt.Errorf("engine.joins.%s must be at least 1", step)
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.Store.Driver == DriverMongo && c.Store.Database == "" {
		return fmt.Errorf("store.database is required for driver %q", DriverMongo)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return fmt.Errorf("nats.subject is required when nats.url is set")
	}
	return nil
}

// EngineSettings returns the subset of c consumed by the engine core.
func (c *Config) EngineSettings() api.Config {
	return api.Config{
		Timeout:        c.Engine.Timeout,
		MaxIterations:  c.Engine.MaxIterations,
		Joins:          c.Engine.Joins,
		CancelInFlight: c.Engine.CancelInFlight,
	}
}

// LoadFromFile loads configuration from a YAML file. Missing fields keep
// their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// NewLogger builds a slog.Logger writing to w as configured.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level %q is not valid", s)
	}
	return level, nil
}
