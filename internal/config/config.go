// ============================================================================
// hackops configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with HACKOPS_* environment overrides.
//
// Load order:
//   1. Default() supplies the built-in values
//   2. the YAML file (if present) overrides them
//   3. HACKOPS_* environment variables override both
//   4. Validate() rejects unusable values
//
// Example override: HACKOPS_AGENT_PRINT_TIMEOUT=15s
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HACKOPS_"

// Store drivers.
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Config represents the complete system configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Directory DirectoryConfig `yaml:"directory" envPrefix:"DIRECTORY_"`
	Photos    PhotosConfig    `yaml:"photos" envPrefix:"PHOTOS_"`
	Event     EventConfig     `yaml:"event" envPrefix:"EVENT_"`
	Agent     AgentConfig     `yaml:"agent" envPrefix:"AGENT_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Journal   JournalConfig   `yaml:"journal" envPrefix:"JOURNAL_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" env:"PATH"`
	// PollInterval drives sqlite pending-job subscriptions.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

type DirectoryConfig struct {
	Roster string `yaml:"roster" env:"ROSTER"`
}

type PhotosConfig struct {
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

type EventConfig struct {
	// PrintDeadline closes print submissions once passed. Zero means open.
	PrintDeadline time.Time `yaml:"print_deadline" env:"PRINT_DEADLINE"`
}

type AgentConfig struct {
	ID                string        `yaml:"id" env:"ID"`
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	PrintTimeout      time.Duration `yaml:"print_timeout" env:"PRINT_TIMEOUT"`
	RetryDelay        time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	ReconnectJitter   time.Duration `yaml:"reconnect_jitter" env:"RECONNECT_JITTER"`
	KeepAwake         string        `yaml:"keep_awake" env:"KEEP_AWAKE"`
	Printer           PrinterConfig `yaml:"printer" envPrefix:"PRINTER_"`
}

type PrinterConfig struct {
	// Driver is "command" or "sim".
	Driver      string  `yaml:"driver" env:"DRIVER"`
	Command     string  `yaml:"command" env:"COMMAND"`
	PhotoRoot   string  `yaml:"photo_root" env:"PHOTO_ROOT"`
	FailureRate float64 `yaml:"failure_rate" env:"FAILURE_RATE"`
}

type ServerConfig struct {
	Listen        string `yaml:"listen" env:"LISTEN"`
	MetricsListen string `yaml:"metrics_listen" env:"METRICS_LISTEN"`
}

type JournalConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:       DriverBadger,
			Path:         "data/hackops",
			PollInterval: 500 * time.Millisecond,
		},
		Directory: DirectoryConfig{Roster: "configs/roster.yaml"},
		Photos:    PhotosConfig{Prefix: "photos"},
		Agent: AgentConfig{
			MaxAttempts:       3,
			PrintTimeout:      10 * time.Second,
			RetryDelay:        3 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			ReconnectDelay:    5 * time.Second,
			KeepAwake:         "none",
			Printer: PrinterConfig{
				Driver:  "command",
				Command: "lp {file}",
			},
		},
		Server: ServerConfig{
			Listen:        ":50051",
			MetricsListen: ":9090",
		},
		Journal: JournalConfig{Path: "data/journal.log"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error; the defaults and environment still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the agents and stores cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverBadger, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.Driver == DriverSQLite && c.Store.PollInterval <= 0 {
		errs = append(errs, errors.New("store.poll_interval must be positive"))
	}
	if strings.Trim(c.Photos.Prefix, "/") == "" {
		errs = append(errs, errors.New("photos.prefix must not be empty"))
	}

	a := c.Agent
	if a.MaxAttempts <= 0 {
		errs = append(errs, errors.New("agent.max_attempts must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"agent.print_timeout":      a.PrintTimeout,
		"agent.retry_delay":        a.RetryDelay,
		"agent.heartbeat_interval": a.HeartbeatInterval,
		"agent.reconnect_delay":    a.ReconnectDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if a.ReconnectJitter < 0 {
		errs = append(errs, errors.New("agent.reconnect_jitter must not be negative"))
	}
	switch a.KeepAwake {
	case "none", "systemd":
	default:
		errs = append(errs, fmt.Errorf("agent.keep_awake: unknown mode %q", a.KeepAwake))
	}
	switch a.Printer.Driver {
	case "command":
		if strings.TrimSpace(a.Printer.Command) == "" {
			errs = append(errs, errors.New("agent.printer.command must be set for the command driver"))
		}
	case "sim":
		if a.Printer.FailureRate < 0 || a.Printer.FailureRate > 1 {
			errs = append(errs, errors.New("agent.printer.failure_rate must be within [0, 1]"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.printer.driver: unknown driver %q", a.Printer.Driver))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PrintDeadline returns the configured submission deadline, if any.
func (c *Config) PrintDeadline() (time.Time, bool) {
	if c.Event.PrintDeadline.IsZero() {
		return time.Time{}, false
	}
	return c.Event.PrintDeadline, true
}
