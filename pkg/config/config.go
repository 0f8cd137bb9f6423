// Package config loads the bridge host's configuration from environment
// variables, with an optional YAML override file for values operators
// prefer to keep out of the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBrowserDebugPort    = 9222
	DefaultHostWSPort          = 19222
	DefaultCommandTimeout      = 30 * time.Second
	DefaultEventWaitTimeout    = 30 * time.Second
	DefaultLogLevel            = "info"
)

// Config is the complete set of tunables for the bridge host process.
type Config struct {
	BrowserDebugPort         int           `yaml:"browser_debug_port"`
	HostWSPort               int           `yaml:"host_ws_port"`
	CommandTimeout           time.Duration `yaml:"command_timeout"`
	EventWaitDefaultTimeout  time.Duration `yaml:"event_wait_default_timeout"`
	LogLevel                 string        `yaml:"log_level"`
	AuditDBPath              string        `yaml:"audit_db_path"`
	NATSURL                  string        `yaml:"nats_url"`
	OTelExporterEnabled      bool          `yaml:"otel_exporter_enabled"`
}

// Default returns the configuration's hard-coded defaults, matching §6.
func Default() Config {
	return Config{
		BrowserDebugPort:        DefaultBrowserDebugPort,
		HostWSPort:              DefaultHostWSPort,
		CommandTimeout:          DefaultCommandTimeout,
		EventWaitDefaultTimeout: DefaultEventWaitTimeout,
		LogLevel:                DefaultLogLevel,
	}
}

// Load builds the process configuration: defaults, then an optional YAML
// file named by CDPBRIDGE_CONFIG, then individual environment variable
// overrides — in that precedence order, matching SPEC_FULL.md §4.8.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CDPBRIDGE_CONFIG"); path != "" {
		if err := loadYAMLFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("config: failed to load %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv("CDPBRIDGE_BROWSER_DEBUG_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid CDPBRIDGE_BROWSER_DEBUG_PORT: %w", err)
		}
		cfg.BrowserDebugPort = port
	}
	if v, ok := os.LookupEnv("CDPBRIDGE_HOST_WS_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid CDPBRIDGE_HOST_WS_PORT: %w", err)
		}
		cfg.HostWSPort = port
	}
	if v, ok := os.LookupEnv("CDPBRIDGE_COMMAND_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid CDPBRIDGE_COMMAND_TIMEOUT: %w", err)
		}
		cfg.CommandTimeout = d
	}
	if v, ok := os.LookupEnv("CDPBRIDGE_EVENT_WAIT_DEFAULT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid CDPBRIDGE_EVENT_WAIT_DEFAULT_TIMEOUT: %w", err)
		}
		cfg.EventWaitDefaultTimeout = d
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("CDPBRIDGE_AUDIT_DB_PATH"); ok {
		cfg.AuditDBPath = v
	}
	if v, ok := os.LookupEnv("CDPBRIDGE_NATS_URL"); ok {
		cfg.NATSURL = v
	}
	if v, ok := os.LookupEnv("CDPBRIDGE_OTEL_EXPORTER_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: invalid CDPBRIDGE_OTEL_EXPORTER_ENABLED: %w", err)
		}
		cfg.OTelExporterEnabled = enabled
	}
	return nil
}

// BrowserHTTPAddr is the host:port the Target Registry dials for
// discovery.
func (c Config) BrowserHTTPAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.BrowserDebugPort)
}
