package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Adapter    AdapterConfig    `yaml:"adapter"`
	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`
	AutoScan   AutoScanConfig   `yaml:"autoscan"`
	HTTP       HTTPConfig       `yaml:"http"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stderr", "stdout" or a file path
}

// AdapterConfig holds BLE adapter start options.
type AdapterConfig struct {
	ShowAlert bool `yaml:"show_alert"`
}

// ScanConfig holds scan request settings.
type ScanConfig struct {
	Duration        time.Duration `yaml:"duration"`
	AllowDuplicates bool          `yaml:"allow_duplicates"`
	ServiceUUIDs    []string      `yaml:"service_uuids"`
	WatchdogGrace   time.Duration `yaml:"watchdog_grace"` // extra wait for the adapter's stop event
}

// ConnectionConfig holds connect and post-connect settings.
type ConnectionConfig struct {
	SettleDelay time.Duration `yaml:"settle_delay"` // pause between connect and RSSI read
	Timeout     time.Duration `yaml:"timeout"`      // per connect/disconnect request
	Breaker     BreakerConfig `yaml:"breaker"`
}

// BreakerConfig trips connect attempts after repeated adapter failures.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // consecutive failures before opening; 0 disables
	Cooldown    time.Duration `yaml:"cooldown"`     // time open before a probe is allowed
}

// AutoScanConfig holds the periodic rescan schedule.
type AutoScanConfig struct {
	Schedule string `yaml:"schedule"` // cron spec, e.g. "@every 30s"; empty disables
}

// HTTPConfig holds the optional HTTP API settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the API
	// ActionsPerSecond limits POST requests (scan, toggle, refresh); 0 disables.
	ActionsPerSecond float64 `yaml:"actions_per_second"`
	ActionBurst      int     `yaml:"action_burst"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blemanager")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Scan: ScanConfig{
			Duration:        3 * time.Second,
			AllowDuplicates: true,
			WatchdogGrace:   2 * time.Second,
		},
		Connection: ConnectionConfig{
			SettleDelay: 900 * time.Millisecond,
			Timeout:     10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Cooldown:    30 * time.Second,
			},
		},
		HTTP: HTTPConfig{
			ActionsPerSecond: 5,
			ActionBurst:      10,
		},
		Tracing: TracingConfig{
			Exporter: "noop",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading ~ in log.output is expanded to the home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Log.Output = expandTilde(cfg.Log.Output)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}

	if c.Scan.WatchdogGrace < 0 {
		return fmt.Errorf("scan.watchdog_grace must be >= 0")
	}

	for _, u := range c.Scan.ServiceUUIDs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("scan.service_uuids must not contain empty entries")
		}
	}

	if c.Connection.SettleDelay < 0 {
		return fmt.Errorf("connection.settle_delay must be >= 0")
	}

	if c.Connection.Timeout <= 0 {
		return fmt.Errorf("connection.timeout must be > 0")
	}

	if c.Connection.Breaker.MaxFailures > 0 && c.Connection.Breaker.Cooldown <= 0 {
		return fmt.Errorf("connection.breaker.cooldown must be > 0 when max_failures is set")
	}

	if c.HTTP.ActionsPerSecond < 0 {
		return fmt.Errorf("http.actions_per_second must be >= 0")
	}

	if c.HTTP.ActionsPerSecond > 0 && c.HTTP.ActionBurst < 1 {
		return fmt.Errorf("http.action_burst must be >= 1 when actions_per_second is set")
	}

	if c.AutoScan.Schedule != "" {
		if _, err := cron.ParseStandard(c.AutoScan.Schedule); err != nil {
			return fmt.Errorf("autoscan.schedule: %w", err)
		}
	}

	switch c.Tracing.Exporter {
	case "stdout", "noop", "":
	default:
		return fmt.Errorf("tracing.exporter must be \"stdout\" or \"noop\", got %q", c.Tracing.Exporter)
	}

	return nil
}

const defaultHeader = `# blemanager configuration
# Durations use Go syntax: 900ms, 3s, 1m.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" when a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
