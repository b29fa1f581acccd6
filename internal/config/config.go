// Package config handles configuration loading, validation, and management for ransomwatch.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 2

// Event source kinds.
const (
	SourceFSNotify    = "fsnotify"
	SourceInotifywait = "inotifywait"
	SourceStdin       = "stdin"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Entropy configures the periodic entropy scan.
	Entropy EntropyConfig `toml:"entropy" json:"entropy" yaml:"entropy"`

	// Events configures burst detection over change events.
	Events EventsConfig `toml:"events" json:"events" yaml:"events"`

	// Quarantine configures the containment response to a burst.
	Quarantine QuarantineConfig `toml:"quarantine" json:"quarantine" yaml:"quarantine"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Audit trail configuration.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// Storage configuration for alert history.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Metrics and health endpoint configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// NATS alert publishing.
	NATS NATSConfig `toml:"nats" json:"nats" yaml:"nats"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// EntropyConfig holds entropy scan configuration.
type EntropyConfig struct {
	// Root is the directory tree to score.
	Root string `toml:"root" json:"root" yaml:"root"`

	// Depth is how many directory levels below root are scanned.
	// 0 scans root only; a negative depth scans nothing.
	Depth int `toml:"depth" json:"depth" yaml:"depth"`

	// Mode is the aggregation scheme name or its number (1-5).
	Mode string `toml:"mode" json:"mode" yaml:"mode"`

	// PollIntervalMs is the pause between ticks in milliseconds.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// EntropyThreshold is the score above which a group is high entropy.
	EntropyThreshold float64 `toml:"entropy_threshold" json:"entropy_threshold" yaml:"entropy_threshold"`

	// ChangeThreshold is the tick-over-tick delta that counts as a change.
	ChangeThreshold float64 `toml:"change_threshold" json:"change_threshold" yaml:"change_threshold"`

	// Ignore lists directory or file names skipped with their subtree.
	Ignore []string `toml:"ignore" json:"ignore" yaml:"ignore"`
}

// EventsConfig holds burst detection configuration.
type EventsConfig struct {
	// Source is "fsnotify", "inotifywait" or "stdin".
	Source string `toml:"source" json:"source" yaml:"source"`

	// InotifywaitPath is the binary run by the inotifywait source.
	InotifywaitPath string `toml:"inotifywait_path" json:"inotifywait_path" yaml:"inotifywait_path"`

	// Depth limits the fsnotify watch below root. Negative is unlimited.
	Depth int `toml:"depth" json:"depth" yaml:"depth"`

	// EventThreshold is the number of events within the window that fires.
	EventThreshold int `toml:"event_threshold" json:"event_threshold" yaml:"event_threshold"`

	// TimeWindowMs is the sliding window length in milliseconds.
	TimeWindowMs int `toml:"time_window_ms" json:"time_window_ms" yaml:"time_window_ms"`

	// CooldownMs is the minimum gap between two burst alerts.
	CooldownMs int `toml:"cooldown_ms" json:"cooldown_ms" yaml:"cooldown_ms"`

	// RecentEvents is how many events a burst alert lists.
	RecentEvents int `toml:"recent_events" json:"recent_events" yaml:"recent_events"`
}

// QuarantineConfig holds containment configuration.
type QuarantineConfig struct {
	// Enabled revokes all permissions on the root when a burst fires.
	// When false the detector only alerts.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// RestoreMode is the octal mode applied on restore when the prior mode
	// is unknown.
	RestoreMode string `toml:"restore_mode" json:"restore_mode" yaml:"restore_mode"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of rotated log files.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether rotated logs are gzip compressed.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// StorageConfig holds alert history configuration.
type StorageConfig struct {
	// Enabled records every alert in the sqlite history.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the path to the database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// MetricsConfig holds the HTTP endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// NATSConfig holds alert publishing configuration.
type NATSConfig struct {
	Enabled          bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	URL              string `toml:"url" json:"url" yaml:"url"`
	Subject          string `toml:"subject" json:"subject" yaml:"subject"`
	Name             string `toml:"name" json:"name" yaml:"name"`
	CredsFile        string `toml:"creds_file" json:"creds_file" yaml:"creds_file"`
	ConnectTimeoutMs int    `toml:"connect_timeout_ms" json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
}

// DefaultIgnore is the default ignore list.
var DefaultIgnore = []string{".git", "node_modules", ".vscode", "venv"}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	logDir := PlatformLogDir()

	return &Config{
		Version: Version,
		Entropy: EntropyConfig{
			Root:             ".",
			Depth:            0,
			Mode:             "individual",
			PollIntervalMs:   3000,
			EntropyThreshold: 7.0,
			ChangeThreshold:  1.0,
			Ignore:           append([]string{}, DefaultIgnore...),
		},
		Events: EventsConfig{
			Source:          SourceFSNotify,
			InotifywaitPath: "inotifywait",
			Depth:           -1,
			EventThreshold:  20,
			TimeWindowMs:    1000,
			CooldownMs:      1000,
			RecentEvents:    10,
		},
		Quarantine: QuarantineConfig{
			Enabled:     true,
			RestoreMode: "0700",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(logDir, "ransomwatch.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			FilePath:   filepath.Join(logDir, "audit.log"),
			MaxSizeMB:  50,
			MaxBackups: 10,
			MaxAgeDays: 90,
			Compress:   true,
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "alerts.db"),
			BusyTimeoutMs: 5000,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		NATS: NATSConfig{
			Enabled:          false,
			URL:              "nats://127.0.0.1:4222",
			Subject:          "ransomwatch.alerts",
			Name:             "ransomwatch",
			ConnectTimeoutMs: 2000,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base ransomwatch data directory.
// RANSOMWATCH_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("RANSOMWATCH_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories for files the daemon writes.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Enabled {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(c.Audit.FilePath))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with RANSOMWATCH_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Entropy overrides
	if v := os.Getenv("RANSOMWATCH_ROOT"); v != "" {
		c.Entropy.Root = v
	}
	if v := os.Getenv("RANSOMWATCH_MODE"); v != "" {
		c.Entropy.Mode = v
	}
	if v, ok := envInt("RANSOMWATCH_DEPTH"); ok {
		c.Entropy.Depth = v
	}

	// Event overrides
	if v := os.Getenv("RANSOMWATCH_EVENT_SOURCE"); v != "" {
		c.Events.Source = v
	}
	if v := os.Getenv("RANSOMWATCH_INOTIFYWAIT"); v != "" {
		c.Events.InotifywaitPath = v
	}
	if v, ok := envBool("RANSOMWATCH_QUARANTINE"); ok {
		c.Quarantine.Enabled = v
	}

	// Logging overrides
	if v := os.Getenv("RANSOMWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RANSOMWATCH_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Storage overrides
	if v := os.Getenv("RANSOMWATCH_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Endpoints
	if v := os.Getenv("RANSOMWATCH_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("RANSOMWATCH_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	// Credentials from env (for security)
	if v := os.Getenv("RANSOMWATCH_NATS_CREDS"); v != "" {
		c.NATS.CredsFile = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:    c.Version,
		Entropy:    c.Entropy,
		Events:     c.Events,
		Quarantine: c.Quarantine,
		Logging:    c.Logging,
		Audit:      c.Audit,
		Storage:    c.Storage,
		Metrics:    c.Metrics,
		NATS:       c.NATS,
	}
	clone.Entropy.Ignore = append([]string{}, c.Entropy.Ignore...)
	return clone
}

// PollInterval returns the entropy tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Entropy.PollIntervalMs) * time.Millisecond
}

// TimeWindow returns the burst window length.
func (c *Config) TimeWindow() time.Duration {
	return time.Duration(c.Events.TimeWindowMs) * time.Millisecond
}

// Cooldown returns the minimum gap between burst alerts.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Events.CooldownMs) * time.Millisecond
}

// NATSConnectTimeout returns the NATS dial timeout.
func (c *Config) NATSConnectTimeout() time.Duration {
	return time.Duration(c.NATS.ConnectTimeoutMs) * time.Millisecond
}

// RestoreFileMode parses Quarantine.RestoreMode.
func (c *Config) RestoreFileMode() (fs.FileMode, error) {
	return parseFileMode(c.Quarantine.RestoreMode)
}

func parseFileMode(s string) (fs.FileMode, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal mode %q", s)
	}
	if n > 0o777 {
		return 0, fmt.Errorf("mode %q out of range", s)
	}
	return fs.FileMode(n), nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
