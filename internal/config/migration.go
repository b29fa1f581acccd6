package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// legacyKeys are the flat top-level keys of the version 1 layout, which
// mirrored the command-line options of the scanner.
var legacyKeys = []string{
	"directory",
	"recursion_level",
	"mode",
	"entropy_threshold",
	"change_threshold",
	"event_threshold",
	"time_window",
	"cooldown",
}

// isLegacy reports whether a decoded file uses the version 1 layout.
func isLegacy(raw map[string]any) bool {
	if v, ok := toInt(raw["version"]); ok {
		return v < 2
	}
	for _, k := range legacyKeys {
		if _, ok := raw[k]; ok {
			return true
		}
	}
	return false
}

// MigrateLegacyConfig converts a version 1 (flat) configuration map to
// the sectioned layout. Durations in the flat layout are seconds.
func MigrateLegacyConfig(raw map[string]any) (*Config, *MigrationResult, error) {
	cfg := DefaultConfig()
	result := &MigrationResult{FromVersion: 1, ToVersion: Version}

	changed := func(from, to string) {
		result.Changes = append(result.Changes, fmt.Sprintf("%s -> %s", from, to))
	}

	if v, ok := raw["directory"].(string); ok {
		cfg.Entropy.Root = v
		changed("directory", "entropy.root")
	}
	if v, ok := toInt(raw["recursion_level"]); ok {
		cfg.Entropy.Depth = v
		changed("recursion_level", "entropy.depth")
	}
	if v, ok := raw["mode"]; ok {
		switch m := v.(type) {
		case string:
			cfg.Entropy.Mode = m
		default:
			n, ok := toInt(m)
			if !ok {
				return nil, result, fmt.Errorf("migrate: mode has type %T", v)
			}
			cfg.Entropy.Mode = strconv.Itoa(n)
		}
		changed("mode", "entropy.mode")
	}
	if v, ok := toFloat(raw["entropy_threshold"]); ok {
		cfg.Entropy.EntropyThreshold = v
		changed("entropy_threshold", "entropy.entropy_threshold")
	}
	if v, ok := toFloat(raw["change_threshold"]); ok {
		cfg.Entropy.ChangeThreshold = v
		changed("change_threshold", "entropy.change_threshold")
	}
	if v, ok := toInt(raw["event_threshold"]); ok {
		cfg.Events.EventThreshold = v
		changed("event_threshold", "events.event_threshold")
	}
	if v, ok := toFloat(raw["time_window"]); ok {
		cfg.Events.TimeWindowMs = int(v * 1000)
		changed("time_window (s)", "events.time_window_ms")
	}
	if v, ok := toFloat(raw["cooldown"]); ok {
		cfg.Events.CooldownMs = int(v * 1000)
		changed("cooldown (s)", "events.cooldown_ms")
	}

	for k := range raw {
		if !isKnownLegacyKey(k) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("ignored unknown key %q", k))
		}
	}

	cfg.Version = Version
	return cfg, result, nil
}

func isKnownLegacyKey(k string) bool {
	if k == "version" {
		return true
	}
	for _, l := range legacyKeys {
		if k == l {
			return true
		}
	}
	return false
}

// MigrateFile rewrites a legacy file at path in the current layout after
// saving a timestamped backup. It returns nil when nothing was migrated.
func MigrateFile(path string) (*MigrationResult, error) {
	cfg, result, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	backup, err := backupConfig(path)
	if err != nil {
		return result, err
	}
	result.Backup = backup

	if err := SaveConfig(cfg, path); err != nil {
		return result, err
	}
	return result, nil
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// SaveConfig saves the configuration to a file. The format follows the
// extension; TOML when there is none.
func SaveConfig(cfg *Config, path string) error {
	format := formatOf(path)
	if format == "" {
		format = "toml"
	}

	data, err := Encode(cfg, format)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write with secure permissions
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
