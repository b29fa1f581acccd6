package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/ransomwatch/
//   - Linux:   ~/.local/share/ransomwatch/
//   - Windows: %APPDATA%\ransomwatch\
//
// Falls back to ~/.ransomwatch if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "ransomwatch")
	case "linux":
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/ransomwatch/
//   - Linux:   ~/.config/ransomwatch/
//   - Windows: %APPDATA%\ransomwatch\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		return xdgDir("XDG_CONFIG_HOME", ".config")
	default:
		return PlatformDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/ransomwatch/
//   - Linux:   ~/.local/state/ransomwatch/
//   - Windows: %LOCALAPPDATA%\ransomwatch\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "ransomwatch")
	case "linux":
		return xdgDir("XDG_STATE_HOME", ".local", "state")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "ransomwatch", "logs")
		}
		return filepath.Join(windowsDataDir(), "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

// xdgDir returns $env/ransomwatch, or ~/<fallback...>/ransomwatch.
func xdgDir(env string, fallback ...string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, "ransomwatch")
	}
	parts := append([]string{homeDir()}, fallback...)
	return filepath.Join(append(parts, "ransomwatch")...)
}

func windowsDataDir() string {
	// %APPDATA% (roaming)
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "ransomwatch")
	}
	return fallbackDataDir()
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), ".ransomwatch")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Config directory
	// 3. Data directory
	searchDirs := []string{
		".",
		PlatformConfigDir(),
		DataDir(),
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "ransomwatch."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
			path = filepath.Join(dir, "config."+ext)
			if dir != "." {
				if _, err := os.Stat(path); err == nil {
					return path
				}
			}
		}
	}

	return ""
}
