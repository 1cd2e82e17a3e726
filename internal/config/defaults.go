package config

import (
	"os"
	"path/filepath"
	"runtime"

	"phantomid/internal/tpm"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/phantomid/
//   - Linux:   ~/.local/share/phantomid/
//   - Windows: %APPDATA%\phantomid\
//
// Falls back to ~/.phantomid if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "phantomid")
	case "linux":
		// XDG_DATA_HOME or ~/.local/share
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "phantomid")
		}
		return filepath.Join(homeDir(), ".local", "share", "phantomid")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "phantomid")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "phantomid")
	default:
		return filepath.Join(homeDir(), ".phantomid")
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/phantomid/
//   - Linux:   ~/.local/share/phantomid/logs/
//   - Windows: %LOCALAPPDATA%\phantomid\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "phantomid")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "phantomid", "logs")
		}
		return filepath.Join(homeDir(), "AppData", "Local", "phantomid", "logs")
	default:
		return filepath.Join(PlatformDataDir(), "logs")
	}
}

func homeDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home
}

func defaultTPMPath() string {
	if p := tpm.DetectDevice(); p != "" {
		return p
	}
	if runtime.GOOS == "linux" {
		return "/dev/tpmrm0"
	}
	return ""
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
	// 2. Data directory
	searchDirs := []string{
		".",
		DataDir(),
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
