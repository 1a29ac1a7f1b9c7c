// Package config loads backend process settings from a yaml file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so settings files can say "500ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Settings configures a backend process.
type Settings struct {
	// DeviceClass is the xenbus device class this backend serves
	// (for example "vkbd" or "vdispl").
	DeviceClass string `yaml:"deviceClass"`

	// PollInterval is the frontend discovery period.
	PollInterval Duration `yaml:"pollInterval,omitempty"`

	// StoreSocket overrides the xenstored socket path.
	StoreSocket string `yaml:"storeSocket,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`
}

// Default returns the settings a backend runs with when no file is given.
func Default(deviceClass string) Settings {
	return Settings{
		DeviceClass:  deviceClass,
		PollInterval: Duration(500 * time.Millisecond),
		LogLevel:     "info",
	}
}

// Load reads settings from a yaml file, filling unset fields from Default.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	settings := Default("")
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if settings.DeviceClass == "" {
		return Settings{}, fmt.Errorf("config: %q: deviceClass is required", path)
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = Duration(500 * time.Millisecond)
	}
	return settings, nil
}

// SlogLevel maps the configured level name onto slog.
func (s Settings) SlogLevel() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
