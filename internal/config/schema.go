// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for sbeat.
package config

import (
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// Log configures the root logger.
	Log LogConfig `yaml:"log"`

	// Modules maps module IDs to their raw YAML configuration.
	// Keys must match registered module IDs (e.g. "store.sqlite").
	Modules map[string]yaml.Node `yaml:"modules"`
}

// LogConfig selects the level and output format of the root logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Format is "text" (default) or "json".
	Format string `yaml:"format"`
}

// SlogLevel converts Level to a slog.Level. Unknown values map to info;
// Validate reports them.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.levelOrDefault()))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (l LogConfig) levelOrDefault() string {
	if l.Level == "" {
		return "info"
	}
	return l.Level
}

// JSON reports whether the JSON handler was requested.
func (l LogConfig) JSON() bool {
	return strings.EqualFold(l.Format, "json")
}
