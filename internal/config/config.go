// Package config loads the engine's static, environment-sourced configuration.
//
// Mutable, user-editable settings (concurrency limits, presets, retention
// defaults) live in internal/settingsstore instead — this package only
// covers values that are fixed for the lifetime of the process.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/jellyvod/jellydown/internal/jlog"
)

// Config is the static runtime configuration for the download engine.
type Config struct {
	TempDir         string // tempRoot: per-job scratch space (spec.md §6.5)
	DownloadsDir    string // downloadsRoot: completed artifacts
	SettingsDir     string // holds settings.json
	FFmpegPath      string // external media tool binary (spec.md §6.4)
	LogLevel        string
	MaxConcurrent   int // default admission cap, overridable via settings.json
	SweepInterval   int // cleanup sweep period in seconds (spec.md §4.1 "Cleanup"); not passed to the scheduler, whose sweep runs every hour
}

// Default returns the built-in defaults before any environment overrides.
func Default() Config {
	return Config{
		TempDir:       "/var/lib/jellydown/tmp",
		DownloadsDir:  "/var/lib/jellydown/downloads",
		SettingsDir:   "/var/lib/jellydown/settings",
		FFmpegPath:    "ffmpeg",
		LogLevel:      "info",
		MaxConcurrent: 5,
		SweepInterval: 3600,
	}
}

// Load reads configuration from the environment, falling back to Default()
// for anything unset.
func Load() Config {
	cfg := Default()
	cfg.TempDir = parseString("JELLYDOWN_TEMP_DIR", cfg.TempDir)
	cfg.DownloadsDir = parseString("JELLYDOWN_DOWNLOADS_DIR", cfg.DownloadsDir)
	cfg.SettingsDir = parseString("JELLYDOWN_SETTINGS_DIR", cfg.SettingsDir)
	cfg.FFmpegPath = parseString("JELLYDOWN_FFMPEG_PATH", cfg.FFmpegPath)
	cfg.LogLevel = parseString("JELLYDOWN_LOG_LEVEL", cfg.LogLevel)
	cfg.MaxConcurrent = parseInt("JELLYDOWN_MAX_CONCURRENT", cfg.MaxConcurrent)
	cfg.SweepInterval = parseInt("JELLYDOWN_SWEEP_INTERVAL_SECONDS", cfg.SweepInterval)
	return cfg
}

func parseString(key, defaultValue string) string {
	logger := jlog.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		logger.Debug().Str("key", key).Str("default", defaultValue).Str("source", "default").Msg("using default value")
		return defaultValue
	}
	logger.Debug().Str("key", key).Str("value", v).Str("source", "environment").Msg("using environment variable")
	return v
}

func parseInt(key string, defaultValue int) int {
	logger := jlog.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		logger.Debug().Str("key", key).Int("default", defaultValue).Str("source", "default").Msg("using default value")
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Int("default", defaultValue).Msg("invalid integer, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
	return i
}
