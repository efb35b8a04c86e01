package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config : top-level configuration.
type Config struct {
	HTTPPort    int           `toml:"http_port"`
	PprofEnable bool          `toml:"pprof_enable"`
	Storage     StorageConfig `toml:"storage_config"`
	LogConfig   LogConfig     `toml:"log_config"`
	Limiter     Limiter       `toml:"limiter"`
}

type StorageConfig struct {
	BaseDir        string `toml:"base_dir"`
	Namespace      string `toml:"namespace"`
	DBEngine       string `toml:"db_engine"`
	SegmentSize    string `toml:"segment_size"`
	BytesPerSync   string `toml:"bytes_per_sync"`
	MmapSize       string `toml:"mmap_size"`
	MaxPollRecords int    `toml:"max_poll_records"`
	PollTimeout    string `toml:"poll_timeout"`
}

type LogConfig struct {
	MinLevelPercents map[string]float64 `toml:"min_level_percents"`
	LogLevel         string             `toml:"log_level"`
}

type Limiter struct {
	Interval string `toml:"interval"`
	Burst    int    `toml:"burst"`
}

// ParseLevelPercents maps the configured per-level sampling percentages onto
// slog levels, with production-leaning defaults.
func ParseLevelPercents(cfg LogConfig) (map[slog.Level]float64, error) {
	out := map[slog.Level]float64{
		slog.LevelDebug: 100.0,
		slog.LevelInfo:  25.0,
		slog.LevelWarn:  100.0,
		slog.LevelError: 100.0,
	}

	for k, v := range cfg.MinLevelPercents {
		switch strings.ToLower(k) {
		case "debug":
			out[slog.LevelDebug] = v
		case "info":
			out[slog.LevelInfo] = v
		case "warn":
			out[slog.LevelWarn] = v
		case "error":
			out[slog.LevelError] = v
		default:
			return nil, fmt.Errorf("unknown log level: %s", k)
		}
	}
	return out, nil
}

// ParseSize parses a human-readable size like "16 MiB"; empty returns the
// fallback.
func ParseSize(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", raw, err)
	}
	return int64(v), nil
}

// ParseDuration parses a duration string; empty returns the fallback.
func ParseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return d, nil
}
