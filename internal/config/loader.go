package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is where Load looks for optional YAML overrides.
const DefaultConfigFile = "reelstudio.yaml"

// Load builds the effective configuration. Later layers win: compiled
// defaults, then the YAML file if present, then environment variables.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom is Load with an explicit YAML path. A missing file is fine;
// an unreadable or malformed one is not.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := overlayYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	overlayEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func overlayYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator, not request input
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// overlayEnv applies environment overrides. A variable that is unset,
// empty, or fails to parse leaves the current value in place.
func overlayEnv(cfg *Config) {
	setString(&cfg.Server.Port, "REELSTUDIO_PORT")
	setString(&cfg.Server.CORSOrigin, "REELSTUDIO_CORS_ORIGIN")
	setInt(&cfg.Server.RateLimit, "REELSTUDIO_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "REELSTUDIO_RATE_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "REELSTUDIO_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "REELSTUDIO_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "REELSTUDIO_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "REELSTUDIO_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "REELSTUDIO_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setInt64(&cfg.Cache.L1MaxSizeMB, "REELSTUDIO_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "REELSTUDIO_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "REELSTUDIO_CACHE_L2_TTL")
	setString(&cfg.Storage.Root, "REELSTUDIO_STORAGE_ROOT")
	setInt64(&cfg.Storage.MaxImageSizeMB, "REELSTUDIO_MAX_IMAGE_SIZE_MB")
	setInt64(&cfg.Storage.MaxAudioSizeMB, "REELSTUDIO_MAX_AUDIO_SIZE_MB")
	setDuration(&cfg.Storage.SweepInterval, "REELSTUDIO_SWEEP_INTERVAL")
	setDuration(&cfg.Storage.SweepMinAge, "REELSTUDIO_SWEEP_MIN_AGE")
	setString(&cfg.Generation.URL, "REELSTUDIO_GENERATION_URL")
	setString(&cfg.Generation.Model, "REELSTUDIO_GENERATION_MODEL")
	setInt(&cfg.Generation.Concurrency, "REELSTUDIO_GENERATION_CONCURRENCY")
	setInt(&cfg.Generation.MaxStyles, "REELSTUDIO_GENERATION_MAX_STYLES")
	setStrings(&cfg.Generation.Styles, "REELSTUDIO_GENERATION_STYLES")
	setDuration(&cfg.Generation.RequestTimeout, "REELSTUDIO_GENERATION_REQUEST_TIMEOUT")
	setDuration(&cfg.Generation.PhaseTimeout, "REELSTUDIO_GENERATION_PHASE_TIMEOUT")
	setDuration(&cfg.Generation.RetryBackoff, "REELSTUDIO_GENERATION_RETRY_BACKOFF")
	setString(&cfg.Composition.FFmpegPath, "REELSTUDIO_FFMPEG_PATH")
	setInt(&cfg.Composition.Width, "REELSTUDIO_VIDEO_WIDTH")
	setInt(&cfg.Composition.Height, "REELSTUDIO_VIDEO_HEIGHT")
	setInt(&cfg.Composition.FPS, "REELSTUDIO_VIDEO_FPS")
	setString(&cfg.Composition.VideoBitrate, "REELSTUDIO_VIDEO_BITRATE")
	setString(&cfg.Composition.AudioBitrate, "REELSTUDIO_AUDIO_BITRATE")
	setFloat64(&cfg.Composition.PerImageSeconds, "REELSTUDIO_PER_IMAGE_SECONDS")
	setFloat64(&cfg.Composition.TransitionSeconds, "REELSTUDIO_TRANSITION_SECONDS")
	setString(&cfg.Composition.DefaultTransition, "REELSTUDIO_DEFAULT_TRANSITION")
	setDuration(&cfg.Composition.PhaseTimeout, "REELSTUDIO_COMPOSITION_PHASE_TIMEOUT")
	setInt(&cfg.Composition.MaxConcurrent, "REELSTUDIO_COMPOSITION_MAX_CONCURRENT")
	setString(&cfg.Composition.WorkDir, "REELSTUDIO_COMPOSITION_WORK_DIR")
	setInt(&cfg.Breaker.MaxFailures, "REELSTUDIO_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "REELSTUDIO_BREAKER_TIMEOUT")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Otel.Insecure, "REELSTUDIO_OTEL_INSECURE")
	setBool(&cfg.MCP.Enabled, "REELSTUDIO_MCP_ENABLED")
	setString(&cfg.MCP.Port, "REELSTUDIO_MCP_PORT")
	setString(&cfg.Logging.Level, "REELSTUDIO_LOG_LEVEL")
	setString(&cfg.Logging.Service, "REELSTUDIO_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "REELSTUDIO_LOG_ASYNC")
}

func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port must be set")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn must be set")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url must be set")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be at least 1")
	}
	if cfg.Storage.Root == "" {
		return errors.New("storage.root must be set")
	}
	if cfg.Generation.Concurrency < 1 {
		return errors.New("generation.concurrency must be at least 1")
	}
	if cfg.Generation.MaxStyles < 1 {
		return errors.New("generation.max_styles must be at least 1")
	}
	if cfg.Composition.Width < 1 || cfg.Composition.Height < 1 {
		return errors.New("composition resolution must be positive")
	}
	if cfg.Composition.FPS < 1 {
		return errors.New("composition.fps must be at least 1")
	}
	if cfg.Composition.PerImageSeconds <= 0 {
		return errors.New("composition.per_image_seconds must be positive")
	}
	if cfg.Composition.TransitionSeconds < 0 {
		return errors.New("composition.transition_seconds cannot be negative")
	}
	if cfg.Composition.TransitionSeconds >= cfg.Composition.PerImageSeconds {
		return errors.New("composition.transition_seconds must be shorter than per_image_seconds")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be at least 1")
	}
	return nil
}

// overlay writes the parsed value of the env var key into dst. Unset,
// empty, and unparsable values are ignored.
func overlay[T any](dst *T, key string, parse func(string) (T, error)) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := parse(v); err == nil {
		*dst = parsed
	}
}

func setString(dst *string, key string) {
	overlay(dst, key, func(v string) (string, error) { return v, nil })
}

func setInt(dst *int, key string) {
	overlay(dst, key, strconv.Atoi)
}

func setInt32(dst *int32, key string) {
	overlay(dst, key, func(v string) (int32, error) {
		n, err := strconv.ParseInt(v, 10, 32)
		return int32(n), err
	})
}

func setInt64(dst *int64, key string) {
	overlay(dst, key, func(v string) (int64, error) {
		return strconv.ParseInt(v, 10, 64)
	})
}

func setFloat64(dst *float64, key string) {
	overlay(dst, key, func(v string) (float64, error) {
		return strconv.ParseFloat(v, 64)
	})
}

func setBool(dst *bool, key string) {
	overlay(dst, key, strconv.ParseBool)
}

func setDuration(dst *time.Duration, key string) {
	overlay(dst, key, time.ParseDuration)
}

// setStrings parses a comma-separated list. Empty entries are dropped.
func setStrings(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
