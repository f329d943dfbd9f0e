// Package config loads Kestrel configuration from tier defaults, an optional
// YAML file and KESTREL_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Environment variables that override file and tier settings.
const (
	EnvTier      = "KESTREL_TIER"
	EnvPort      = "KESTREL_PORT"
	EnvDBPath    = "KESTREL_DB_PATH"
	EnvRedisAddr = "KESTREL_REDIS_ADDR"
	EnvNATSURL   = "KESTREL_NATS_URL"
	EnvDebug     = "KESTREL_DEBUG"
)

// ErrInvalidConfig is returned when the merged configuration is unusable.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*domain.Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return load(data, os.Getenv)
}

func load(data []byte, getenv func(string) string) (*domain.Config, error) {
	// The tier picks the base, so resolve it before decoding the rest.
	var head struct {
		Tier domain.Tier `yaml:"tier"`
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	tier := head.Tier
	if v := getenv(EnvTier); v != "" {
		tier = domain.Tier(strings.ToLower(v))
	}

	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(data) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if tier != "" {
		cfg.Tier = tier
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config, getenv func(string) string) error {
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, EnvPort, v)
		}
		cfg.Server.Port = port
	}
	if v := getenv(EnvDBPath); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := getenv(EnvNATSURL); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if getenv(EnvDebug) == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

// Validate checks the merged configuration.
func Validate(cfg *domain.Config) error {
	var problems []string

	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		problems = append(problems, fmt.Sprintf("unknown tier %q", cfg.Tier))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", cfg.Server.Port))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("unknown repository driver %q", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("unknown cache type %q", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		problems = append(problems, fmt.Sprintf("unknown event bus type %q", cfg.EventBus.Type))
	}
	if t := cfg.Audit.RejectThreshold; t < domain.MinScore || t > domain.MaxScore {
		problems = append(problems, fmt.Sprintf("reject threshold %d outside [%d,%d]", t, domain.MinScore, domain.MaxScore))
	}
	for kind, w := range cfg.Audit.Weights {
		if w < 0 {
			problems = append(problems, fmt.Sprintf("negative weight for %s", kind))
		}
	}
	if cfg.Audit.CatalogTTL < 0 {
		problems = append(problems, "catalog TTL must not be negative")
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		problems = append(problems, err.Error())
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", cfg.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// NewLogger builds the process logger: JSON by default, text on request.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
