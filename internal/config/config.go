package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Store backends selectable via STORE_BACKEND.
const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	GatewayURL     string `env:"GATEWAY_URL"`
	GatewayToken   string `env:"GATEWAY_TOKEN"`
	GatewayIntents int    `env:"GATEWAY_INTENTS" default:"513"`

	DatabaseURL  string `env:"DATABASE_URL"`
	StoreBackend string `env:"STORE_BACKEND" default:"memory"`
	RedisURL     string `env:"REDIS_URL"`

	QueueMaxSize     int           `env:"QUEUE_MAX_SIZE" default:"1000"`
	QueueBaseBackoff time.Duration `env:"QUEUE_BASE_BACKOFF" default:"1s"`
	QueueMaxBackoff  time.Duration `env:"QUEUE_MAX_BACKOFF" default:"30s"`
	QueueJitterRatio float64       `env:"QUEUE_JITTER_RATIO" default:"0.25"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" default:"5"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" default:"10"`

	RoomCacheRefresh time.Duration `env:"ROOM_CACHE_REFRESH" default:"30s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"GATEWAY_URL":   cfg.GatewayURL,
		"GATEWAY_TOKEN": cfg.GatewayToken,
		"DATABASE_URL":  cfg.DatabaseURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	switch cfg.StoreBackend {
	case StoreBackendMemory:
	case StoreBackendRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND is %q", StoreBackendRedis)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendMemory, StoreBackendRedis, cfg.StoreBackend)
	}

	if !strings.HasPrefix(cfg.GatewayURL, "ws://") && !strings.HasPrefix(cfg.GatewayURL, "wss://") {
		return fmt.Errorf("GATEWAY_URL must be a ws:// or wss:// URL, got %q", cfg.GatewayURL)
	}

	if cfg.QueueMaxSize <= 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE must be positive, got %d", cfg.QueueMaxSize)
	}
	if cfg.QueueBaseBackoff <= 0 {
		return fmt.Errorf("QUEUE_BASE_BACKOFF must be positive, got %s", cfg.QueueBaseBackoff)
	}
	if cfg.QueueMaxBackoff < cfg.QueueBaseBackoff {
		return fmt.Errorf("QUEUE_MAX_BACKOFF (%s) must be at least QUEUE_BASE_BACKOFF (%s)", cfg.QueueMaxBackoff, cfg.QueueBaseBackoff)
	}
	if cfg.QueueJitterRatio < 0 || cfg.QueueJitterRatio > 1 {
		return fmt.Errorf("QUEUE_JITTER_RATIO must be between 0 and 1, got %g", cfg.QueueJitterRatio)
	}

	if cfg.AppEnv == "production" {
		lowered := strings.ToLower(cfg.DatabaseURL)
		for _, mode := range []string{"disable", "allow"} {
			if strings.Contains(lowered, "sslmode="+mode) {
				return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
			}
		}
	}

	return nil
}
