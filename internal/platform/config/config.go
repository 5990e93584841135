package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8000"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`
	LogFile     string `env:"LOG_FILE"`
	LogMaxSize  int    `env:"LOG_MAX_SIZE_MB" default:"100"`

	TickInterval    time.Duration `env:"TICK_INTERVAL" default:"1s"`
	TickBackoff     time.Duration `env:"TICK_BACKOFF" default:"5s"`
	TickMaxBackoff  time.Duration `env:"TICK_MAX_BACKOFF" default:"60s"`
	StatusCacheTTL  time.Duration `env:"STATUS_CACHE_TTL" default:"2s"`
	SignalSeed      uint64        `env:"SIGNAL_SEED" default:"0"` // 0 = random
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" default:"*"`
	APIRateLimit    float64       `env:"API_RATE_LIMIT" default:"10"`
	APIRateBurst    int           `env:"API_RATE_BURST" default:"20"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
	SensorSeedFile  string        `env:"SENSOR_SEED_FILE"`

	MaxWebSocketConnections int `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if cfg.TickInterval <= 0 {
		return errors.New("TICK_INTERVAL must be positive")
	}
	if cfg.TickBackoff < cfg.TickInterval {
		return errors.New("TICK_BACKOFF must not be shorter than TICK_INTERVAL")
	}
	if cfg.TickMaxBackoff < cfg.TickBackoff {
		return errors.New("TICK_MAX_BACKOFF must not be shorter than TICK_BACKOFF")
	}
	if cfg.APIRateLimit <= 0 || cfg.APIRateBurst < 1 {
		return errors.New("API_RATE_LIMIT and API_RATE_BURST must be positive")
	}
	if cfg.LogFile != "" && cfg.LogMaxSize < 1 {
		return errors.New("LOG_MAX_SIZE_MB must be at least 1")
	}
	if cfg.MaxWebSocketConnections < 1 || cfg.MaxConnectionsPerIP < 1 {
		return errors.New("connection limits must be at least 1")
	}

	return nil
}
