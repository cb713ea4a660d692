package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/Tyrowin/relaychat/internal/chat"
	"github.com/Tyrowin/relaychat/internal/logger"
)

// ConfigFileEnv names the environment variable that points at an optional
// YAML config file.
const ConfigFileEnv = "CHAT_CONFIG"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" env:"BURST"`
	RefillInterval time.Duration `yaml:"refill_interval" env:"REFILL_INTERVAL"`
}

// Config holds the server configuration for both transports and the chat core.
type Config struct {
	TCPAddr         string          `yaml:"tcp_addr" env:"TCP_ADDR"`
	HTTPAddr        string          `yaml:"http_addr" env:"HTTP_ADDR"`
	MaxClients      int             `yaml:"max_clients" env:"MAX_CLIENTS"`
	HistorySize     int             `yaml:"history_size" env:"HISTORY_SIZE"`
	HistoryReplay   int             `yaml:"history_replay" env:"HISTORY_REPLAY"`
	MaxMessageSize  int64           `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	AllowedOrigins  []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	Log             logger.Config   `yaml:"log" envPrefix:"LOG_"`
}

func defaultConfig() Config {
	return Config{
		TCPAddr:     ":9000",
		HTTPAddr:    ":8080",
		MaxClients:  chat.DefaultCapacity,
		HistorySize: chat.DefaultHistorySize,
		// Newcomers see the last ten lines before live traffic.
		HistoryReplay:  10,
		MaxMessageSize: 256,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
		Log:             logger.DefaultConfig(),
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = def.TCPAddr
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.HistoryReplay < 0 {
		cfg.HistoryReplay = 0
	}
	if cfg.HistoryReplay > cfg.HistorySize {
		cfg.HistoryReplay = cfg.HistorySize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	// Origins are normalized by newOriginPolicy, which also reports bad entries.
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig builds the runtime configuration. Later layers override earlier
// ones: built-in defaults, then the YAML file named by CHAT_CONFIG, then
// CHAT_* environment variables (a .env file in the working directory is
// loaded into the environment first, without overriding variables already
// set). Invalid values fall back to their defaults.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return loadConfig(os.Getenv(ConfigFileEnv))
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CHAT_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	return sanitizeConfig(cfg), nil
}
