// Package config resolves process configuration from the environment,
// after loading an optional .env file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr  string
	WorkerCount int

	QueueBackend    string // memory, redis or sqs
	QueueName       string
	DeadLetterQueue string
	RedisAddr       string
	DatabaseURL     string

	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	MaxAttempts       int
	RetryMax          int
	RetryWait         time.Duration

	LogLevel  slog.Level
	LogFormat string // text or json
}

func Default() Config {
	return Config{
		ServerAddr:        ":8080",
		WorkerCount:       5,
		QueueBackend:      "memory",
		QueueName:         "taskmill",
		RedisAddr:         "localhost:6379",
		VisibilityTimeout: 30 * time.Second,
		PollInterval:      2 * time.Second,
		MaxAttempts:       3,
		RetryMax:          3,
		RetryWait:         time.Second,
		LogLevel:          slog.LevelInfo,
		LogFormat:         "text",
	}
}

// Load reads .env (a missing file is only logged) and overlays the
// environment onto the defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	cfg := Default()
	FromEnv(&cfg)
	return cfg
}

// FromEnv overlays environment variables onto cfg. Unparseable values
// leave the existing setting alone.
func FromEnv(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.ServerAddr = v
	}
	if n, err := strconv.Atoi(os.Getenv("WORKER_COUNT")); err == nil && n > 0 {
		cfg.WorkerCount = n
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		cfg.QueueBackend = strings.ToLower(v)
	}
	if v := os.Getenv("QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("DEAD_LETTER_QUEUE"); v != "" {
		cfg.DeadLetterQueue = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	durationEnv("VISIBILITY_TIMEOUT", &cfg.VisibilityTimeout)
	durationEnv("POLL_INTERVAL", &cfg.PollInterval)
	durationEnv("RETRY_WAIT", &cfg.RetryWait)
	if n, err := strconv.Atoi(os.Getenv("MAX_ATTEMPTS")); err == nil && n > 0 {
		cfg.MaxAttempts = n
	}
	if n, err := strconv.Atoi(os.Getenv("RETRY_MAX")); err == nil && n >= 0 {
		cfg.RetryMax = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(v)); err == nil {
			cfg.LogLevel = level
		}
	}
	if v := strings.ToLower(os.Getenv("LOG_FORMAT")); v == "json" || v == "text" {
		cfg.LogFormat = v
	}
}

func durationEnv(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
		return
	}
	// bare integers are seconds
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = time.Duration(n) * time.Second
	}
}

// NewLogger builds the process logger described by cfg.
func (c Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
