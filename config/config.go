// Package config loads daemon settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the transcoding daemon needs to start.
type Config struct {
	Addr    string
	DataDir string

	// Store selects job record persistence: memory, sqlite or postgres.
	Store       string
	SQLitePath  string
	PostgresDSN string

	// Broker selects queue transport: memory or redis.
	Broker    string
	RedisAddr string
	RedisDB   int

	FFmpegBin  string
	FFprobeBin string

	Concurrency  int
	MaxRetries   int
	StaleTimeout time.Duration

	CORSOrigins []string
}

// Load reads configuration from TRANSCODEQ_* environment variables,
// falling back to defaults suitable for local development.
func Load() (*Config, error) {
	concurrency, err := getInt("TRANSCODEQ_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	maxRetries, err := getInt("TRANSCODEQ_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	redisDB, err := getInt("TRANSCODEQ_REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	staleTimeout, err := getDuration("TRANSCODEQ_STALE_TIMEOUT", 60*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:         getEnv("TRANSCODEQ_ADDR", ":8080"),
		DataDir:      getEnv("TRANSCODEQ_DATA_DIR", "./data"),
		Store:        getEnv("TRANSCODEQ_STORE", "sqlite"),
		SQLitePath:   os.Getenv("TRANSCODEQ_SQLITE_PATH"),
		PostgresDSN:  os.Getenv("TRANSCODEQ_POSTGRES_DSN"),
		Broker:       getEnv("TRANSCODEQ_BROKER", "memory"),
		RedisAddr:    getEnv("TRANSCODEQ_REDIS_ADDR", "localhost:6379"),
		RedisDB:      redisDB,
		FFmpegBin:    getEnv("TRANSCODEQ_FFMPEG_BIN", "ffmpeg"),
		FFprobeBin:   getEnv("TRANSCODEQ_FFPROBE_BIN", "ffprobe"),
		Concurrency:  concurrency,
		MaxRetries:   maxRetries,
		StaleTimeout: staleTimeout,
		CORSOrigins:  splitList(getEnv("TRANSCODEQ_CORS_ORIGINS", "*")),
	}

	switch cfg.Store {
	case "memory", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unknown TRANSCODEQ_STORE %q", cfg.Store)
	}
	switch cfg.Broker {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("unknown TRANSCODEQ_BROKER %q", cfg.Broker)
	}
	if cfg.Store == "postgres" && cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("TRANSCODEQ_POSTGRES_DSN is required when TRANSCODEQ_STORE=postgres")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
