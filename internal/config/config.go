// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all settings for the match service.
type Config struct {
	ListenAddr  string
	RedisAddr   string
	NatsURL     string
	PostgresDSN string // empty disables the match history archive
	DailyAPIKey string
	DailyAPIURL string // empty uses the provider default
	RoomTTL     time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		NatsURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		DailyAPIKey: os.Getenv("DAILY_API_KEY"),
		DailyAPIURL: os.Getenv("DAILY_API_URL"),
		RoomTTL:     getDuration("ROOM_TTL", 2*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
