package config

import (
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay.
type Config struct {
	Port string
	Env  string

	// Durable store: Postgres when DatabaseURL is set, otherwise SQLite at
	// SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// RedisURL switches the cross-instance notifier to Redis pub/sub.
	// Without it, Postgres LISTEN/NOTIFY is used (or the in-process
	// notifier when running on SQLite).
	RedisURL string

	// Push notification webhook. Empty disables push; queued messages then
	// wait for the recipient's next poll.
	PushWebhookURL  string
	PushMessageType string

	// InstanceID identifies this process in the shared session directory.
	InstanceID string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "3000"),
		Env:             getEnv("ENV", "development"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      os.Getenv("SQLITE_PATH"),
		RedisURL:        os.Getenv("REDIS_URL"),
		PushWebhookURL:  os.Getenv("PUSH_WEBHOOK_URL"),
		PushMessageType: getEnv("PUSH_MESSAGE_TYPE", "messageType"),
		InstanceID:      os.Getenv("INSTANCE_ID"),
	}

	if cfg.InstanceID == "" {
		// Instance ids must be unique: boot cleanup deletes directory rows
		// by instance id, and two instances sharing one would wipe each
		// other's live sessions.
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "mediator-" + uuid.NewString()
		}
		cfg.InstanceID = hostname
	}

	// Multiple instances share one queue only through Postgres; a SQLite
	// relay in production would silently split the queue per instance.
	if cfg.Env == "production" && cfg.DatabaseURL == "" {
		panic("DATABASE_URL is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
