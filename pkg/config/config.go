// Package config loads runtime settings from the environment. A .env file
// is honored when present; real environment variables win over it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the assembled runtime configuration.
type Config struct {
	// HTTPPort is the listen port for the API server.
	HTTPPort string

	// DatabaseURL selects the event store backend: empty means the
	// in-memory store, anything else is a PostgreSQL DSN.
	DatabaseURL string

	// Anthropic provider settings. APIKey empty means no LLM client is
	// constructed; brains with agent or brain-call blocks will fail.
	AnthropicAPIKey string
	AnthropicModel  string
	MaxTokens       int

	// Slack notification settings; both Token and Channel must be set for
	// notifications to go out.
	SlackToken   string
	SlackChannel string
	DashboardURL string

	// LogLevel is one of debug, info, warn, error.
	LogLevel slog.Level
}

// Load reads configuration from envPath (ignored if missing) and the
// process environment.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", envPath, "error", err)
		} else {
			slog.Info("Loaded environment", "path", envPath)
		}
	}

	maxTokens := 0
	if raw := os.Getenv("ANTHROPIC_MAX_TOKENS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("ANTHROPIC_MAX_TOKENS must be a positive integer, got %q", raw)
		}
		maxTokens = n
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  os.Getenv("ANTHROPIC_MODEL"),
		MaxTokens:       maxTokens,
		SlackToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:    os.Getenv("SLACK_CHANNEL"),
		DashboardURL:    os.Getenv("DASHBOARD_URL"),
		LogLevel:        level,
	}, nil
}

// Backend names the event store backend the config selects.
func (c *Config) Backend() string {
	if c.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}

func parseLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown LOG_LEVEL %q", raw)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
