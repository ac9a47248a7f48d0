package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the planning service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	TokenSecret string
	TokenTTL    time.Duration

	SeedAdminEmail    string
	SeedAdminPassword string

	TavilyAPIKey       string
	TavilyBaseURL      string
	ResearchMaxResults int

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	JobTimeout      time.Duration
	EventBufferSize int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "planforge"),
		AllowAnyOrigin:     false,
		DatabaseURL:        envTrimmed("DATABASE_URL"),
		TokenSecret:        envOrDefault("APP_TOKEN_SECRET", "change-me"),
		TokenTTL:           24 * time.Hour,
		SeedAdminEmail:     envTrimmed("SEED_ADMIN_EMAIL"),
		SeedAdminPassword:  envTrimmed("SEED_ADMIN_PASSWORD"),
		TavilyAPIKey:       envTrimmed("TAVILY_API_KEY"),
		TavilyBaseURL:      envOrDefault("TAVILY_BASE_URL", "https://api.tavily.com"),
		ResearchMaxResults: 8,
		OpenAIAPIKey:       envTrimmed("OPENAI_API_KEY"),
		OpenAIBaseURL:      envOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:        envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		JobTimeout:         10 * time.Minute,
		EventBufferSize:    256,
		ShutdownTimeout:    15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTTL, err = durationFromEnv("APP_TOKEN_TTL", cfg.TokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.JobTimeout, err = durationFromEnv("APP_JOB_TIMEOUT", cfg.JobTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ResearchMaxResults, err = intFromEnv("RESEARCH_MAX_RESULTS", cfg.ResearchMaxResults)
	if err != nil {
		return Config{}, err
	}
	cfg.EventBufferSize, err = intFromEnv("APP_EVENT_BUFFER_SIZE", cfg.EventBufferSize)
	if err != nil {
		return Config{}, err
	}

	if cfg.TokenTTL < time.Minute {
		return Config{}, fmt.Errorf("APP_TOKEN_TTL must be at least 1m")
	}
	if cfg.JobTimeout < time.Second {
		return Config{}, fmt.Errorf("APP_JOB_TIMEOUT must be at least 1s")
	}
	if cfg.ResearchMaxResults <= 0 {
		return Config{}, fmt.Errorf("RESEARCH_MAX_RESULTS must be positive")
	}
	if cfg.EventBufferSize <= 0 {
		return Config{}, fmt.Errorf("APP_EVENT_BUFFER_SIZE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
