package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	// Replicate generation backend.
	ReplicateAPIToken string
	ReplicateBaseURL  string
	ReplicateModel    string
	PollMaxAttempts   int

	// Cost governor.
	CostDailyLimitUSD   float64
	CostMonthlyLimitUSD float64
	CostAlertThreshold  float64

	// Anonymous free tier.
	FreeGenerationsLimit int
	FreeReplenishEvery   time.Duration
	IPRateLimit          int
	IPRateWindow         time.Duration

	// Local persistence for quota/cost records.
	DataDir string

	// Optional Postgres credit ledger + generation records.
	DatabaseURL string

	GeoIPDBPath     string
	AllowedOrigins  []string
	RateLimitPerMin int
	JWTSecret       string
	DefaultLocale   string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "development"),
		Port:   getEnv("PORT", "8080"),

		ReplicateAPIToken: os.Getenv("REPLICATE_API_TOKEN"),
		ReplicateBaseURL:  getEnv("REPLICATE_BASE_URL", "https://api.replicate.com/v1"),
		ReplicateModel:    getEnv("REPLICATE_MODEL", "qwen/qwen-image"),
		PollMaxAttempts:   getEnvInt("POLL_MAX_ATTEMPTS", 90),

		CostDailyLimitUSD:   getEnvFloat("COST_DAILY_LIMIT_USD", 10.0),
		CostMonthlyLimitUSD: getEnvFloat("COST_MONTHLY_LIMIT_USD", 100.0),
		CostAlertThreshold:  getEnvFloat("COST_ALERT_THRESHOLD", 0.8),

		FreeGenerationsLimit: getEnvInt("FREE_GENERATIONS_LIMIT", 5),
		FreeReplenishEvery:   time.Hour * time.Duration(getEnvInt("FREE_REPLENISH_HOURS", 24)),
		IPRateLimit:          getEnvInt("IP_RATE_LIMIT", 5),
		IPRateWindow:         time.Minute * time.Duration(getEnvInt("IP_RATE_WINDOW_MINUTES", 60)),

		DataDir:     getEnv("DATA_DIR", "./data"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		DefaultLocale:   getEnv("DEFAULT_LOCALE", "en"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 300)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}

	if cfg.ReplicateAPIToken == "" {
		return nil, fmt.Errorf("REPLICATE_API_TOKEN is required")
	}

	return cfg, nil
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
