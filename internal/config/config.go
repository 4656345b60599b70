package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/downgrader/internal/catalog"
)

const (
	defaultTokenValidity = 365 * 24 * time.Hour
	defaultDedupTTL      = 7 * 24 * time.Hour
)

// Config is the server configuration, read from the environment.
type Config struct {
	Port      int
	DBPath    string
	BaseURL   string
	LogLevel  string
	LogFormat string

	FreeTrialLimit int
	TokenValidity  time.Duration
	Products       []catalog.Product

	// RequestDedupTTL is how long consumption request ids are remembered.
	RequestDedupTTL time.Duration
	RateLimit       int
	RedisURL        string

	LLMProxyURL string
	LLMProxyKey string
	LLMModel    string

	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string
}

// Load reads the configuration. A .env file in the working directory is
// loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("DOWNGRADER_PORT", 8000)
	if err != nil {
		return nil, err
	}
	trialLimit, err := envOrDefaultInt("DOWNGRADER_FREE_TRIAL_LIMIT", 1)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("DOWNGRADER_RATE_LIMIT", 30)
	if err != nil {
		return nil, err
	}
	validity, err := envOrDefaultDuration("DOWNGRADER_TOKEN_VALIDITY", defaultTokenValidity)
	if err != nil {
		return nil, err
	}
	dedupTTL, err := envOrDefaultDuration("DOWNGRADER_DEDUP_TTL", defaultDedupTTL)
	if err != nil {
		return nil, err
	}

	products := catalog.DefaultProducts
	if raw := strings.TrimSpace(os.Getenv("DOWNGRADER_PRODUCTS")); raw != "" {
		products, err = catalog.ParseProducts(raw)
		if err != nil {
			return nil, fmt.Errorf("DOWNGRADER_PRODUCTS: %w", err)
		}
	}

	cfg := &Config{
		Port:                port,
		DBPath:              envOrDefault("DOWNGRADER_DB_PATH", "downgrader.db"),
		BaseURL:             strings.TrimRight(envOrDefault("DOWNGRADER_BASE_URL", fmt.Sprintf("http://localhost:%d", port)), "/"),
		LogLevel:            envOrDefault("DOWNGRADER_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("DOWNGRADER_LOG_FORMAT", "text"),
		FreeTrialLimit:      trialLimit,
		TokenValidity:       validity,
		Products:            products,
		RequestDedupTTL:     dedupTTL,
		RateLimit:           rateLimit,
		RedisURL:            strings.TrimSpace(os.Getenv("DOWNGRADER_REDIS_URL")),
		LLMProxyURL:         strings.TrimSpace(os.Getenv("LLM_PROXY_URL")),
		LLMProxyKey:         strings.TrimSpace(os.Getenv("LLM_PROXY_KEY")),
		LLMModel:            envOrDefault("LLM_MODEL", "gemini-2.5-flash"),
		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		Currency:            strings.ToLower(envOrDefault("DOWNGRADER_CURRENCY", "usd")),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// PaymentsEnabled reports whether Stripe checkout is configured.
func (c *Config) PaymentsEnabled() bool {
	return c.StripeSecretKey != ""
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("DOWNGRADER_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.FreeTrialLimit < 0 {
		return fmt.Errorf("DOWNGRADER_FREE_TRIAL_LIMIT must not be negative, got %d", c.FreeTrialLimit)
	}
	if c.TokenValidity <= 0 {
		return fmt.Errorf("DOWNGRADER_TOKEN_VALIDITY must be positive, got %s", c.TokenValidity)
	}
	if c.RequestDedupTTL <= 0 {
		return fmt.Errorf("DOWNGRADER_DEDUP_TTL must be positive, got %s", c.RequestDedupTTL)
	}
	if c.RateLimit < 1 {
		return fmt.Errorf("DOWNGRADER_RATE_LIMIT must be at least 1, got %d", c.RateLimit)
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go durations ("720h") and whole days ("30d").
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration: %w", key, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
