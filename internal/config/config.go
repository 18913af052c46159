package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the two entitlement freshness windows. Positive decisions are
// trusted longer than negative ones so a stale "no" self-heals quickly while a
// confirmed payer does not hammer Stripe on every request.
const (
	DefaultAccessWindow   = 5 * time.Minute
	DefaultNegativeWindow = 1 * time.Minute
)

// Config holds all configuration for the paywall server.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string
	BaseURL     string

	// AccessWindow is the freshness window written with has_access=true rows.
	AccessWindow time.Duration
	// NegativeWindow is the freshness window written with has_access=false rows.
	NegativeWindow time.Duration
	// ClientCacheTTL bounds how long a per-tenant Stripe client is reused
	// before the tenant's credentials are re-read.
	ClientCacheTTL time.Duration

	// RedisURL selects the Redis entitlement store when set; the SQLite store
	// under DataDir is used otherwise.
	RedisURL string

	LogLevel  string
	LogFormat string

	PublicStatus  bool
	PublicMetrics bool

	// TrustProxy keys rate limiting on X-Forwarded-For instead of the peer
	// address. Enable only behind a proxy that overwrites the header.
	TrustProxy bool
}

// StoreDir returns the directory holding the SQLite databases.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "paywall")
}

// Load reads configuration from environment variables. A .env file is loaded
// if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PAYWALL_PORT", 8442)
	if err != nil {
		return nil, err
	}
	accessWindow, err := envOrDefaultDuration("PAYWALL_ACCESS_WINDOW", DefaultAccessWindow)
	if err != nil {
		return nil, err
	}
	negativeWindow, err := envOrDefaultDuration("PAYWALL_NEGATIVE_WINDOW", DefaultNegativeWindow)
	if err != nil {
		return nil, err
	}
	clientTTL, err := envOrDefaultDuration("PAYWALL_CLIENT_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:        envOrDefault("PAYWALL_DATA_DIR", "/data"),
		BindAddress:    envOrDefault("PAYWALL_BIND_ADDRESS", "0.0.0.0"),
		Port:           port,
		AdminKey:       strings.TrimSpace(os.Getenv("PAYWALL_ADMIN_KEY")),
		BaseURL:        strings.TrimSpace(os.Getenv("PAYWALL_BASE_URL")),
		AccessWindow:   accessWindow,
		NegativeWindow: negativeWindow,
		ClientCacheTTL: clientTTL,
		RedisURL:       strings.TrimSpace(os.Getenv("PAYWALL_REDIS_URL")),
		LogLevel:       envOrDefault("PAYWALL_LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("PAYWALL_LOG_FORMAT", "auto"),
		PublicStatus:   envBool("PAYWALL_PUBLIC_STATUS"),
		PublicMetrics:  envBool("PAYWALL_PUBLIC_METRICS"),
		TrustProxy:     envBool("PAYWALL_TRUST_PROXY"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "PAYWALL_ADMIN_KEY")
	}
	if c.BaseURL == "" {
		missing = append(missing, "PAYWALL_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PAYWALL_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.AccessWindow <= 0 {
		return fmt.Errorf("PAYWALL_ACCESS_WINDOW must be positive, got %s", c.AccessWindow)
	}
	if c.NegativeWindow <= 0 {
		return fmt.Errorf("PAYWALL_NEGATIVE_WINDOW must be positive, got %s", c.NegativeWindow)
	}
	if c.ClientCacheTTL <= 0 {
		return fmt.Errorf("PAYWALL_CLIENT_CACHE_TTL must be positive, got %s", c.ClientCacheTTL)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("PAYWALL_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("PAYWALL_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("PAYWALL_BASE_URL must include a host")
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

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
