package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/shop-connector/internal/crypto"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreBolt     = "bolt"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all environment-based configuration for shop-connector.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3456"`

	// Environment controls log format and whether cookies are Secure.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// TikTok Shop partner application credentials.
	TikTokAppKey    string `env:"TIKTOK_APP_KEY"`
	TikTokAppSecret string `env:"TIKTOK_APP_SECRET"`

	// Overridable for sandboxes and tests.
	TikTokAuthURL    string `env:"TIKTOK_AUTH_URL" envDefault:"https://services.tiktokshop.com/open/authorize"`
	TikTokTokenURL   string `env:"TIKTOK_TOKEN_URL" envDefault:"https://auth.tiktok-shops.com/api/v2/token/get"`
	TikTokRefreshURL string `env:"TIKTOK_REFRESH_URL" envDefault:"https://auth.tiktok-shops.com/api/v2/token/refresh"`

	// TokenEncryptionKey is 64 hex characters (32 bytes) for AES-256-GCM.
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	// StateSecret signs the authorization state cookie.
	StateSecret string `env:"STATE_SECRET"`

	// CallbackURL is registered with TikTok as the redirect target.
	CallbackURL string `env:"CALLBACK_URL"`

	// FrontendURL receives the browser after a successful connection.
	FrontendURL string `env:"FRONTEND_URL"`

	StateTTLMs      int64         `env:"STATE_TTL_MS" envDefault:"600000"`
	StateCookieName string        `env:"STATE_COOKIE_NAME" envDefault:"tiktok_oauth_state"`
	ExchangeTimeout time.Duration `env:"EXCHANGE_TIMEOUT" envDefault:"15s"`

	// Credential store backend. STORE_PATH is used by bolt and sqlite,
	// DATABASE_URL by postgres.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"bolt"`
	StorePath   string `env:"STORE_PATH" envDefault:"./data/connector.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	RateLimitMax      int   `env:"RATE_LIMIT_MAX" envDefault:"60"`
	RateLimitWindowMs int64 `env:"RATE_LIMIT_WINDOW_MS" envDefault:"60000"`

	// TrustProxy makes the rate limiter key on the first X-Forwarded-For hop.
	TrustProxy bool `env:"TRUST_PROXY" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StoreDriver != StorePostgres {
		absPath, err := filepath.Abs(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("resolving store path to absolute path: %w", err)
		}

		cfg.StorePath = absPath
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.TikTokAppKey == "" {
		return fmt.Errorf("TIKTOK_APP_KEY is required")
	}

	if c.TikTokAppSecret == "" {
		return fmt.Errorf("TIKTOK_APP_SECRET is required")
	}

	if c.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}

	if _, err := crypto.ParseKey(c.TokenEncryptionKey); err != nil {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY: %w", err)
	}

	if c.StateSecret == "" {
		return fmt.Errorf("STATE_SECRET is required")
	}

	for name, raw := range map[string]string{
		"CALLBACK_URL":       c.CallbackURL,
		"FRONTEND_URL":       c.FrontendURL,
		"TIKTOK_AUTH_URL":    c.TikTokAuthURL,
		"TIKTOK_TOKEN_URL":   c.TikTokTokenURL,
		"TIKTOK_REFRESH_URL": c.TikTokRefreshURL,
	} {
		if err := validateAbsoluteURL(name, raw); err != nil {
			return err
		}
	}

	if c.StateTTLMs <= 0 {
		return fmt.Errorf("STATE_TTL_MS must be positive")
	}

	if c.StateCookieName == "" {
		return fmt.Errorf("STATE_COOKIE_NAME must not be empty")
	}

	if c.ExchangeTimeout <= 0 {
		return fmt.Errorf("EXCHANGE_TIMEOUT must be positive")
	}

	switch c.StoreDriver {
	case StoreBolt, StoreSQLite:
		if c.StorePath == "" {
			return fmt.Errorf("STORE_PATH is required for the %s store", c.StoreDriver)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of %s, %s, %s; got %q", StoreBolt, StoreSQLite, StorePostgres, c.StoreDriver)
	}

	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive")
	}

	if c.RateLimitWindowMs <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_MS must be positive")
	}

	return nil
}

func validateAbsoluteURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", name)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// StateTTL returns the authorization state lifetime.
func (c *Config) StateTTL() time.Duration {
	return time.Duration(c.StateTTLMs) * time.Millisecond
}

// RateLimitWindow returns the window RATE_LIMIT_MAX requests are counted over.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMs) * time.Millisecond
}

// EncryptionKey returns the decoded TOKEN_ENCRYPTION_KEY. Load has
// already validated it.
func (c *Config) EncryptionKey() []byte {
	key, _ := crypto.ParseKey(c.TokenEncryptionKey)
	return key
}
