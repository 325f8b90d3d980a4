package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	// Storage: DatabaseURL (postgres) wins over the local SQLite file.
	DatabasePath string `env:"DATABASE_PATH" envDefault:"data/purchases.db"`
	DatabaseURL  string `env:"DATABASE_URL"`

	// Backend of record
	BackendBaseURL string `env:"BACKEND_BASE_URL,required"`
	BackendAPIKey  string `env:"BACKEND_API_KEY"`

	// Receipt verification
	TrustedKeyFiles  []string `env:"TRUSTED_KEY_FILES" envSeparator:","`
	TrustedKeyPEM    string   `env:"TRUSTED_KEY_PEM"`
	TrustedKeyID     string   `env:"TRUSTED_KEY_ID" envDefault:"default"`
	ExpectedBundleID string   `env:"EXPECTED_BUNDLE_ID"`
	CatalogPath      string   `env:"CATALOG_PATH,required"`

	// Sync engine
	SyncTimeout        time.Duration `env:"SYNC_TIMEOUT" envDefault:"10s"`
	RepoTimeout        time.Duration `env:"REPO_TIMEOUT" envDefault:"5s"`
	RetryBase          time.Duration `env:"RETRY_BASE" envDefault:"1s"`
	RetryMax           time.Duration `env:"RETRY_MAX" envDefault:"5m"`
	RetryMaxAttempts   int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"0"`
	RevalidateInterval time.Duration `env:"REVALIDATE_INTERVAL" envDefault:"6h"`

	// Server ports
	HTTPPort string `env:"PORT" envDefault:"8080"`
	GRPCPort string `env:"GRPC_PORT" envDefault:"50051"`

	// Analytics: events go to a Redis stream when RedisURL is set, else to the log.
	RedisURL        string `env:"REDIS_URL"`
	AnalyticsStream string `env:"ANALYTICS_STREAM" envDefault:"purchase-events"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`

	// Optional: base URL for running remote HTTP integration tests (e.g., https://api.example.com)
	IntegrationBaseURL string `env:"INTEGRATION_BASE_URL"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	files := c.TrustedKeyFiles[:0]
	for _, f := range c.TrustedKeyFiles {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	c.TrustedKeyFiles = files
	if len(c.TrustedKeyFiles) == 0 && strings.TrimSpace(c.TrustedKeyPEM) == "" {
		return fmt.Errorf("missing trusted keys: set TRUSTED_KEY_FILES or TRUSTED_KEY_PEM")
	}
	if c.DatabaseURL == "" && strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("missing storage: set DATABASE_PATH or DATABASE_URL")
	}
	if c.SyncTimeout <= 0 || c.RepoTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("invalid retry window: base %s, max %s", c.RetryBase, c.RetryMax)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must not be negative")
	}
	return nil
}

// LoadDotEnv loads the first .env found walking up from the working
// directory. Variables already set in the environment win.
func LoadDotEnv() error {
	currentDir, _ := os.Getwd()
	for currentDir != "/" && currentDir != "." {
		// Check if .env file exists in current directory
		envPath := filepath.Join(currentDir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return fmt.Errorf("failed to load .env file: %v", err)
			}
			return nil
		}
		// Move up one directory
		currentDir = filepath.Dir(currentDir)
	}
	return nil
}
