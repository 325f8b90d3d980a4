package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// ProdDbId is the identifier for the production database
	ProdDbId = "old-cloud"
)

// ErrNoIntegrationDB means DATABASE_URL is unset; integration tests skip.
var ErrNoIntegrationDB = errors.New("DATABASE_URL is not configured")

// IntegrationDatabaseURL returns DATABASE_URL (after loading .env) for tests
// that write to PostgreSQL. It refuses any URL containing ProdDbId.
func IntegrationDatabaseURL() (string, error) {
	if err := LoadDotEnv(); err != nil {
		return "", err
	}
	url := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if url == "" {
		return "", ErrNoIntegrationDB
	}
	if strings.Contains(url, ProdDbId) {
		return "", fmt.Errorf("tests aborted: DATABASE_URL contains production identifier %s", ProdDbId)
	}
	return url, nil
}
