package app

import (
	"log/slog"
	"time"

	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
)

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	SyncTimeout time.Duration
	RepoTimeout time.Duration
	Backoff     Backoff
	// MaxAttempts blocks a purchase after this many failed syncs; 0 retries forever.
	MaxAttempts int
	// RevalidateConcurrency bounds parallel backend calls during Revalidate.
	RevalidateConcurrency int

	// FailedRecordLimit caps how many rejected transactions stay in memory
	// for Status; older ones are forgotten.
	FailedRecordLimit int

	Logger *slog.Logger
	Now    func() time.Time
}

const (
	defaultSyncTimeout = 10 * time.Second
	defaultRepoTimeout = 5 * time.Second
	defaultRetryBase   = time.Second
	defaultRetryMax    = 5 * time.Minute
	defaultFailedLimit = 1024
)

func (c Config) withDefaults() Config {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = defaultSyncTimeout
	}
	if c.RepoTimeout <= 0 {
		c.RepoTimeout = defaultRepoTimeout
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = defaultRetryBase
	}
	if c.Backoff.Max < c.Backoff.Base {
		c.Backoff.Max = defaultRetryMax
		if c.Backoff.Max < c.Backoff.Base {
			c.Backoff.Max = c.Backoff.Base
		}
	}
	if c.RevalidateConcurrency <= 0 {
		c.RevalidateConcurrency = 4
	}
	if c.FailedRecordLimit <= 0 {
		c.FailedRecordLimit = defaultFailedLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Status is the in-memory view of one transaction's state machine.
type Status struct {
	TransactionID string          `json:"transactionId"`
	ProductID     string          `json:"productId"`
	State         domain.State    `json:"state"`
	RetryCount    int             `json:"retryCount"`
	LastError     string          `json:"lastError,omitempty"`
	NextRetryAt   time.Time       `json:"nextRetryAt,omitempty"`
	Purchase      domain.Purchase `json:"purchase"`
}

// RestoreResult summarizes a restore run.
type RestoreResult struct {
	// Restored lists the purchases that are verified after the run.
	Restored []domain.Purchase
	// Failed maps transaction ids to the reason they were not restored.
	Failed map[string]error
}
