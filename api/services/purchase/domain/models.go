package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FeatureLevel classifies a feature as always-on or paid.
type FeatureLevel string

const (
	FeatureLevelFree    FeatureLevel = "free"
	FeatureLevelPremium FeatureLevel = "premium"
)

// Valid reports whether the level is one of the known values.
func (l FeatureLevel) Valid() bool {
	return l == FeatureLevelFree || l == FeatureLevelPremium
}

// FeatureDefinition is one entry of the static feature catalog.
type FeatureDefinition struct {
	ID                string       `json:"id" yaml:"id"`
	Level             FeatureLevel `json:"level" yaml:"level"`
	RequiredProductID string       `json:"requiredProductId,omitempty" yaml:"requiredProductId"`
}

// Transaction is what the platform store hands over after a purchase.
// ReceiptData is the opaque signed blob; Signature is only set when the
// store delivers the signature segment separately from header.payload.
type Transaction struct {
	TransactionID string          `json:"transactionId"`
	ProductID     string          `json:"productId"`
	PurchaseDate  time.Time       `json:"purchaseDate"`
	ReceiptData   string          `json:"receiptData"`
	Signature     string          `json:"signature,omitempty"`
	Price         decimal.Decimal `json:"price"`
	CurrencyCode  string          `json:"currencyCode,omitempty"`
}

// Purchase is one durable, non-expiring unlock. Records are never deleted;
// a refund or chargeback flips Revoked instead.
// Keep value types to avoid pointer proliferation in domain; zero times mean "not set".
type Purchase struct {
	TransactionID    string          `json:"transactionId"`
	ProductID        string          `json:"productId"`
	PurchasedAt      time.Time       `json:"purchasedAt"`
	Price            decimal.Decimal `json:"price"`
	CurrencyCode     string          `json:"currencyCode"`
	IsVerified       bool            `json:"isVerified"`
	VerificationKey  string          `json:"verificationKey,omitempty"`
	IsSynced         bool            `json:"isSynced"`
	SyncedAt         time.Time       `json:"syncedAt,omitempty"`
	Revoked          bool            `json:"revoked"`
	RevokedAt        time.Time       `json:"revokedAt,omitempty"`
	UnlockedFeatures []string        `json:"unlockedFeatures"`
	SyncAttempts     int             `json:"syncAttempts"`
	LastSyncError    string          `json:"lastSyncError,omitempty"`
	SyncBlocked      bool            `json:"syncBlocked"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// ErrInvalidPurchase is returned by Validate for records that break the
// verified/synced invariants.
var ErrInvalidPurchase = errors.New("invalid purchase record")

// Validate checks the record invariants:
// unverified => no features => not synced, and every optional field is
// present exactly when its flag is set.
func (p Purchase) Validate() error {
	if strings.TrimSpace(p.TransactionID) == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidPurchase)
	}
	if strings.TrimSpace(p.ProductID) == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidPurchase)
	}
	if !p.IsVerified {
		if len(p.UnlockedFeatures) > 0 {
			return fmt.Errorf("%w: unverified purchase %s unlocks features", ErrInvalidPurchase, p.TransactionID)
		}
		if p.IsSynced {
			return fmt.Errorf("%w: unverified purchase %s is marked synced", ErrInvalidPurchase, p.TransactionID)
		}
		if p.Revoked {
			return fmt.Errorf("%w: unverified purchase %s is marked revoked", ErrInvalidPurchase, p.TransactionID)
		}
		if p.VerificationKey != "" {
			return fmt.Errorf("%w: unverified purchase %s carries a verification key", ErrInvalidPurchase, p.TransactionID)
		}
	} else {
		if len(p.UnlockedFeatures) == 0 {
			return fmt.Errorf("%w: verified purchase %s unlocks nothing", ErrInvalidPurchase, p.TransactionID)
		}
		if p.VerificationKey == "" {
			return fmt.Errorf("%w: verified purchase %s has no verification key", ErrInvalidPurchase, p.TransactionID)
		}
	}
	if p.IsSynced == p.SyncedAt.IsZero() {
		return fmt.Errorf("%w: synced_at must be set iff purchase %s is synced", ErrInvalidPurchase, p.TransactionID)
	}
	if p.Revoked == p.RevokedAt.IsZero() {
		return fmt.Errorf("%w: revoked_at must be set iff purchase %s is revoked", ErrInvalidPurchase, p.TransactionID)
	}
	return nil
}

// Entitled reports whether the purchase currently contributes features.
// Sync status does not gate this: a verified purchase unlocks while offline.
func (p Purchase) Entitled() bool {
	return p.IsVerified && !p.Revoked
}
