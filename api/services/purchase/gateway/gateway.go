package gateway

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mock/backend.go -package=mock github.com/tbeaudouin05/entitlement-sync/api/services/purchase/gateway Backend

// Backend abstracts the system of record that purchases are synced to.
// Methods return values (not pointers) to respect the project's preference
// to avoid pointer types in public interfaces.
type Backend interface {
	// SyncPurchase reports a verified purchase. It is idempotent per
	// transaction id. Failures are *domain.PurchaseError values.
	SyncPurchase(ctx context.Context, req SyncRequest) (SyncResponse, error)
}

// SyncRequest is the body of POST /purchases/sync.
type SyncRequest struct {
	TransactionID   string    `json:"transactionId"`
	ProductID       string    `json:"productId"`
	PurchasedAt     time.Time `json:"purchasedAt"`
	VerificationKey string    `json:"verificationKey"`
}

// SyncResponse reports whether the backend holds the purchase and whether
// it has since been refunded or charged back.
type SyncResponse struct {
	Accepted bool `json:"accepted"`
	Revoked  bool `json:"revoked"`
}
