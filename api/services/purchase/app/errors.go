package app

import "errors"

// Typed infrastructure errors for the purchase app layer. Domain failures
// are *domain.PurchaseError values; these wrap everything else.
var (
	// ErrDatabase indicates a repository failure.
	ErrDatabase = errors.New("database error")
	// ErrGateway indicates a backend failure that is not a PurchaseError.
	ErrGateway = errors.New("gateway error")
	// ErrNotFound indicates an unknown transaction id.
	ErrNotFound = errors.New("purchase not found")
	// ErrNotVerified indicates a sync request for a purchase that never passed verification.
	ErrNotVerified = errors.New("purchase not verified")
	// ErrClosed is returned once the service has been closed.
	ErrClosed = errors.New("service closed")
)
