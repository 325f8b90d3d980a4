package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbeaudouin05/entitlement-sync/api/database"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
)

// ErrNotFound is returned by Get for unknown transaction ids.
var ErrNotFound = errors.New("purchase not found")

// Repository persists purchases. Writes are monotonic: once a flag is set
// by any writer it stays set.
type Repository interface {
	Upsert(ctx context.Context, p domain.Purchase) error
	Get(ctx context.Context, transactionID string) (domain.Purchase, error)
	// ListUnsynced returns verified purchases the backend has not accepted yet.
	ListUnsynced(ctx context.Context) ([]domain.Purchase, error)
	ListVerified(ctx context.Context) ([]domain.Purchase, error)
}

// Store is the database/sql Repository for SQLite and PostgreSQL.
type Store struct {
	db *database.DB
}

// NewStore wraps an open, migrated database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const purchaseColumns = `transaction_id, product_id, purchase_date, price, currency_code,
	is_verified, verification_key, is_synced, synced_at, unlocked_features,
	sync_attempts, last_sync_error, sync_blocked, revoked, revoked_at,
	created_at, updated_at`

// The merge keeps the flags monotonic and freezes what they guard:
// verification_key and unlocked_features once verified, synced_at once
// synced, revoked_at once revoked. sync_attempts only grows, except that a
// write unblocking an unsynced row restarts the count.
const upsertSQL = `
INSERT INTO purchases (` + purchaseColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (transaction_id) DO UPDATE SET
	is_verified = purchases.is_verified OR excluded.is_verified,
	verification_key = CASE WHEN purchases.is_verified THEN purchases.verification_key ELSE excluded.verification_key END,
	unlocked_features = CASE WHEN purchases.is_verified THEN purchases.unlocked_features ELSE excluded.unlocked_features END,
	is_synced = purchases.is_synced OR excluded.is_synced,
	synced_at = CASE WHEN purchases.is_synced THEN purchases.synced_at ELSE excluded.synced_at END,
	revoked = purchases.revoked OR excluded.revoked,
	revoked_at = CASE WHEN purchases.revoked THEN purchases.revoked_at ELSE excluded.revoked_at END,
	sync_attempts = CASE
		WHEN purchases.sync_blocked AND NOT excluded.sync_blocked AND NOT excluded.is_synced THEN excluded.sync_attempts
		WHEN purchases.sync_attempts > excluded.sync_attempts THEN purchases.sync_attempts
		ELSE excluded.sync_attempts END,
	last_sync_error = excluded.last_sync_error,
	sync_blocked = CASE WHEN purchases.is_synced OR excluded.is_synced THEN FALSE ELSE excluded.sync_blocked END,
	updated_at = excluded.updated_at
`

// Upsert inserts or merges p in a single statement. Records that break the
// purchase invariants are rejected before touching the database.
func (s *Store) Upsert(ctx context.Context, p domain.Purchase) error {
	if err := p.Validate(); err != nil {
		return err
	}
	features := p.UnlockedFeatures
	if features == nil {
		features = []string{}
	}
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("encode unlocked features: %w", err)
	}
	now := time.Now().UTC()
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	_, err = s.db.SQL.ExecContext(ctx, s.db.Rebind(upsertSQL),
		p.TransactionID,
		p.ProductID,
		p.PurchasedAt.UTC().UnixMilli(),
		p.Price,
		p.CurrencyCode,
		p.IsVerified,
		p.VerificationKey,
		p.IsSynced,
		nullMillis(p.SyncedAt),
		string(featuresJSON),
		p.SyncAttempts,
		p.LastSyncError,
		p.SyncBlocked,
		p.Revoked,
		nullMillis(p.RevokedAt),
		created.UnixMilli(),
		updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert purchase %s: %w", p.TransactionID, err)
	}
	return nil
}

// Get loads one purchase by transaction id.
func (s *Store) Get(ctx context.Context, transactionID string) (domain.Purchase, error) {
	row := s.db.SQL.QueryRowContext(ctx,
		s.db.Rebind("SELECT "+purchaseColumns+" FROM purchases WHERE transaction_id = ?"), transactionID)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Purchase{}, fmt.Errorf("%w: %s", ErrNotFound, transactionID)
	}
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("get purchase %s: %w", transactionID, err)
	}
	return p, nil
}

func (s *Store) ListUnsynced(ctx context.Context) ([]domain.Purchase, error) {
	return s.list(ctx, "WHERE is_verified = ? AND is_synced = ?", true, false)
}

func (s *Store) ListVerified(ctx context.Context) ([]domain.Purchase, error) {
	return s.list(ctx, "WHERE is_verified = ?", true)
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]domain.Purchase, error) {
	query := "SELECT " + purchaseColumns + " FROM purchases " + where + " ORDER BY created_at, transaction_id"
	rows, err := s.db.SQL.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var out []domain.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row scanner) (domain.Purchase, error) {
	var (
		p            domain.Purchase
		purchasedAt  int64
		price        decimal.Decimal
		syncedAt     sql.NullInt64
		revokedAt    sql.NullInt64
		featuresJSON string
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&p.TransactionID,
		&p.ProductID,
		&purchasedAt,
		&price,
		&p.CurrencyCode,
		&p.IsVerified,
		&p.VerificationKey,
		&p.IsSynced,
		&syncedAt,
		&featuresJSON,
		&p.SyncAttempts,
		&p.LastSyncError,
		&p.SyncBlocked,
		&p.Revoked,
		&revokedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return domain.Purchase{}, err
	}
	if err := json.Unmarshal([]byte(featuresJSON), &p.UnlockedFeatures); err != nil {
		return domain.Purchase{}, fmt.Errorf("decode unlocked features of %s: %w", p.TransactionID, err)
	}
	if len(p.UnlockedFeatures) == 0 {
		p.UnlockedFeatures = nil
	}
	p.Price = price
	p.PurchasedAt = fromMillis(purchasedAt)
	if syncedAt.Valid {
		p.SyncedAt = fromMillis(syncedAt.Int64)
	}
	if revokedAt.Valid {
		p.RevokedAt = fromMillis(revokedAt.Int64)
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
