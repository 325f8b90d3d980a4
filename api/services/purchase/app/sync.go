package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
	gw "github.com/tbeaudouin05/entitlement-sync/api/services/purchase/gateway"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/receipt"
)

const backendPlatform = "backend"

type syncMode int

const (
	// syncNormal drives Verified and SyncFailed records to Synced.
	syncNormal syncMode = iota
	// syncRevalidate also re-asks the backend about a Synced record.
	syncRevalidate
)

// verifyAndPersistLocked runs Pending → Verifying → Verified|VerificationFailed.
// rec.mu must be held. Nothing is persisted unless verification succeeds.
func (s *serviceImpl) verifyAndPersistLocked(ctx context.Context, rec *record, tx domain.Transaction) (domain.Purchase, error) {
	rec.purchase.ProductID = tx.ProductID
	s.transition(rec, domain.StatePending, domain.StateVerifying, nil, false)

	payload, features, err := s.verify(ctx, tx)
	if err != nil {
		if _, ok := domain.AsPurchaseError(err); !ok {
			err = domain.Unknown("verify receipt", err)
		}
		rec.lastErr = err
		s.transition(rec, domain.StateVerifying, domain.StateVerificationFailed, err, false)
		s.log.Warn("receipt rejected", "transaction_id", tx.TransactionID, "product_id", tx.ProductID, "error", err)
		return domain.Purchase{}, err
	}

	now := s.cfg.Now().UTC()
	p := domain.Purchase{
		TransactionID:    payload.TransactionID,
		ProductID:        payload.ProductID,
		PurchasedAt:      payload.PurchaseDate.UTC(),
		Price:            tx.Price,
		CurrencyCode:     strings.ToUpper(strings.TrimSpace(tx.CurrencyCode)),
		IsVerified:       true,
		VerificationKey:  payload.KeyID,
		UnlockedFeatures: features,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// Signed values win over what the store SDK reported.
	if !payload.Price.IsZero() {
		p.Price = payload.Price
	}
	if payload.CurrencyCode != "" {
		p.CurrencyCode = strings.ToUpper(payload.CurrencyCode)
	}

	if err := s.upsert(ctx, p); err != nil {
		// Nothing was written; a redelivery starts over from Pending.
		werr := fmt.Errorf("%w: persist verified purchase %s: %v", ErrDatabase, p.TransactionID, err)
		s.transition(rec, domain.StateVerifying, domain.StatePending, werr, false)
		s.log.Error("persist verified purchase", "transaction_id", p.TransactionID, "error", err)
		return domain.Purchase{}, werr
	}
	rec.purchase = p
	rec.hydrated = true
	rec.lastErr = nil
	s.transition(rec, domain.StateVerifying, domain.StateVerified, nil, false)
	s.log.Info("purchase verified", "transaction_id", p.TransactionID, "product_id", p.ProductID, "key_id", p.VerificationKey)
	return p, nil
}

func (s *serviceImpl) verify(ctx context.Context, tx domain.Transaction) (receipt.Payload, []string, error) {
	_, span := tracer.Start(ctx, "purchase.verify", trace.WithAttributes(
		attribute.String("purchase.transaction_id", tx.TransactionID),
		attribute.String("purchase.product_id", tx.ProductID),
	))
	defer span.End()

	payload, err := s.verifier.Verify(tx)
	if err != nil {
		span.SetStatus(codes.Error, "receipt rejected")
		return receipt.Payload{}, nil, err
	}
	features := s.catalog.FeaturesForProduct(payload.ProductID)
	if len(features) == 0 {
		err := domain.ProductUnavailable(payload.ProductID)
		span.SetStatus(codes.Error, err.Error())
		return receipt.Payload{}, nil, err
	}
	span.SetAttributes(attribute.String("purchase.key_id", payload.KeyID))
	return payload, features, nil
}

// reverify checks a redelivered transaction against the purchase already
// stored for its id. The stored record is never touched.
func (s *serviceImpl) reverify(ctx context.Context, tx domain.Transaction, stored domain.Purchase) error {
	payload, _, err := s.verify(ctx, tx)
	if err == nil && payload.ProductID != stored.ProductID {
		err = domain.Invalid(domain.ReasonWrongBundle)
	}
	if err == nil {
		return nil
	}
	if _, ok := domain.AsPurchaseError(err); !ok {
		err = domain.Unknown("verify receipt", err)
	}
	s.log.Warn("redelivered receipt rejected", "transaction_id", tx.TransactionID, "product_id", tx.ProductID, "stored_product_id", stored.ProductID, "error", err)
	return err
}

// sync runs one coalesced sync for id on the engine's context.
func (s *serviceImpl) sync(id string, mode syncMode) (domain.Purchase, error) {
	v, err, _ := s.flight.Do(id, func() (any, error) {
		p, err := s.syncOnce(id, mode)
		s.refresh()
		return p, err
	})
	p, _ := v.(domain.Purchase)
	return p, err
}

func (s *serviceImpl) syncOnce(id string, mode syncMode) (domain.Purchase, error) {
	rec, err := s.lookup(s.ctx, id)
	if err != nil {
		return domain.Purchase{}, err
	}

	rec.mu.Lock()
	if err := s.hydrateLocked(s.ctx, rec, id); err != nil {
		rec.mu.Unlock()
		return domain.Purchase{}, err
	}
	prev := rec.state
	switch rec.state {
	case domain.StateVerified, domain.StateSyncFailed:
		rec.stopTimer()
		s.transition(rec, rec.state, domain.StateSyncing, nil, false)
	case domain.StateSynced:
		if mode != syncRevalidate || rec.purchase.Revoked {
			p := rec.purchase
			rec.mu.Unlock()
			return p, nil
		}
	case domain.StateSyncing:
		p := rec.purchase
		rec.mu.Unlock()
		return p, nil
	default:
		rec.mu.Unlock()
		return domain.Purchase{}, fmt.Errorf("%w: %s", ErrNotVerified, id)
	}
	observed := rec.state
	revalidating := observed == domain.StateSynced
	p := rec.purchase
	rec.mu.Unlock()

	resp, callErr := s.callBackend(s.ctx, p)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	// The backend call is over. Triggers that see the state written below
	// must start a new flight instead of joining this one.
	s.flight.Forget(id)
	if rec.state != observed {
		// Compare-and-set: someone else moved the record while we were out.
		s.log.Warn("dropping stale sync result", "transaction_id", id, "expected", observed, "actual", rec.state)
		return rec.purchase, nil
	}
	if callErr != nil && s.ctx.Err() != nil {
		// Shutdown cut the call short. The row is untouched, so Resume picks
		// it up on the next start.
		if !revalidating {
			rec.state = prev
		}
		return rec.purchase, ErrClosed
	}
	if callErr != nil {
		return s.syncFailedLocked(rec, p, callErr, revalidating)
	}
	return s.syncSucceededLocked(rec, p, resp, revalidating)
}

func (s *serviceImpl) syncSucceededLocked(rec *record, p domain.Purchase, resp gw.SyncResponse, revalidating bool) (domain.Purchase, error) {
	now := s.cfg.Now().UTC()
	next := p
	if !next.IsSynced {
		next.IsSynced, next.SyncedAt = true, now
	}
	newlyRevoked := resp.Revoked && !next.Revoked
	if newlyRevoked {
		next.Revoked, next.RevokedAt = true, now
	}
	next.SyncBlocked = false
	next.LastSyncError = ""
	next.UpdatedAt = now

	if err := s.upsert(context.Background(), next); err != nil {
		// The backend holds the purchase; repeating the idempotent call is safe.
		werr := fmt.Errorf("%w: persist sync result for %s: %v", ErrDatabase, p.TransactionID, err)
		return s.syncFailedLocked(rec, p, werr, revalidating)
	}
	rec.purchase = next
	rec.lastErr = nil
	rec.retries = 0

	if revalidating {
		if newlyRevoked {
			s.transition(rec, domain.StateSynced, domain.StateSynced, nil, true)
			s.log.Warn("purchase revoked", "transaction_id", p.TransactionID, "product_id", p.ProductID)
		}
		return next, nil
	}
	s.transition(rec, domain.StateSyncing, domain.StateSynced, nil, newlyRevoked)
	s.log.Info("purchase synced", "transaction_id", p.TransactionID, "revoked", next.Revoked)
	return next, nil
}

// syncFailedLocked records a failed attempt and schedules the next one when
// the failure is transient.
func (s *serviceImpl) syncFailedLocked(rec *record, p domain.Purchase, err error, revalidating bool) (domain.Purchase, error) {
	if revalidating {
		// A synced record stays synced; the next cycle asks again.
		return rec.purchase, err
	}
	now := s.cfg.Now().UTC()
	retryable := domain.IsRetryable(err) || errors.Is(err, ErrDatabase)

	next := p
	next.SyncAttempts++
	next.LastSyncError = err.Error()
	next.UpdatedAt = now
	next.SyncBlocked = !retryable || (s.cfg.MaxAttempts > 0 && next.SyncAttempts >= s.cfg.MaxAttempts)
	if uerr := s.upsert(context.Background(), next); uerr != nil {
		s.log.Error("persist sync failure", "transaction_id", p.TransactionID, "error", uerr)
	}
	rec.purchase = next
	rec.lastErr = err
	s.transition(rec, domain.StateSyncing, domain.StateSyncFailed, err, false)

	if next.SyncBlocked {
		s.log.Error("sync blocked, needs restore", "transaction_id", p.TransactionID, "attempts", next.SyncAttempts, "error", err)
		return next, err
	}
	delay := s.cfg.Backoff.Next(rec.retries)
	rec.retries++
	rec.nextRetry = now.Add(delay)
	id := p.TransactionID
	rec.timer = time.AfterFunc(delay, func() { s.launchSync(id) })
	s.log.Warn("sync failed, retry scheduled", "transaction_id", id, "attempt", next.SyncAttempts, "retry_in", delay, "error", err)
	return next, err
}

func (s *serviceImpl) callBackend(ctx context.Context, p domain.Purchase) (gw.SyncResponse, error) {
	ctx, span := tracer.Start(ctx, "purchase.sync", trace.WithAttributes(
		attribute.String("purchase.transaction_id", p.TransactionID),
		attribute.String("purchase.product_id", p.ProductID),
		attribute.Int("purchase.sync_attempts", p.SyncAttempts),
	))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()
	resp, err := s.backend.SyncPurchase(cctx, gw.SyncRequest{
		TransactionID:   p.TransactionID,
		ProductID:       p.ProductID,
		PurchasedAt:     p.PurchasedAt,
		VerificationKey: p.VerificationKey,
	})
	if err != nil {
		err = classifyBackendError(cctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return gw.SyncResponse{}, err
	}
	span.SetAttributes(attribute.Bool("purchase.revoked", resp.Revoked))
	return resp, nil
}

// classifyBackendError makes every backend failure a *domain.PurchaseError.
// Deadlines and shutdown count as network failures so they are retried.
func classifyBackendError(ctx context.Context, err error) error {
	if _, ok := domain.AsPurchaseError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return domain.NetworkError(backendPlatform, err)
	}
	return domain.Unknown("backend call failed", fmt.Errorf("%w: %v", ErrGateway, err))
}
