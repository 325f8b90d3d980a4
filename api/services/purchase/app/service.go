package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/catalog"
	purchasedb "github.com/tbeaudouin05/entitlement-sync/api/services/purchase/db"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/entitlement"
	gw "github.com/tbeaudouin05/entitlement-sync/api/services/purchase/gateway"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/receipt"
)

var tracer = otel.Tracer("github.com/tbeaudouin05/entitlement-sync/api/services/purchase/app")

// Service defines the purchase verification and entitlement operations.
type Service interface {
	// HandleTransaction verifies and persists a store transaction, then
	// syncs it in the background. It returns an error only when the
	// transaction does not grant an entitlement.
	HandleTransaction(ctx context.Context, tx domain.Transaction) (domain.Purchase, error)
	// SyncPurchase pushes one verified, unsynced purchase to the backend now;
	// a synced purchase is returned as is. The sync keeps running if ctx
	// ends first.
	SyncPurchase(ctx context.Context, transactionID string) (domain.Purchase, error)
	// Resume schedules a sync for every persisted verified, unsynced purchase.
	Resume(ctx context.Context) (int, error)
	// Restore replays verification for transactions reported by the store.
	Restore(ctx context.Context, txs []domain.Transaction) (RestoreResult, error)
	// Revalidate re-syncs synced purchases to pick up revocations and
	// returns how many were newly revoked.
	Revalidate(ctx context.Context) (int, error)
	// NotifyOnline retries every failed sync without waiting for its backoff.
	NotifyOnline(ctx context.Context) int
	// Status reports the state machine of a transaction, loading a persisted
	// purchase on first use. Unknown ids return ErrNotFound.
	Status(ctx context.Context, transactionID string) (Status, error)
	Entitlements() entitlement.Snapshot
	IsUnlocked(featureID string) bool
	// Subscribe returns a channel of state changes. A verification whose
	// write fails reports Verifying → Pending with the database error.
	Subscribe(buffer int) (<-chan domain.StateChange, func())
	Close()
}

// ReceiptVerifier authenticates a transaction's receipt.
type ReceiptVerifier interface {
	Verify(tx domain.Transaction) (receipt.Payload, error)
}

// record is the state machine instance of one transaction. mu serializes
// its transitions.
type record struct {
	mu        sync.Mutex
	state     domain.State
	hydrated  bool
	purchase  domain.Purchase
	retries   int
	lastErr   error
	nextRetry time.Time
	timer     *time.Timer
	// evicted records are no longer in the map; holders must fetch a fresh one.
	evicted bool
}

// adopt loads a persisted purchase into a fresh record.
func (r *record) adopt(p domain.Purchase) {
	r.hydrated = true
	if !p.IsVerified {
		return
	}
	r.purchase = p
	switch {
	case p.IsSynced:
		r.state = domain.StateSynced
	case p.SyncAttempts > 0:
		r.state = domain.StateSyncFailed
		r.retries = p.SyncAttempts
	default:
		r.state = domain.StateVerified
	}
}

func (r *record) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.nextRetry = time.Time{}
}

type serviceImpl struct {
	repo     purchasedb.Repository
	backend  gw.Backend
	verifier ReceiptVerifier
	catalog  catalog.Catalog
	cfg      Config
	log      *slog.Logger

	// ctx is owned by the engine; callers going away never cancel a sync.
	ctx    context.Context
	cancel context.CancelFunc
	flight singleflight.Group
	wg     sync.WaitGroup

	mu      sync.Mutex
	records map[string]*record
	failed  []string
	closed  bool

	snapMu sync.Mutex
	snap   atomic.Pointer[entitlement.Snapshot]

	subMu      sync.RWMutex
	subs       map[uint64]chan domain.StateChange
	nextSub    uint64
	subsClosed bool
}

// NewService builds the engine. The entitlement snapshot starts with the
// free features; call Resume to load persisted purchases.
func NewService(repo purchasedb.Repository, backend gw.Backend, verifier ReceiptVerifier, cat catalog.Catalog, cfg Config) Service {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &serviceImpl{
		repo:     repo,
		backend:  backend,
		verifier: verifier,
		catalog:  cat,
		cfg:      cfg,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		records:  make(map[string]*record),
		subs:     make(map[uint64]chan domain.StateChange),
	}
	initial := entitlement.NewSnapshot(0, entitlement.Resolve(cat, nil), cfg.Now().UTC())
	s.snap.Store(&initial)
	return s
}

func (s *serviceImpl) HandleTransaction(ctx context.Context, tx domain.Transaction) (domain.Purchase, error) {
	if s.isClosed() {
		return domain.Purchase{}, ErrClosed
	}
	if strings.TrimSpace(tx.TransactionID) == "" || strings.TrimSpace(tx.ProductID) == "" {
		return domain.Purchase{}, domain.Unknown("transaction id and product id are required", nil)
	}

	rec := s.lockRecord(tx.TransactionID)
	if err := s.hydrateLocked(ctx, rec, tx.TransactionID); err != nil {
		rec.mu.Unlock()
		return domain.Purchase{}, err
	}
	switch rec.state {
	case domain.StatePending:
	case domain.StateVerificationFailed:
		err := rec.lastErr
		rec.mu.Unlock()
		return domain.Purchase{}, err
	default:
		// Redelivery of a known purchase: the new receipt must still verify.
		p, state := rec.purchase, rec.state
		rec.mu.Unlock()
		if err := s.reverify(ctx, tx, p); err != nil {
			return domain.Purchase{}, err
		}
		if state == domain.StateVerified && !p.SyncBlocked {
			s.launchSync(p.TransactionID)
		}
		return p, nil
	}

	p, err := s.verifyAndPersistLocked(ctx, rec, tx)
	failed := rec.state == domain.StateVerificationFailed
	rec.mu.Unlock()
	if failed {
		s.trackFailed(tx.TransactionID)
	}
	s.refresh()
	if err != nil {
		return domain.Purchase{}, err
	}
	s.launchSync(p.TransactionID)
	return p, nil
}

func (s *serviceImpl) SyncPurchase(ctx context.Context, transactionID string) (domain.Purchase, error) {
	type result struct {
		p   domain.Purchase
		err error
	}
	done := make(chan result, 1)
	ok := s.spawn(func() {
		p, err := s.sync(transactionID, syncNormal)
		done <- result{p, err}
	})
	if !ok {
		return domain.Purchase{}, ErrClosed
	}
	select {
	case r := <-done:
		return r.p, r.err
	case <-ctx.Done():
		return domain.Purchase{}, ctx.Err()
	}
}

func (s *serviceImpl) Resume(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	list, err := s.listUnsynced(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range list {
		rec := s.record(p.TransactionID)
		rec.mu.Lock()
		if !rec.hydrated {
			rec.adopt(p)
		}
		due := !rec.purchase.SyncBlocked && (rec.state == domain.StateVerified || rec.state == domain.StateSyncFailed)
		if due {
			rec.stopTimer()
		}
		rec.mu.Unlock()
		if due && s.launchSync(p.TransactionID) {
			n++
		}
	}
	s.refresh()
	s.log.Info("resumed unsynced purchases", "scheduled", n, "unsynced", len(list))
	return n, nil
}

func (s *serviceImpl) Restore(ctx context.Context, txs []domain.Transaction) (RestoreResult, error) {
	if s.isClosed() {
		return RestoreResult{}, ErrClosed
	}
	res := RestoreResult{Failed: make(map[string]error)}
	for _, tx := range txs {
		p, err := s.restoreOne(ctx, tx)
		if err != nil {
			res.Failed[tx.TransactionID] = err
			continue
		}
		res.Restored = append(res.Restored, p)
	}
	s.refresh()
	s.log.Info("restore finished", "restored", len(res.Restored), "failed", len(res.Failed))
	return res, nil
}

func (s *serviceImpl) restoreOne(ctx context.Context, tx domain.Transaction) (domain.Purchase, error) {
	if strings.TrimSpace(tx.TransactionID) == "" || strings.TrimSpace(tx.ProductID) == "" {
		return domain.Purchase{}, domain.Unknown("transaction id and product id are required", nil)
	}
	rec := s.lockRecord(tx.TransactionID)
	if err := s.hydrateLocked(ctx, rec, tx.TransactionID); err != nil {
		rec.mu.Unlock()
		return domain.Purchase{}, err
	}
	if rec.state == domain.StateVerificationFailed {
		// Restore starts a fresh state machine for receipts that failed before.
		rec.state, rec.lastErr = domain.StatePending, nil
	}
	if rec.state == domain.StatePending {
		p, err := s.verifyAndPersistLocked(ctx, rec, tx)
		failed := rec.state == domain.StateVerificationFailed
		rec.mu.Unlock()
		if failed {
			s.trackFailed(tx.TransactionID)
		}
		if err != nil {
			return domain.Purchase{}, err
		}
		s.launchSync(p.TransactionID)
		return p, nil
	}

	p := rec.purchase
	if err := s.reverify(ctx, tx, p); err != nil {
		rec.mu.Unlock()
		return domain.Purchase{}, err
	}
	if p.SyncBlocked {
		// A manual restore grants a fresh retry budget.
		p.SyncBlocked = false
		p.SyncAttempts = 0
		p.UpdatedAt = s.cfg.Now().UTC()
		if err := s.upsert(ctx, p); err != nil {
			rec.mu.Unlock()
			return domain.Purchase{}, fmt.Errorf("%w: unblock purchase %s: %v", ErrDatabase, p.TransactionID, err)
		}
		rec.purchase = p
		rec.retries = 0
	}
	due := rec.state == domain.StateVerified || rec.state == domain.StateSyncFailed
	if due {
		rec.stopTimer()
	}
	rec.mu.Unlock()
	if due {
		s.launchSync(p.TransactionID)
	}
	return p, nil
}

func (s *serviceImpl) Revalidate(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RepoTimeout)
	list, err := s.repo.ListVerified(rctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("%w: list verified purchases: %v", ErrDatabase, err)
	}

	var revoked atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.RevalidateConcurrency)
	for _, p := range list {
		if !p.IsSynced || p.Revoked {
			continue
		}
		id := p.TransactionID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			got, err := s.sync(id, syncRevalidate)
			if err != nil {
				s.log.Warn("revalidation failed", "transaction_id", id, "error", err)
				return nil
			}
			if got.Revoked {
				revoked.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	n := int(revoked.Load())
	s.log.Info("revalidation finished", "checked", len(list), "revoked", n)
	return n, ctx.Err()
}

func (s *serviceImpl) NotifyOnline(ctx context.Context) int {
	n := 0
	for _, rec := range s.snapshotRecords() {
		rec.mu.Lock()
		due := rec.state == domain.StateSyncFailed && !rec.purchase.SyncBlocked
		id := rec.purchase.TransactionID
		if due {
			rec.stopTimer()
		}
		rec.mu.Unlock()
		if due && s.launchSync(id) {
			n++
		}
	}
	if n > 0 {
		s.log.Info("connectivity restored, retrying syncs", "count", n)
	}
	return n
}

func (s *serviceImpl) Status(ctx context.Context, transactionID string) (Status, error) {
	rec, err := s.lookup(ctx, transactionID)
	if err != nil {
		return Status{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := s.hydrateLocked(ctx, rec, transactionID); err != nil {
		return Status{}, err
	}
	if rec.state == domain.StatePending && !rec.purchase.IsVerified && rec.lastErr == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, transactionID)
	}
	st := Status{
		TransactionID: transactionID,
		ProductID:     rec.purchase.ProductID,
		State:         rec.state,
		RetryCount:    rec.retries,
		NextRetryAt:   rec.nextRetry,
		Purchase:      rec.purchase,
		LastError:     rec.purchase.LastSyncError,
	}
	if rec.lastErr != nil {
		st.LastError = rec.lastErr.Error()
	}
	return st, nil
}

func (s *serviceImpl) Entitlements() entitlement.Snapshot {
	return *s.snap.Load()
}

func (s *serviceImpl) IsUnlocked(featureID string) bool {
	return s.snap.Load().Has(featureID)
}

// Close stops retries, waits for in-flight syncs and closes subscriber
// channels.
func (s *serviceImpl) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	for _, rec := range recs {
		rec.mu.Lock()
		rec.stopTimer()
		rec.mu.Unlock()
	}
	s.cancel()
	s.wg.Wait()
	s.closeSubscribers()
}

func (s *serviceImpl) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// record returns the state machine for id, creating a Pending one.
func (s *serviceImpl) record(id string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		rec = &record{state: domain.StatePending, purchase: domain.Purchase{TransactionID: id}}
		s.records[id] = rec
	}
	return rec
}

// lockRecord returns the locked state machine for id, skipping records that
// were evicted while we waited for the lock.
func (s *serviceImpl) lockRecord(id string) *record {
	for {
		rec := s.record(id)
		rec.mu.Lock()
		if !rec.evicted {
			return rec
		}
		rec.mu.Unlock()
	}
}

// trackFailed remembers a VerificationFailed record and evicts the oldest
// ones past FailedRecordLimit. No record lock may be held.
func (s *serviceImpl) trackFailed(id string) {
	s.mu.Lock()
	s.failed = append(s.failed, id)
	var victims []string
	for len(s.failed) > s.cfg.FailedRecordLimit {
		victims = append(victims, s.failed[0])
		s.failed = s.failed[1:]
	}
	s.mu.Unlock()

	for _, v := range victims {
		s.mu.Lock()
		rec, ok := s.records[v]
		s.mu.Unlock()
		if !ok {
			continue
		}
		rec.mu.Lock()
		if rec.state == domain.StateVerificationFailed {
			s.mu.Lock()
			if s.records[v] == rec {
				delete(s.records, v)
			}
			s.mu.Unlock()
			rec.evicted = true
		}
		rec.mu.Unlock()
	}
}

// lookup returns the state machine for a persisted purchase without
// creating records for unknown ids.
func (s *serviceImpl) lookup(ctx context.Context, id string) (*record, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if ok {
		return rec, nil
	}
	p, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		return rec, nil
	}
	rec = &record{state: domain.StatePending, purchase: domain.Purchase{TransactionID: id}}
	rec.adopt(p)
	s.records[id] = rec
	return rec, nil
}

func (s *serviceImpl) snapshotRecords() []*record {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	return recs
}

// hydrateLocked loads the persisted purchase the first time a record is
// touched. rec.mu must be held.
func (s *serviceImpl) hydrateLocked(ctx context.Context, rec *record, id string) error {
	if rec.hydrated {
		return nil
	}
	p, err := s.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		rec.hydrated = true
		return nil
	}
	if err != nil {
		return err
	}
	rec.adopt(p)
	return nil
}

// spawn runs fn on a goroutine tracked by Close. It reports false once the
// service is closed.
func (s *serviceImpl) spawn(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *serviceImpl) launchSync(id string) bool {
	return s.spawn(func() {
		if _, err := s.sync(id, syncNormal); err != nil {
			s.log.Warn("background sync failed", "transaction_id", id, "error", err)
		}
	})
}

// refresh rebuilds the entitlement snapshot from the repository. A failed
// read keeps the previous snapshot.
func (s *serviceImpl) refresh() {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RepoTimeout)
	defer cancel()
	list, err := s.repo.ListVerified(ctx)
	if err != nil {
		s.log.Error("rebuild entitlements", "error", err)
		return
	}
	next := entitlement.NewSnapshot(s.snap.Load().Version+1, entitlement.Resolve(s.catalog, list), s.cfg.Now().UTC())
	s.snap.Store(&next)
}

func (s *serviceImpl) get(ctx context.Context, id string) (domain.Purchase, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RepoTimeout)
	defer cancel()
	p, err := s.repo.Get(ctx, id)
	if errors.Is(err, purchasedb.ErrNotFound) {
		return domain.Purchase{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return domain.Purchase{}, fmt.Errorf("%w: load purchase %s: %v", ErrDatabase, id, err)
	}
	return p, nil
}

func (s *serviceImpl) listUnsynced(ctx context.Context) ([]domain.Purchase, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RepoTimeout)
	defer cancel()
	list, err := s.repo.ListUnsynced(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list unsynced purchases: %v", ErrDatabase, err)
	}
	return list, nil
}

func (s *serviceImpl) upsert(ctx context.Context, p domain.Purchase) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RepoTimeout)
	defer cancel()
	return s.repo.Upsert(ctx, p)
}
