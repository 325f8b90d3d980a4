package app

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbeaudouin05/entitlement-sync/api/database"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/catalog"
	purchasedb "github.com/tbeaudouin05/entitlement-sync/api/services/purchase/db"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
	gw "github.com/tbeaudouin05/entitlement-sync/api/services/purchase/gateway"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/gateway/mock"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/receipt"
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/receipt/receipttest"
)

var purchasedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend answers sync calls through fn and counts them.
type fakeBackend struct {
	calls atomic.Int32
	fn    func(ctx context.Context, n int, req gw.SyncRequest) (gw.SyncResponse, error)
}

func (f *fakeBackend) SyncPurchase(ctx context.Context, req gw.SyncRequest) (gw.SyncResponse, error) {
	n := int(f.calls.Add(1))
	return f.fn(ctx, n, req)
}

func accepted(context.Context, int, gw.SyncRequest) (gw.SyncResponse, error) {
	return gw.SyncResponse{Accepted: true}, nil
}

// flakyRepo fails upserts while failUpsert is set.
type flakyRepo struct {
	purchasedb.Repository
	failUpsert atomic.Bool
}

func (r *flakyRepo) Upsert(ctx context.Context, p domain.Purchase) error {
	if r.failUpsert.Load() {
		return errors.New("disk full")
	}
	return r.Repository.Upsert(ctx, p)
}

type harness struct {
	signer  *receipttest.Signer
	repo    purchasedb.Repository
	svc     Service
	changes <-chan domain.StateChange
}

func testCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	c, err := catalog.New(
		domain.FeatureDefinition{ID: "dark_mode", Level: domain.FeatureLevelFree},
		domain.FeatureDefinition{ID: "premium_themes", Level: domain.FeatureLevelPremium, RequiredProductID: "premium_unlock"},
		domain.FeatureDefinition{ID: "cloud_backup", Level: domain.FeatureLevelPremium, RequiredProductID: "premium_unlock"},
		domain.FeatureDefinition{ID: "export_pdf", Level: domain.FeatureLevelPremium, RequiredProductID: "pro_tools"},
	)
	require.NoError(t, err)
	return c
}

func openStore(t *testing.T, path string) *purchasedb.Store {
	t.Helper()
	db, err := database.Open(database.Options{SQLitePath: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return purchasedb.NewStore(db)
}

func testConfig() Config {
	return Config{
		SyncTimeout: time.Second,
		RepoTimeout: time.Second,
		// Long enough that no retry fires unless a test asks for it.
		Backoff: Backoff{Base: time.Hour, Max: 2 * time.Hour},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newHarness(t *testing.T, repo purchasedb.Repository, backend gw.Backend, cfg Config) *harness {
	t.Helper()
	if repo == nil {
		repo = openStore(t, filepath.Join(t.TempDir(), "purchases.db"))
	}
	signer := receipttest.NewES256(t, "k1")
	svc := NewService(repo, backend, receipt.NewVerifier(signer.KeySet(t)), testCatalog(t), cfg)
	changes, _ := svc.Subscribe(64)
	t.Cleanup(svc.Close)
	return &harness{signer: signer, repo: repo, svc: svc, changes: changes}
}

func (h *harness) tx(t *testing.T, id, product string) domain.Transaction {
	tx := h.signer.Transaction(t, id, product, purchasedAt)
	tx.Price = decimal.RequireFromString("4.99")
	tx.CurrencyCode = "eur"
	return tx
}

// waitFor consumes state changes until one for id reaches to.
func (h *harness) waitFor(t *testing.T, id string, to domain.State) domain.StateChange {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-h.changes:
			require.True(t, ok, "changes closed before %s reached %s", id, to)
			if c.TransactionID == id && c.To == to {
				return c
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s to reach %s", id, to)
		}
	}
}

func flipSignatureBit(t *testing.T, token string) string {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	sig[len(sig)/2] ^= 0x01
	parts[2] = base64.RawURLEncoding.EncodeToString(sig)
	return strings.Join(parts, ".")
}

func TestHandleTransaction_HappyPath(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl)
	backend.EXPECT().SyncPurchase(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req gw.SyncRequest) (gw.SyncResponse, error) {
			assert.Equal(t, "tx1", req.TransactionID)
			assert.Equal(t, "premium_unlock", req.ProductID)
			assert.Equal(t, "k1", req.VerificationKey)
			assert.True(t, req.PurchasedAt.Equal(purchasedAt))
			return gw.SyncResponse{Accepted: true}, nil
		}).Times(1)

	h := newHarness(t, nil, backend, testConfig())
	assert.False(t, h.svc.IsUnlocked("premium_themes"))
	assert.True(t, h.svc.IsUnlocked("dark_mode"))

	p, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	assert.True(t, p.IsVerified)
	assert.Equal(t, "k1", p.VerificationKey)
	assert.Equal(t, []string{"premium_themes", "cloud_backup"}, p.UnlockedFeatures)
	assert.Equal(t, "EUR", p.CurrencyCode)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("4.99")))

	h.waitFor(t, "tx1", domain.StateVerifying)
	h.waitFor(t, "tx1", domain.StateVerified)
	h.waitFor(t, "tx1", domain.StateSyncing)
	h.waitFor(t, "tx1", domain.StateSynced)

	assert.True(t, h.svc.IsUnlocked("premium_themes"))
	assert.True(t, h.svc.IsUnlocked("cloud_backup"))
	assert.False(t, h.svc.IsUnlocked("export_pdf"))

	st, err := h.svc.Status(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSynced, st.State)

	stored, err := h.repo.Get(context.Background(), "tx1")
	require.NoError(t, err)
	assert.True(t, stored.IsSynced)
	assert.False(t, stored.SyncedAt.IsZero())
}

func TestHandleTransaction_TamperedReceipt(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mock.NewMockBackend(ctrl) // no calls expected
	h := newHarness(t, nil, backend, testConfig())

	tx := h.tx(t, "tx1", "premium_unlock")
	tx.ReceiptData = flipSignatureBit(t, tx.ReceiptData)

	_, err := h.svc.HandleTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.Invalid(domain.ReasonNotSigned)))
	assert.False(t, domain.IsRetryable(err))

	c := h.waitFor(t, "tx1", domain.StateVerificationFailed)
	assert.Equal(t, domain.StateVerifying, c.From)

	_, err = h.repo.Get(context.Background(), "tx1")
	assert.True(t, errors.Is(err, purchasedb.ErrNotFound))
	assert.False(t, h.svc.IsUnlocked("premium_themes"))

	// Terminal: redelivery reports the same failure without re-verifying.
	_, err = h.svc.HandleTransaction(context.Background(), tx)
	assert.True(t, errors.Is(err, domain.Invalid(domain.ReasonNotSigned)))
	st, err := h.svc.Status(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateVerificationFailed, st.State)
}

func TestHandleTransaction_UnknownProduct(t *testing.T) {
	backend := &fakeBackend{fn: accepted}
	h := newHarness(t, nil, backend, testConfig())

	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "lifetime_gold"))
	pe, ok := domain.AsPurchaseError(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindProductUnavailable, pe.Kind)
	assert.Equal(t, "lifetime_gold", pe.ProductID)
	h.waitFor(t, "tx1", domain.StateVerificationFailed)
	assert.Zero(t, backend.calls.Load())
}

func TestHandleTransaction_MismatchedIDs(t *testing.T) {
	backend := &fakeBackend{fn: accepted}
	h := newHarness(t, nil, backend, testConfig())

	tx := h.tx(t, "tx1", "premium_unlock")
	tx.ProductID = "pro_tools"
	_, err := h.svc.HandleTransaction(context.Background(), tx)
	assert.True(t, errors.Is(err, domain.Invalid(domain.ReasonWrongBundle)))
	assert.False(t, h.svc.IsUnlocked("export_pdf"))
}

func TestHandleTransaction_OfflineThenReconnect(t *testing.T) {
	var online atomic.Bool
	backend := &fakeBackend{fn: func(context.Context, int, gw.SyncRequest) (gw.SyncResponse, error) {
		if !online.Load() {
			return gw.SyncResponse{}, domain.NetworkError("backend", errors.New("no route to host"))
		}
		return gw.SyncResponse{Accepted: true}, nil
	}}
	h := newHarness(t, nil, backend, testConfig())

	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)

	failed := h.waitFor(t, "tx1", domain.StateSyncFailed)
	assert.Equal(t, 0, failed.RetryCount)
	assert.True(t, domain.IsRetryable(failed.Err))

	// Offline-first: the verified purchase already unlocks.
	assert.True(t, h.svc.IsUnlocked("premium_themes"))
	st, err := h.svc.Status(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSyncFailed, st.State)
	assert.False(t, st.NextRetryAt.IsZero())
	assert.False(t, st.Purchase.SyncBlocked)

	online.Store(true)
	assert.Equal(t, 1, h.svc.NotifyOnline(context.Background()))
	h.waitFor(t, "tx1", domain.StateSynced)
	assert.True(t, h.svc.IsUnlocked("premium_themes"))

	stored, err := h.repo.Get(context.Background(), "tx1")
	require.NoError(t, err)
	assert.True(t, stored.IsSynced)
	assert.Equal(t, 1, stored.SyncAttempts)
	assert.Empty(t, stored.LastSyncError)
}

func TestSync_RetriesWithBackoffUntilSynced(t *testing.T) {
	backend := &fakeBackend{fn: func(_ context.Context, n int, _ gw.SyncRequest) (gw.SyncResponse, error) {
		if n < 3 {
			return gw.SyncResponse{}, domain.StoreProblem(503, nil)
		}
		return gw.SyncResponse{Accepted: true}, nil
	}}
	cfg := testConfig()
	cfg.Backoff = Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	h := newHarness(t, nil, backend, cfg)

	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)

	first := h.waitFor(t, "tx1", domain.StateSyncFailed)
	second := h.waitFor(t, "tx1", domain.StateSyncFailed)
	assert.Equal(t, 0, first.RetryCount)
	assert.Equal(t, 1, second.RetryCount)
	h.waitFor(t, "tx1", domain.StateSynced)
	assert.EqualValues(t, 3, backend.calls.Load())
}

func TestSync_RevokedAfterSync(t *testing.T) {
	var revoked atomic.Bool
	backend := &fakeBackend{fn: func(context.Context, int, gw.SyncRequest) (gw.SyncResponse, error) {
		return gw.SyncResponse{Accepted: true, Revoked: revoked.Load()}, nil
	}}
	h := newHarness(t, nil, backend, testConfig())

	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	h.waitFor(t, "tx1", domain.StateSynced)
	require.True(t, h.svc.IsUnlocked("premium_themes"))
	before := h.svc.Entitlements().Version

	revoked.Store(true)
	n, err := h.svc.Revalidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c := h.waitFor(t, "tx1", domain.StateSynced)
	assert.True(t, c.Revoked)
	assert.Equal(t, domain.StateSynced, c.From)

	snap := h.svc.Entitlements()
	assert.Greater(t, snap.Version, before)
	assert.False(t, snap.Has("premium_themes"))
	assert.True(t, snap.Has("dark_mode"))

	stored, err := h.repo.Get(context.Background(), "tx1")
	require.NoError(t, err)
	assert.True(t, stored.Revoked)
	assert.True(t, stored.IsVerified)

	// Revoked purchases are not asked about again.
	calls := backend.calls.Load()
	n, err = h.svc.Revalidate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, calls, backend.calls.Load())
}

func TestSync_CoalescesConcurrentRequests(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	backend := &fakeBackend{fn: func(context.Context, int, gw.SyncRequest) (gw.SyncResponse, error) {
		once.Do(func() { close(entered) })
		<-release
		return gw.SyncResponse{Accepted: true}, nil
	}}
	h := newHarness(t, nil, backend, testConfig())

	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	<-entered

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := h.svc.SyncPurchase(context.Background(), "tx1")
			assert.NoError(t, err)
			assert.True(t, p.IsSynced)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	h.waitFor(t, "tx1", domain.StateSynced)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestSync_IdempotentOnceSynced(t *testing.T) {
	backend := &fakeBackend{fn: accepted}
	h := newHarness(t, nil, backend, testConfig())

	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	h.waitFor(t, "tx1", domain.StateSynced)
	first, err := h.repo.Get(context.Background(), "tx1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		p, err := h.svc.SyncPurchase(context.Background(), "tx1")
		require.NoError(t, err)
		assert.True(t, p.IsSynced)
		assert.True(t, p.SyncedAt.Equal(first.SyncedAt))
	}
	// Redelivery of the same store transaction is also a no-op.
	p, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	assert.True(t, p.IsSynced)

	assert.EqualValues(t, 1, backend.calls.Load())
	st, _ := h.svc.Status(context.Background(), "tx1")
	assert.Equal(t, domain.StateSynced, st.State)
}

func TestSync_UnknownAndUnverifiedIDs(t *testing.T) {
	h := newHarness(t, nil, &fakeBackend{fn: accepted}, testConfig())

	_, err := h.svc.SyncPurchase(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = h.svc.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSync_NonRetryableFailureBlocksUntilRestore(t *testing.T) {
	var fixed atomic.Bool
	backend := &fakeBackend{fn: func(context.Context, int, gw.SyncRequest) (gw.SyncResponse, error) {
		if !fixed.Load() {
			return gw.SyncResponse{}, domain.Unknown("status 422", nil)
		}
		return gw.SyncResponse{Accepted: true}, nil
	}}
	h := newHarness(t, nil, backend, testConfig())
	tx := h.tx(t, "tx1", "premium_unlock")

	_, err := h.svc.HandleTransaction(context.Background(), tx)
	require.NoError(t, err)
	c := h.waitFor(t, "tx1", domain.StateSyncFailed)
	assert.False(t, domain.IsRetryable(c.Err))

	st, _ := h.svc.Status(context.Background(), "tx1")
	assert.True(t, st.Purchase.SyncBlocked)
	assert.True(t, st.NextRetryAt.IsZero())
	assert.Zero(t, h.svc.NotifyOnline(context.Background()))
	// Still entitled: the failure is on our side of the network.
	assert.True(t, h.svc.IsUnlocked("premium_themes"))

	fixed.Store(true)
	res, err := h.svc.Restore(context.Background(), []domain.Transaction{tx})
	require.NoError(t, err)
	require.Len(t, res.Restored, 1)
	assert.Empty(t, res.Failed)
	h.waitFor(t, "tx1", domain.StateSynced)

	stored, err := h.repo.Get(context.Background(), "tx1")
	require.NoError(t, err)
	assert.False(t, stored.SyncBlocked)
}

func TestSync_MaxAttemptsBlocks(t *testing.T) {
	backend := &fakeBackend{fn: func(context.Context, int, gw.SyncRequest) (gw.SyncResponse, error) {
		return gw.SyncResponse{}, domain.NetworkError("backend", nil)
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 1
	h := newHarness(t, nil, backend, cfg)

	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	h.waitFor(t, "tx1", domain.StateSyncFailed)
	st, _ := h.svc.Status(context.Background(), "tx1")
	assert.True(t, st.Purchase.SyncBlocked)
}

func TestSync_TimeoutIsRetryable(t *testing.T) {
	backend := &fakeBackend{fn: func(ctx context.Context, _ int, _ gw.SyncRequest) (gw.SyncResponse, error) {
		<-ctx.Done()
		return gw.SyncResponse{}, ctx.Err()
	}}
	cfg := testConfig()
	cfg.SyncTimeout = 20 * time.Millisecond
	h := newHarness(t, nil, backend, cfg)

	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	c := h.waitFor(t, "tx1", domain.StateSyncFailed)
	pe, ok := domain.AsPurchaseError(c.Err)
	require.True(t, ok)
	assert.Equal(t, domain.KindNetwork, pe.Kind)
	st, _ := h.svc.Status(context.Background(), "tx1")
	assert.False(t, st.Purchase.SyncBlocked)
}

func TestSyncPurchase_CallerCancelDoesNotAbortSync(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{fn: func(context.Context, int, gw.SyncRequest) (gw.SyncResponse, error) {
		<-release
		return gw.SyncResponse{Accepted: true}, nil
	}}
	h := newHarness(t, nil, backend, testConfig())
	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.svc.SyncPurchase(ctx, "tx1")
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	h.waitFor(t, "tx1", domain.StateSynced)
}

func TestHandleTransaction_RepositoryFailureKeepsNothing(t *testing.T) {
	repo := &flakyRepo{Repository: openStore(t, filepath.Join(t.TempDir(), "purchases.db"))}
	repo.failUpsert.Store(true)
	h := newHarness(t, repo, &fakeBackend{fn: accepted}, testConfig())
	tx := h.tx(t, "tx1", "premium_unlock")

	_, err := h.svc.HandleTransaction(context.Background(), tx)
	assert.True(t, errors.Is(err, ErrDatabase))
	assert.False(t, h.svc.IsUnlocked("premium_themes"))
	rollback := h.waitFor(t, "tx1", domain.StatePending)
	assert.Equal(t, domain.StateVerifying, rollback.From)
	assert.ErrorIs(t, rollback.Err, ErrDatabase)
	_, err = h.svc.Status(context.Background(), "tx1")
	assert.ErrorIs(t, err, ErrNotFound)

	repo.failUpsert.Store(false)
	_, err = h.svc.HandleTransaction(context.Background(), tx)
	require.NoError(t, err)
	h.waitFor(t, "tx1", domain.StateSynced)
	assert.True(t, h.svc.IsUnlocked("premium_themes"))
}

func TestResume_AfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "purchases.db")
	offline := &fakeBackend{fn: func(context.Context, int, gw.SyncRequest) (gw.SyncResponse, error) {
		return gw.SyncResponse{}, domain.NetworkError("backend", nil)
	}}
	first := newHarness(t, openStore(t, path), offline, testConfig())
	_, err := first.svc.HandleTransaction(context.Background(), first.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	first.waitFor(t, "tx1", domain.StateSyncFailed)
	first.svc.Close()

	online := &fakeBackend{fn: accepted}
	second := newHarness(t, openStore(t, path), online, testConfig())
	assert.False(t, second.svc.IsUnlocked("premium_themes"))

	n, err := second.svc.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, second.svc.IsUnlocked("premium_themes"))
	second.waitFor(t, "tx1", domain.StateSynced)
	assert.EqualValues(t, 1, online.calls.Load())

	unsynced, err := second.repo.ListUnsynced(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestRestore_ReplaysVerification(t *testing.T) {
	backend := &fakeBackend{fn: accepted}
	h := newHarness(t, nil, backend, testConfig())

	good := h.tx(t, "tx1", "premium_unlock")
	pro := h.tx(t, "tx2", "pro_tools")
	bad := h.tx(t, "tx3", "premium_unlock")
	bad.ReceiptData = flipSignatureBit(t, bad.ReceiptData)

	res, err := h.svc.Restore(context.Background(), []domain.Transaction{good, pro, bad})
	require.NoError(t, err)
	assert.Len(t, res.Restored, 2)
	require.Contains(t, res.Failed, "tx3")
	assert.True(t, errors.Is(res.Failed["tx3"], domain.Invalid(domain.ReasonNotSigned)))

	assert.True(t, h.svc.IsUnlocked("premium_themes"))
	assert.True(t, h.svc.IsUnlocked("export_pdf"))
	h.waitFor(t, "tx1", domain.StateSynced)
}

func TestSubscribe_SlowSubscriberNeverBlocks(t *testing.T) {
	h := newHarness(t, nil, &fakeBackend{fn: accepted}, testConfig())
	slow, unsubscribe := h.svc.Subscribe(0)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleTransaction blocked on a slow subscriber")
	}
	h.waitFor(t, "tx1", domain.StateSynced)
	assert.Empty(t, slow)
}

func TestClose(t *testing.T) {
	h := newHarness(t, nil, &fakeBackend{fn: accepted}, testConfig())
	ch, _ := h.svc.Subscribe(1)
	h.svc.Close()
	h.svc.Close()

	_, open := <-ch
	assert.False(t, open)
	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.svc.SyncPurchase(context.Background(), "tx1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandleTransaction_RedeliveryIsReverified(t *testing.T) {
	backend := &fakeBackend{fn: accepted}
	h := newHarness(t, nil, backend, testConfig())
	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	h.waitFor(t, "tx1", domain.StateSynced)

	garbage := h.tx(t, "tx1", "pro_tools")
	garbage.ReceiptData = "garbage"
	_, err = h.svc.HandleTransaction(context.Background(), garbage)
	assert.True(t, errors.Is(err, domain.Invalid(domain.ReasonNotSigned)))

	tampered := h.tx(t, "tx1", "premium_unlock")
	tampered.ReceiptData = flipSignatureBit(t, tampered.ReceiptData)
	_, err = h.svc.HandleTransaction(context.Background(), tampered)
	assert.True(t, errors.Is(err, domain.Invalid(domain.ReasonNotSigned)))

	// Validly signed, but for another product than the stored purchase.
	_, err = h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "pro_tools"))
	assert.True(t, errors.Is(err, domain.Invalid(domain.ReasonWrongBundle)))
	assert.False(t, h.svc.IsUnlocked("export_pdf"))

	stored, err := h.repo.Get(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Equal(t, "premium_unlock", stored.ProductID)
	assert.True(t, stored.IsSynced)
	assert.True(t, h.svc.IsUnlocked("premium_themes"))
	st, err := h.svc.Status(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSynced, st.State)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestRestore_ReverifiesKnownPurchases(t *testing.T) {
	h := newHarness(t, nil, &fakeBackend{fn: accepted}, testConfig())
	good := h.tx(t, "tx1", "premium_unlock")
	_, err := h.svc.HandleTransaction(context.Background(), good)
	require.NoError(t, err)
	h.waitFor(t, "tx1", domain.StateSynced)

	tampered := good
	tampered.ReceiptData = flipSignatureBit(t, good.ReceiptData)
	res, err := h.svc.Restore(context.Background(), []domain.Transaction{tampered})
	require.NoError(t, err)
	assert.Empty(t, res.Restored)
	require.Contains(t, res.Failed, "tx1")
	assert.True(t, errors.Is(res.Failed["tx1"], domain.Invalid(domain.ReasonNotSigned)))
	assert.True(t, h.svc.IsUnlocked("premium_themes"))

	res, err = h.svc.Restore(context.Background(), []domain.Transaction{good})
	require.NoError(t, err)
	require.Len(t, res.Restored, 1)
	assert.True(t, res.Restored[0].IsSynced)
}

func TestStatus_AfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "purchases.db")
	first := newHarness(t, openStore(t, path), &fakeBackend{fn: accepted}, testConfig())
	_, err := first.svc.HandleTransaction(context.Background(), first.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	first.waitFor(t, "tx1", domain.StateSynced)
	first.svc.Close()

	second := newHarness(t, openStore(t, path), &fakeBackend{fn: accepted}, testConfig())
	_, err = second.svc.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, second.svc.IsUnlocked("premium_themes"))

	st, err := second.svc.Status(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSynced, st.State)
	assert.True(t, st.Purchase.IsSynced)
	assert.Equal(t, "premium_unlock", st.ProductID)

	_, err = second.svc.Status(context.Background(), "tx2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClose_InFlightSyncIsNotAFailure(t *testing.T) {
	backend := &fakeBackend{fn: func(ctx context.Context, _ int, _ gw.SyncRequest) (gw.SyncResponse, error) {
		<-ctx.Done()
		return gw.SyncResponse{}, ctx.Err()
	}}
	cfg := testConfig()
	cfg.SyncTimeout = time.Minute
	cfg.MaxAttempts = 1
	h := newHarness(t, nil, backend, cfg)

	_, err := h.svc.HandleTransaction(context.Background(), h.tx(t, "tx1", "premium_unlock"))
	require.NoError(t, err)
	h.waitFor(t, "tx1", domain.StateSyncing)
	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	h.svc.Close()

	stored, err := h.repo.Get(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Zero(t, stored.SyncAttempts)
	assert.False(t, stored.SyncBlocked)
	assert.Empty(t, stored.LastSyncError)
	for c := range h.changes {
		assert.NotEqual(t, domain.StateSyncFailed, c.To)
	}

	unsynced, err := h.repo.ListUnsynced(context.Background())
	require.NoError(t, err)
	assert.Len(t, unsynced, 1)
}

func TestRestore_ResetsAttemptBudget(t *testing.T) {
	backend := &fakeBackend{fn: func(_ context.Context, n int, _ gw.SyncRequest) (gw.SyncResponse, error) {
		if n == 1 {
			return gw.SyncResponse{}, domain.Unknown("status 422", nil)
		}
		return gw.SyncResponse{}, domain.NetworkError("backend", nil)
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, nil, backend, cfg)
	tx := h.tx(t, "tx1", "premium_unlock")

	_, err := h.svc.HandleTransaction(context.Background(), tx)
	require.NoError(t, err)
	h.waitFor(t, "tx1", domain.StateSyncFailed)
	st, _ := h.svc.Status(context.Background(), "tx1")
	require.True(t, st.Purchase.SyncBlocked)

	_, err = h.svc.Restore(context.Background(), []domain.Transaction{tx})
	require.NoError(t, err)
	c := h.waitFor(t, "tx1", domain.StateSyncFailed)
	assert.Equal(t, 0, c.RetryCount)

	st, err = h.svc.Status(context.Background(), "tx1")
	require.NoError(t, err)
	assert.False(t, st.Purchase.SyncBlocked)
	assert.Equal(t, 1, st.Purchase.SyncAttempts)
	stored, err := h.repo.Get(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SyncAttempts)
	assert.False(t, stored.SyncBlocked)
}

func TestVerificationFailures_AreEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.FailedRecordLimit = 2
	h := newHarness(t, nil, &fakeBackend{fn: accepted}, cfg)

	for _, id := range []string{"bad1", "bad2", "bad3"} {
		tx := h.tx(t, id, "premium_unlock")
		tx.ReceiptData = flipSignatureBit(t, tx.ReceiptData)
		_, err := h.svc.HandleTransaction(context.Background(), tx)
		require.Error(t, err)
	}

	impl := h.svc.(*serviceImpl)
	impl.mu.Lock()
	n := len(impl.records)
	impl.mu.Unlock()
	assert.Equal(t, 2, n)

	_, err := h.svc.Status(context.Background(), "bad1")
	assert.ErrorIs(t, err, ErrNotFound)
	st, err := h.svc.Status(context.Background(), "bad3")
	require.NoError(t, err)
	assert.Equal(t, domain.StateVerificationFailed, st.State)

	// A forgotten id starts over with a fresh state machine.
	_, err = h.svc.HandleTransaction(context.Background(), h.tx(t, "bad1", "premium_unlock"))
	require.NoError(t, err)
	h.waitFor(t, "bad1", domain.StateSynced)
}
