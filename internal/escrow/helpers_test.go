package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/farmlink/escrow/internal/docstore"
	"github.com/farmlink/escrow/internal/payment"
	"github.com/farmlink/escrow/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc   *Service
	store *recordingStore
	gw    *payment.Scripted
	clock *testutil.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: &recordingStore{Store: docstore.NewMemoryStore()},
		gw:    payment.NewScripted(),
		clock: testutil.NewFakeClock(t0),
	}
	h.svc = NewService(h.store, h.gw).
		WithClock(h.clock).
		WithLogger(discardLogger()).
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, Interval: 2 * time.Second, AttemptTimeout: time.Second})
	return h
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *harness) create(t *testing.T, farmer, amount string) *Transaction {
	t.Helper()
	txn, err := h.svc.Create(context.Background(), CreateRequest{
		BuyerID:       "buyer-1",
		FarmerID:      farmer,
		ListingID:     "listing-1",
		Amount:        decimal.RequireFromString(amount),
		PaymentMethod: MethodMpesa,
	})
	require.NoError(t, err)
	return txn
}

// advance moves the clock forward so consecutive operations get distinct timestamps.
func (h *harness) advance(d time.Duration) {
	h.clock.Set(h.clock.Now().Add(d))
}

// fundsHeld creates a transaction and collects payment successfully.
func (h *harness) fundsHeld(t *testing.T, farmer, amount string) *Transaction {
	t.Helper()
	txn := h.create(t, farmer, amount)
	h.advance(time.Minute)
	txn, err := h.svc.AttemptPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	return txn
}

// delivered drives a transaction to delivered.
func (h *harness) delivered(t *testing.T, farmer, amount string) *Transaction {
	t.Helper()
	txn := h.fundsHeld(t, farmer, amount)
	h.advance(time.Minute)
	txn, err := h.svc.ConfirmDelivery(context.Background(), txn.ID)
	require.NoError(t, err)
	return txn
}

// completed drives a transaction all the way to completed.
func (h *harness) completed(t *testing.T, farmer, amount string) *Transaction {
	t.Helper()
	txn := h.delivered(t, farmer, amount)
	h.advance(time.Minute)
	txn, err := h.svc.ConfirmReceiptAndRelease(context.Background(), txn.ID)
	require.NoError(t, err)
	return txn
}

func (h *harness) get(t *testing.T, id string) *Transaction {
	t.Helper()
	txn, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return txn
}

// recordingStore wraps a store, keeps a copy of every update and can be
// told to fail writes.
type recordingStore struct {
	docstore.Store

	mu         sync.Mutex
	updates    []docstore.Document
	failUpdate error
}

func (r *recordingStore) Update(ctx context.Context, collection, id string, fields docstore.Document) error {
	r.mu.Lock()
	r.updates = append(r.updates, fields.Clone())
	fail := r.failUpdate
	r.mu.Unlock()
	if fail != nil {
		return fail
	}
	return r.Store.Update(ctx, collection, id, fields)
}

func (r *recordingStore) failUpdates(err error) {
	r.mu.Lock()
	r.failUpdate = err
	r.mu.Unlock()
}

func (r *recordingStore) recorded() []docstore.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]docstore.Document(nil), r.updates...)
}

var errDiskFull = errors.New("disk full")

// mockGateway is a testify mock of payment.Gateway.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Collect(ctx context.Context, c payment.Charge) error {
	return m.Called(ctx, c).Error(0)
}

func (m *mockGateway) Release(ctx context.Context, p payment.Payout) error {
	return m.Called(ctx, p).Error(0)
}
