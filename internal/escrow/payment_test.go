package escrow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/farmlink/escrow/internal/docstore"
	"github.com/farmlink/escrow/internal/payment"
	"github.com/farmlink/escrow/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestAttemptPayment_SucceedsFirstTime(t *testing.T) {
	h := newHarness(t)
	txn := h.create(t, "f", "150")
	h.advance(time.Minute)

	got, err := h.svc.AttemptPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFundsHeld, got.Status)
	assert.Equal(t, t0.Add(time.Minute), *got.FundsHeldAt)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, h.clock.Waits())
}

func TestAttemptPayment_RetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	txn := h.create(t, "f", "150")
	h.gw.DeclineCollect(2)

	got, err := h.svc.AttemptPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFundsHeld, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Contains(t, got.FailureReason, "payment declined", "success does not clear the last failure")
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.clock.Waits())
	assert.Len(t, h.gw.Charges(), 3)
	assert.Equal(t, []Status{StatusPending, StatusFundsHeld}, statuses(got.StatusHistory))
}

func TestAttemptPayment_RetryExhaustedCancels(t *testing.T) {
	h := newHarness(t)
	txn := h.create(t, "f", "150")
	h.gw.DeclineCollect(10)

	got, err := h.svc.AttemptPayment(context.Background(), txn.ID)
	assert.Nil(t, got)
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, payment.ErrDeclined)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, StatusCancelled, e.Status)

	stored := h.get(t, txn.ID)
	assert.Equal(t, StatusCancelled, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Contains(t, stored.FailureReason, "payment failed after 3 retries")
	assert.Equal(t, []Status{StatusPending, StatusCancelled}, statuses(stored.StatusHistory))
	assert.Len(t, h.gw.Charges(), 4, "one initial attempt plus three retries")
	assert.Len(t, h.clock.Waits(), 3)
	assert.True(t, decimal.NewFromInt(150).Equal(stored.Amount))
}

func TestAttemptPayment_RetryCountIsMonotonicAndBounded(t *testing.T) {
	h := newHarness(t)
	h.svc.WithRetryPolicy(RetryPolicy{MaxRetries: 5, Interval: time.Second, AttemptTimeout: time.Second})
	txn := h.create(t, "f", "1")
	h.gw.DeclineCollect(10)

	_, err := h.svc.AttemptPayment(context.Background(), txn.ID)
	require.ErrorIs(t, err, ErrRetryExhausted)

	last := 0
	for i, update := range h.store.recorded() {
		n, ok := update["retryCount"].(int)
		require.True(t, ok, "update %d", i)
		assert.GreaterOrEqual(t, n, last, "update %d decreased retryCount", i)
		assert.LessOrEqual(t, n, 5)
		last = n
	}
	assert.Equal(t, 5, last)
}

func TestAttemptPayment_PersistsEachFailureBeforeWaiting(t *testing.T) {
	h := newHarness(t)
	h.clock.Hold()
	txn := h.create(t, "f", "1")
	h.gw.DeclineCollect(1)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.AttemptPayment(context.Background(), txn.ID)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, time.Millisecond)
	mid := h.get(t, txn.ID)
	assert.Equal(t, StatusPending, mid.Status)
	assert.Equal(t, 1, mid.RetryCount)
	assert.Contains(t, mid.FailureReason, "payment declined")

	h.clock.Advance(2 * time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, StatusFundsHeld, h.get(t, txn.ID).Status)
}

func TestAttemptPayment_CancelDuringBackoffLeavesState(t *testing.T) {
	h := newHarness(t)
	h.clock.Hold()
	txn := h.create(t, "f", "1")
	h.gw.DeclineCollect(5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.AttemptPayment(ctx, txn.ID)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, time.Millisecond)
	before := h.get(t, txn.ID)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("AttemptPayment did not return after cancellation")
	}

	after := h.get(t, txn.ID)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, after.RetryCount)
	assert.Len(t, h.gw.Charges(), 1)
}

func TestAttemptPayment_StopsWhenMovedOnDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.clock.Hold()
	txn := h.create(t, "f", "1")
	h.gw.DeclineCollect(5)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.AttemptPayment(context.Background(), txn.ID)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, time.Millisecond)

	// The lock is free while waiting, so the buyer can cancel.
	cancelled, err := h.svc.Cancel(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	h.clock.Advance(2 * time.Second)
	assert.ErrorIs(t, <-done, ErrInvalidTransition)
	assert.Len(t, h.gw.Charges(), 1, "no attempt after the transaction left pending")
	assert.Equal(t, StatusCancelled, h.get(t, txn.ID).Status)
}

func TestAttemptPayment_StoreErrorAbortsRetries(t *testing.T) {
	h := newHarness(t)
	txn := h.create(t, "f", "1")
	h.gw.DeclineCollect(5)
	h.store.failUpdates(errDiskFull)

	_, err := h.svc.AttemptPayment(context.Background(), txn.ID)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Len(t, h.gw.Charges(), 1)
	assert.Empty(t, h.clock.Waits())
}

func TestAttemptPayment_AttemptTimeoutIsAnOrdinaryFailure(t *testing.T) {
	h := newHarness(t)
	h.svc.WithRetryPolicy(RetryPolicy{MaxRetries: 3, Interval: time.Second, AttemptTimeout: 10 * time.Millisecond})
	txn := h.create(t, "f", "1")
	h.gw.QueueCollect(payment.ErrBlock, nil)

	got, err := h.svc.AttemptPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFundsHeld, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.FailureReason, "deadline exceeded")
}

func TestAttemptPayment_CallerCancelDuringCollect(t *testing.T) {
	h := newHarness(t)
	h.svc.WithRetryPolicy(RetryPolicy{MaxRetries: 3, Interval: time.Second, AttemptTimeout: time.Minute})
	txn := h.create(t, "f", "1")
	h.gw.QueueCollect(payment.ErrBlock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.AttemptPayment(ctx, txn.ID)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.gw.Charges()) == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	got := h.get(t, txn.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.FailureReason)
}

func TestAttemptPayment_CallerGoneAfterChargeStillRecordsFundsHeld(t *testing.T) {
	gw := new(mockGateway)
	h := newHarness(t)
	svc := NewService(h.store, gw).WithClock(h.clock).WithLogger(discardLogger())
	txn, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: "buyer-1", FarmerID: "farmer-1", ListingID: "beans-90kg",
		Amount: decimal.RequireFromString("4200"), PaymentMethod: MethodMpesa,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The client disconnects just as the provider confirms the charge.
	gw.On("Collect", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil).Once()

	got, err := svc.AttemptPayment(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFundsHeld, got.Status)

	stored := h.get(t, txn.ID)
	assert.Equal(t, StatusFundsHeld, stored.Status)
	require.NotNil(t, stored.FundsHeldAt)

	_, err = svc.AttemptPayment(context.Background(), txn.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	gw.AssertNumberOfCalls(t, "Collect", 1)
}

func TestAttemptPayment_LockTimeoutIsTyped(t *testing.T) {
	h := newHarness(t)
	txn := h.create(t, "f", "1")

	unlock, err := h.svc.locks.LockContext(context.Background(), txn.ID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.svc.AttemptPayment(ctx, txn.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var escErr *Error
	require.ErrorAs(t, err, &escErr)
	assert.Equal(t, "attempt_payment", escErr.Op)
	assert.Equal(t, txn.ID, escErr.TransactionID)
	assert.Empty(t, h.gw.Charges())
}

func TestAttemptPayment_RejectsNonPending(t *testing.T) {
	h := newHarness(t)
	held := h.fundsHeld(t, "f", "1")
	charges := len(h.gw.Charges())

	_, err := h.svc.AttemptPayment(context.Background(), held.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, h.gw.Charges(), charges)

	_, err = h.svc.AttemptPayment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttemptPayment_KeepsFirstFundsHeldAt(t *testing.T) {
	h := newHarness(t)
	txn := h.create(t, "f", "1")
	earlier := t0.Add(-time.Hour)
	require.NoError(t, h.store.Store.Update(context.Background(), Collection, txn.ID, docstore.Document{"fundsHeldAt": earlier}))

	got, err := h.svc.AttemptPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, earlier, *got.FundsHeldAt)
}

func TestAttemptPayment_SendsChargeToGateway(t *testing.T) {
	gw := new(mockGateway)
	h := newHarness(t)
	svc := NewService(h.store, gw).WithClock(h.clock).WithLogger(discardLogger())

	txn, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: "buyer-9", FarmerID: "farmer-9", ListingID: "maize-50kg",
		Amount: decimal.RequireFromString("2500.50"), PaymentMethod: MethodMTNMobileMoney,
	})
	require.NoError(t, err)

	gw.On("Collect", mock.Anything, mock.MatchedBy(func(c payment.Charge) bool {
		return c.TransactionID == txn.ID &&
			c.BuyerID == "buyer-9" &&
			c.Method == "mtnMobileMoney" &&
			c.Amount.Equal(decimal.RequireFromString("2500.50"))
	})).Return(nil).Once()
	gw.On("Release", mock.Anything, mock.MatchedBy(func(p payment.Payout) bool {
		return p.FarmerID == "farmer-9"
	})).Return(nil).Once()

	_, err = svc.AttemptPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmDelivery(context.Background(), txn.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmReceiptAndRelease(context.Background(), txn.ID)
	require.NoError(t, err)

	gw.AssertExpectations(t)
}

func TestAttemptPayment_WorksOverJSONDocuments(t *testing.T) {
	// Documents read back from PostgreSQL carry json.Number and strings
	// instead of Go values.
	store := &jsonishStore{Store: docstore.NewMemoryStore()}
	clock := testutil.NewFakeClock(t0)
	svc := NewService(store, payment.NewScripted().DeclineCollect(1)).WithClock(clock).WithLogger(discardLogger())

	txn, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: "b", FarmerID: "f", ListingID: "l",
		Amount: decimal.RequireFromString("0.10"), PaymentMethod: MethodMpesa,
	})
	require.NoError(t, err)

	got, err := svc.AttemptPayment(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, decimal.RequireFromString("0.10").Equal(got.Amount))
	assert.Equal(t, t0, got.CreatedAt)
}

// jsonishStore returns documents the way a JSON-backed store would.
type jsonishStore struct{ docstore.Store }

func (s *jsonishStore) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	doc, err := s.Store.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	return jsonify(doc), nil
}

func jsonify(doc docstore.Document) docstore.Document {
	out := make(docstore.Document, len(doc))
	for k, v := range doc {
		switch t := v.(type) {
		case time.Time:
			out[k] = docstore.FormatTime(t)
		case decimal.Decimal:
			out[k] = json.Number(t.String())
		case int:
			out[k] = json.Number(decimal.NewFromInt(int64(t)).String())
		case docstore.Document:
			out[k] = jsonify(t)
		default:
			out[k] = v
		}
	}
	return out
}
