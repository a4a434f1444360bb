package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/farmlink/escrow/internal/docstore"
	"github.com/farmlink/escrow/internal/logging"
	"github.com/farmlink/escrow/internal/metrics"
	"github.com/farmlink/escrow/internal/payment"
	"github.com/farmlink/escrow/internal/retry"
	"github.com/farmlink/escrow/internal/syncutil"
	"github.com/farmlink/escrow/internal/traces"
	"github.com/shopspring/decimal"
)

// RetryPolicy bounds the payment collection loop.
type RetryPolicy struct {
	MaxRetries     int           // failed attempts retried before giving up
	Interval       time.Duration // fixed wait between attempts
	AttemptTimeout time.Duration // deadline for a single gateway call
}

// DefaultRetryPolicy returns three retries two seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		Interval:       2 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// CreateRequest contains the parameters for opening a transaction.
type CreateRequest struct {
	BuyerID       string          `json:"buyerId" binding:"required"`
	FarmerID      string          `json:"farmerId" binding:"required"`
	ListingID     string          `json:"listingId" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod PaymentMethod   `json:"paymentMethod" binding:"required"`
}

// DisputeRequest contains the parameters for disputing a transaction.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Service implements the escrow state machine on top of a document store.
// Operations on the same transaction ID are serialized.
type Service struct {
	store    docstore.Store
	gateway  payment.Gateway
	clock    retry.Clock
	policy   RetryPolicy
	logger   *slog.Logger
	onDecode DecodeHook
	locks    *syncutil.KeyedMutex

	payingMu sync.Mutex
	paying   map[string]int // retry sequences in flight per transaction
}

// NewService creates an escrow service with the default retry policy.
func NewService(store docstore.Store, gateway payment.Gateway) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		clock:   retry.SystemClock{},
		policy:  DefaultRetryPolicy(),
		logger:  slog.Default(),
		locks:   syncutil.NewKeyedMutex(),
		paying:  make(map[string]int),
	}
}

// WithClock replaces the time source used for timestamps and backoff.
func (s *Service) WithClock(c retry.Clock) *Service {
	s.clock = c
	return s
}

// WithRetryPolicy replaces the payment retry policy.
func (s *Service) WithRetryPolicy(p RetryPolicy) *Service {
	s.policy = p
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithDecodeHook registers a callback for unknown enum values read back
// from the store.
func (s *Service) WithDecodeHook(h DecodeHook) *Service {
	s.onDecode = h
	return s
}

// Create opens a pending transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (txn *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.PaymentMethod(string(req.PaymentMethod)))
	defer func() { traces.End(span, err) }()
	defer metrics.ObserveOperation("create", time.Now())

	const op = "create"
	if err := validateCreate(req); err != nil {
		return nil, newError(op, "", "", err, nil)
	}

	now := s.clock.Now()
	txn = &Transaction{
		BuyerID:       strings.TrimSpace(req.BuyerID),
		FarmerID:      strings.TrimSpace(req.FarmerID),
		ListingID:     strings.TrimSpace(req.ListingID),
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		CreatedAt:     now,
	}
	txn.transition(StatusPending, now)

	id, err := s.store.Insert(ctx, Collection, toDocument(txn))
	if err != nil {
		return nil, storeError(op, "", "", err)
	}
	txn.ID = id
	span.SetAttributes(traces.TransactionID(id))

	metrics.TransitionsTotal.WithLabelValues("", string(StatusPending)).Inc()
	s.log(ctx, id).Info("escrow created",
		"buyer", txn.BuyerID,
		"farmer", txn.FarmerID,
		"listing", txn.ListingID,
		"amount", txn.Amount.String(),
		"method", txn.PaymentMethod,
	)
	return txn, nil
}

func validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.BuyerID) == "" || strings.TrimSpace(req.FarmerID) == "" || strings.TrimSpace(req.ListingID) == "" {
		return fmt.Errorf("%w: buyerId, farmerId and listingId are required", ErrInvalidRequest)
	}
	if req.Amount.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidAmount, req.Amount)
	}
	if _, ok := ParsePaymentMethod(string(req.PaymentMethod)); !ok {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, req.PaymentMethod)
	}
	return nil
}

// Get returns a transaction by ID. An unknown ID yields ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.load(ctx, "get", id)
}

// ConfirmDelivery records that the farmer delivered the produce.
func (s *Service) ConfirmDelivery(ctx context.Context, id string) (*Transaction, error) {
	return s.mutate(ctx, "confirm_delivery", id, func(t *Transaction, now time.Time) error {
		if t.Status != StatusFundsHeld {
			return invalidTransition("confirm_delivery", t)
		}
		stamp(&t.DeliveredAt, now)
		t.transition(StatusDelivered, now)
		return nil
	})
}

// Cancel abandons a transaction whose payment has not been collected.
func (s *Service) Cancel(ctx context.Context, id string) (*Transaction, error) {
	return s.mutate(ctx, "cancel", id, func(t *Transaction, now time.Time) error {
		if t.Status != StatusPending {
			return invalidTransition("cancel", t)
		}
		t.transition(StatusCancelled, now)
		return nil
	})
}

// RaiseDispute flags an active transaction as disputed. Disputed
// transactions stay disputed; resolution happens outside the engine.
func (s *Service) RaiseDispute(ctx context.Context, id, reason string) (*Transaction, error) {
	const op = "raise_dispute"
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, newError(op, id, "", ErrInvalidRequest, fmt.Errorf("dispute reason is required"))
	}
	return s.mutate(ctx, op, id, func(t *Transaction, now time.Time) error {
		if !t.Status.IsActive() {
			return invalidTransition(op, t)
		}
		t.DisputeReason = reason
		t.transition(StatusDisputed, now)
		return nil
	})
}

// ConfirmReceiptAndRelease pays the held funds out to the farmer once the
// buyer confirms receipt. A failed payout leaves the transaction delivered
// and returns ErrPaymentFailed; it is not retried automatically.
func (s *Service) ConfirmReceiptAndRelease(ctx context.Context, id string) (txn *Transaction, err error) {
	const op = "confirm_receipt"
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmReceiptAndRelease", traces.TransactionID(id))
	defer func() { traces.End(span, err) }()
	defer metrics.ObserveOperation(op, time.Now())

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, newError(op, id, "", err, nil)
	}
	defer unlock()

	t, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !t.releasable() {
		return nil, newError(op, id, t.Status, ErrFundsNotReleasable, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.policy.AttemptTimeout)
	releaseErr := s.gateway.Release(callCtx, payment.Payout{
		TransactionID: t.ID,
		FarmerID:      t.FarmerID,
		Amount:        t.Amount,
		Method:        string(t.PaymentMethod),
	})
	cancel()
	metrics.ReleaseAttemptsTotal.WithLabelValues(metrics.ResultLabel(releaseErr)).Inc()
	if releaseErr != nil {
		s.log(ctx, id).Warn("fund release failed", "error", releaseErr)
		return nil, newError(op, id, t.Status, ErrPaymentFailed, releaseErr)
	}

	from := t.Status
	now := s.clock.Now()
	stamp(&t.CompletedAt, now)
	t.transition(StatusCompleted, now)

	// Funds have already moved, so the caller going away must not stop the write.
	saveCtx, cancelSave := s.settleContext(ctx)
	defer cancelSave()
	if err := s.save(saveCtx, t); err != nil {
		// One more write before giving up.
		if retryErr := s.save(saveCtx, t); retryErr != nil {
			s.log(ctx, id).Error("funds released but status update failed, requires manual resolution",
				"farmer", t.FarmerID, "amount", t.Amount.String(), "error", retryErr)
			return nil, storeError(op, id, from, retryErr)
		}
	}
	s.recordTransition(ctx, t, from)
	return t, nil
}

// mutate runs apply against the current record under the transaction's
// lock and persists the result. apply returns an error to reject the
// operation without writing.
func (s *Service) mutate(ctx context.Context, op, id string, apply func(t *Transaction, now time.Time) error) (txn *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id))
	defer func() { traces.End(span, err) }()
	defer metrics.ObserveOperation(op, time.Now())

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, newError(op, id, "", err, nil)
	}
	defer unlock()

	t, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	span.SetAttributes(traces.Status(string(from)))

	if err := apply(t, s.clock.Now()); err != nil {
		return nil, err
	}
	if err := s.save(ctx, t); err != nil {
		s.log(ctx, id).Error("failed to persist transition", "from", from, "to", t.Status, "error", err)
		return nil, storeError(op, id, from, err)
	}
	s.recordTransition(ctx, t, from)
	return t, nil
}

func (s *Service) load(ctx context.Context, op, id string) (*Transaction, error) {
	if strings.TrimSpace(id) == "" {
		return nil, newError(op, id, "", ErrNotFound, nil)
	}
	doc, err := s.store.Get(ctx, Collection, id)
	if err != nil {
		return nil, storeError(op, id, "", err)
	}
	t, err := s.decoder(ctx).decode(id, doc)
	if err != nil {
		return nil, newError(op, id, "", ErrStore, err)
	}
	return t, nil
}

func (s *Service) beginPayment(id string) {
	s.payingMu.Lock()
	s.paying[id]++
	s.payingMu.Unlock()
}

func (s *Service) endPayment(id string) {
	s.payingMu.Lock()
	if s.paying[id] <= 1 {
		delete(s.paying, id)
	} else {
		s.paying[id]--
	}
	s.payingMu.Unlock()
}

// paymentInFlight reports whether an AttemptPayment call for id is running,
// including one that is waiting out its backoff.
func (s *Service) paymentInFlight(id string) bool {
	s.payingMu.Lock()
	defer s.payingMu.Unlock()
	return s.paying[id] > 0
}

// settleTimeout bounds status writes that record money already moved.
const settleTimeout = 10 * time.Second

// settleContext detaches from the caller's cancellation but keeps its values
// (request ID, trace span).
func (s *Service) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (s *Service) save(ctx context.Context, t *Transaction) error {
	return s.store.Update(ctx, Collection, t.ID, mutableFields(t))
}

func (s *Service) decoder(ctx context.Context) decoder {
	return decoder{onUnknown: func(id, field, raw string) {
		metrics.LenientDecodesTotal.WithLabelValues(field).Inc()
		s.log(ctx, id).Warn("unknown stored value replaced by default", "field", field, "value", raw)
		if s.onDecode != nil {
			s.onDecode(id, field, raw)
		}
	}}
}

func (s *Service) recordTransition(ctx context.Context, t *Transaction, from Status) {
	metrics.TransitionsTotal.WithLabelValues(string(from), string(t.Status)).Inc()
	s.log(ctx, t.ID).Info("escrow transition", "from", from, "to", t.Status)
}

func (s *Service) log(ctx context.Context, id string) *slog.Logger {
	l := s.logger.With("transaction_id", id)
	if reqID := logging.RequestID(ctx); reqID != "" {
		l = l.With("request_id", reqID)
	}
	return l
}
