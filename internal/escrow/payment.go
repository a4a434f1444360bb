package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/farmlink/escrow/internal/metrics"
	"github.com/farmlink/escrow/internal/payment"
	"github.com/farmlink/escrow/internal/retry"
	"github.com/farmlink/escrow/internal/traces"
)

// AttemptPayment collects the buyer's payment and moves the transaction to
// fundsHeld. A failed collection is persisted (retryCount, failureReason)
// and retried after the policy interval until MaxRetries is reached, at
// which point the transaction is cancelled and ErrRetryExhausted returned.
//
// The transaction lock is released while waiting between attempts. If
// another operation moves the transaction out of pending in the meantime
// the loop stops with ErrInvalidTransition. Cancelling ctx stops the loop
// without changing state.
func (s *Service) AttemptPayment(ctx context.Context, id string) (txn *Transaction, err error) {
	const op = "attempt_payment"
	ctx, span := traces.StartSpan(ctx, "escrow.AttemptPayment", traces.TransactionID(id))
	defer func() { traces.End(span, err) }()
	defer metrics.ObserveOperation(op, time.Now())

	s.beginPayment(id)
	defer s.endPayment(id)

	for attempt := 1; ; attempt++ {
		t, done, attemptErr := s.collectOnce(ctx, id, attempt)
		if done {
			return t, attemptErr
		}
		if waitErr := retry.Wait(ctx, s.clock, s.policy.Interval); waitErr != nil {
			s.log(ctx, id).Info("payment retry abandoned", "attempt", attempt, "error", waitErr)
			return nil, newError(op, id, StatusPending, waitErr, nil)
		}
	}
}

// collectOnce runs a single collection attempt under the transaction lock.
// done is false only when the attempt failed and another one is due.
func (s *Service) collectOnce(ctx context.Context, id string, attempt int) (txn *Transaction, done bool, err error) {
	const op = "attempt_payment"
	ctx, span := traces.StartSpan(ctx, "escrow.collect", traces.TransactionID(id), traces.Attempt(attempt))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, true, newError(op, id, "", err, nil)
	}
	defer unlock()

	t, err := s.load(ctx, op, id)
	if err != nil {
		return nil, true, err
	}
	if t.Status != StatusPending {
		return nil, true, invalidTransition(op, t)
	}
	span.SetAttributes(traces.PaymentMethod(string(t.PaymentMethod)))

	callCtx, cancel := context.WithTimeout(ctx, s.policy.AttemptTimeout)
	payErr := s.gateway.Collect(callCtx, payment.Charge{
		TransactionID: t.ID,
		BuyerID:       t.BuyerID,
		Amount:        t.Amount,
		Method:        string(t.PaymentMethod),
	})
	cancel()
	metrics.PaymentAttemptsTotal.WithLabelValues(metrics.ResultLabel(payErr)).Inc()

	now := s.clock.Now()
	if payErr == nil {
		stamp(&t.FundsHeldAt, now)
		t.transition(StatusFundsHeld, now)
		// The buyer has been charged; the write must not depend on the caller staying.
		saveCtx, cancelSave := s.settleContext(ctx)
		defer cancelSave()
		if err := s.save(saveCtx, t); err != nil {
			s.log(ctx, id).Error("payment collected but status update failed", "error", err)
			return nil, true, storeError(op, id, StatusPending, err)
		}
		s.recordTransition(ctx, t, StatusPending)
		return t, true, nil
	}

	// The caller gave up while the gateway was working. That is not a
	// provider failure, so nothing is recorded.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, true, newError(op, id, StatusPending, ctxErr, nil)
	}

	logger := s.log(ctx, id)
	if t.RetryCount >= s.policy.MaxRetries {
		t.FailureReason = fmt.Sprintf("payment failed after %d retries: %v", t.RetryCount, payErr)
		t.transition(StatusCancelled, now)
		if err := s.save(ctx, t); err != nil {
			logger.Error("failed to cancel transaction after retries exhausted", "error", err)
			return nil, true, storeError(op, id, StatusPending, err)
		}
		s.recordTransition(ctx, t, StatusPending)
		metrics.RetryExhaustedTotal.Inc()
		logger.Error("payment retries exhausted", "retry_count", t.RetryCount, "error", payErr)
		return nil, true, newError(op, id, StatusCancelled, ErrRetryExhausted, payErr)
	}

	t.RetryCount++
	t.FailureReason = payErr.Error()
	t.UpdatedAt = now
	if err := s.save(ctx, t); err != nil {
		logger.Error("failed to record payment attempt, aborting retries", "error", err)
		return nil, true, storeError(op, id, StatusPending, err)
	}
	logger.Warn("payment attempt failed",
		"attempt", attempt,
		"retry_count", t.RetryCount,
		"max_retries", s.policy.MaxRetries,
		"error", payErr,
	)
	return nil, false, nil
}
