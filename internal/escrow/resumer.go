package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Resumer periodically restarts payment collection for pending
// transactions whose retry sequence was interrupted, for example by a
// process restart between attempts.
type Resumer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewResumer creates a resumer that scans every interval.
func NewResumer(service *Service, interval time.Duration, logger *slog.Logger) *Resumer {
	return &Resumer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the resume loop is actively running.
func (r *Resumer) Running() bool {
	return r.running.Load()
}

// Start runs the resume loop until ctx is done or Stop is called. Call in a
// goroutine. A non-positive interval disables the loop.
func (r *Resumer) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeResume(ctx)
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (r *Resumer) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Resumer) safeResume(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in payment resumer", "panic", fmt.Sprint(p))
		}
	}()
	r.ResumeStalled(ctx)
}

// ResumeStalled runs one scan and returns how many transactions reached
// fundsHeld.
func (r *Resumer) ResumeStalled(ctx context.Context) int {
	cutoff := r.service.clock.Now().Add(-r.interval)
	stalled, err := r.service.listStalledPayments(ctx, cutoff)
	if err != nil {
		r.logger.Warn("failed to list stalled payments", "error", err)
		return 0
	}

	resumed := 0
	for _, t := range stalled {
		if ctx.Err() != nil {
			return resumed
		}
		// A live caller is waiting out its backoff; it owns the sequence.
		if r.service.paymentInFlight(t.ID) {
			continue
		}
		_, err := r.service.AttemptPayment(ctx, t.ID)
		switch {
		case err == nil:
			resumed++
			r.logger.Info("resumed payment collected", "transaction_id", t.ID, "retry_count", t.RetryCount)
		case errors.Is(err, ErrInvalidTransition):
			// Moved on by another caller since the scan.
		default:
			r.logger.Warn("resumed payment failed", "transaction_id", t.ID, "error", err)
		}
	}
	return resumed
}
