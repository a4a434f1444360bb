package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Default success probabilities of the simulated provider.
const (
	DefaultCollectSuccessRate = 0.9
	DefaultReleaseSuccessRate = 0.95
)

// Simulated is a stand-in provider whose calls succeed with a fixed
// probability. It is what runs until a real mobile-money integration exists.
type Simulated struct {
	mu          sync.Mutex
	rng         *rand.Rand
	collectRate float64
	releaseRate float64
	latency     time.Duration
}

// NewSimulated returns a provider that collects with probability
// collectRate and releases with probability releaseRate.
func NewSimulated(collectRate, releaseRate float64) *Simulated {
	return &Simulated{
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		collectRate: collectRate,
		releaseRate: releaseRate,
	}
}

// WithRand replaces the random source, making outcomes reproducible.
func (s *Simulated) WithRand(r *rand.Rand) *Simulated {
	s.mu.Lock()
	s.rng = r
	s.mu.Unlock()
	return s
}

// WithLatency makes every call take d before resolving.
func (s *Simulated) WithLatency(d time.Duration) *Simulated {
	s.latency = d
	return s
}

func (s *Simulated) Collect(ctx context.Context, c Charge) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if !s.roll(s.collectRate) {
		return fmt.Errorf("%w: %s charge of %s for %s", ErrDeclined, c.Method, c.Amount, c.TransactionID)
	}
	return nil
}

func (s *Simulated) Release(ctx context.Context, p Payout) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if !s.roll(s.releaseRate) {
		return fmt.Errorf("%w: %s payout of %s for %s", ErrTransferFailed, p.Method, p.Amount, p.TransactionID)
	}
	return nil
}

func (s *Simulated) roll(rate float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < rate
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Gateway = (*Simulated)(nil)
