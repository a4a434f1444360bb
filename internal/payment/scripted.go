package payment

import (
	"context"
	"errors"
	"sync"
)

// ErrBlock, queued on a Scripted gateway, makes that call block until its
// context is done and then return the context error.
var ErrBlock = errors.New("scripted: block until context done")

// Scripted is a deterministic gateway. Each call consumes the next queued
// outcome for its operation; an empty queue means success. Every call is
// recorded.
type Scripted struct {
	mu      sync.Mutex
	collect []error
	release []error
	charges []Charge
	payouts []Payout
}

// NewScripted returns a gateway with empty queues.
func NewScripted() *Scripted {
	return &Scripted{}
}

// QueueCollect appends outcomes for upcoming Collect calls. A nil entry is a success.
func (s *Scripted) QueueCollect(outcomes ...error) *Scripted {
	s.mu.Lock()
	s.collect = append(s.collect, outcomes...)
	s.mu.Unlock()
	return s
}

// QueueRelease appends outcomes for upcoming Release calls.
func (s *Scripted) QueueRelease(outcomes ...error) *Scripted {
	s.mu.Lock()
	s.release = append(s.release, outcomes...)
	s.mu.Unlock()
	return s
}

// DeclineCollect queues n declined collections.
func (s *Scripted) DeclineCollect(n int) *Scripted {
	for i := 0; i < n; i++ {
		s.QueueCollect(ErrDeclined)
	}
	return s
}

func (s *Scripted) Collect(ctx context.Context, c Charge) error {
	s.mu.Lock()
	s.charges = append(s.charges, c)
	outcome := pop(&s.collect)
	s.mu.Unlock()
	return resolve(ctx, outcome)
}

func (s *Scripted) Release(ctx context.Context, p Payout) error {
	s.mu.Lock()
	s.payouts = append(s.payouts, p)
	outcome := pop(&s.release)
	s.mu.Unlock()
	return resolve(ctx, outcome)
}

// Charges returns every Collect request received, in order.
func (s *Scripted) Charges() []Charge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Charge(nil), s.charges...)
}

// Payouts returns every Release request received, in order.
func (s *Scripted) Payouts() []Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payout(nil), s.payouts...)
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	next := (*queue)[0]
	*queue = (*queue)[1:]
	return next
}

func resolve(ctx context.Context, outcome error) error {
	if errors.Is(outcome, ErrBlock) {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return outcome
}

var _ Gateway = (*Scripted)(nil)
