package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/farmlink/escrow/internal/circuitbreaker"
)

type breakerGateway struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps next so that calls for a payment method fail fast with
// ErrGatewayUnavailable while that method's circuit is open. Calls
// abandoned by the caller's cancellation are not held against the provider.
func WithBreaker(next Gateway, breaker *circuitbreaker.Breaker) Gateway {
	return &breakerGateway{next: next, breaker: breaker}
}

func (g *breakerGateway) Collect(ctx context.Context, c Charge) error {
	err := g.breaker.Execute(c.Method, func() error {
		return g.next.Collect(ctx, c)
	}, cancelledBy(ctx))
	return unavailable(err, c.Method)
}

func (g *breakerGateway) Release(ctx context.Context, p Payout) error {
	err := g.breaker.Execute(p.Method, func() error {
		return g.next.Release(ctx, p)
	}, cancelledBy(ctx))
	return unavailable(err, p.Method)
}

func cancelledBy(ctx context.Context) func(error) bool {
	return func(error) bool {
		return errors.Is(ctx.Err(), context.Canceled)
	}
}

func unavailable(err error, method string) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %s circuit open", ErrGatewayUnavailable, method)
	}
	return err
}
