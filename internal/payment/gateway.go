// Package payment abstracts the mobile-money provider that collects funds
// from buyers and pays them out to farmers.
package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrDeclined is returned when the provider refuses to collect a charge.
	ErrDeclined = errors.New("payment declined")
	// ErrTransferFailed is returned when a payout to the farmer does not go through.
	ErrTransferFailed = errors.New("fund transfer failed")
	// ErrGatewayUnavailable is returned while the provider's circuit is open.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Charge is a request to collect funds from a buyer into escrow.
type Charge struct {
	TransactionID string
	BuyerID       string
	Amount        decimal.Decimal
	Method        string
}

// Payout is a request to release escrowed funds to a farmer.
type Payout struct {
	TransactionID string
	FarmerID      string
	Amount        decimal.Decimal
	Method        string
}

// Gateway moves money through an external provider. Implementations must
// honour ctx cancellation and deadlines.
type Gateway interface {
	Collect(ctx context.Context, c Charge) error
	Release(ctx context.Context, p Payout) error
}
