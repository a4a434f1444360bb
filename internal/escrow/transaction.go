// Package escrow holds a buyer's payment in trust until the farmer's
// delivery is confirmed.
//
// Flow:
//  1. Buyer places an order → transaction created as pending
//  2. Payment collected from the buyer's mobile-money wallet → fundsHeld
//  3. Farmer hands over the produce → delivered
//  4. Buyer confirms receipt → funds released to the farmer → completed
//
// A pending transaction may be cancelled, and any active transaction may be
// disputed. Completed and cancelled are final.
package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"   // created, awaiting payment
	StatusFundsHeld Status = "fundsHeld" // payment collected, held in escrow
	StatusDelivered Status = "delivered" // farmer delivered the produce
	StatusCompleted Status = "completed" // funds released to the farmer
	StatusDisputed  Status = "disputed"  // buyer or farmer raised a dispute
	StatusCancelled Status = "cancelled" // abandoned before payment was held
)

// statusOrder is the canonical lifecycle order, used to break timestamp
// ties when rebuilding history.
var statusOrder = map[Status]int{
	StatusPending:   0,
	StatusFundsHeld: 1,
	StatusDelivered: 2,
	StatusCompleted: 3,
	StatusDisputed:  4,
	StatusCancelled: 5,
}

// ParseStatus reports whether v names a known status.
func ParseStatus(v string) (Status, bool) {
	s := Status(v)
	_, ok := statusOrder[s]
	return s, ok
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether the transaction is still moving along the
// happy path.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusFundsHeld, StatusDelivered:
		return true
	}
	return false
}

// PaymentMethod identifies the mobile-money provider used for a transaction.
type PaymentMethod string

const (
	MethodMpesa          PaymentMethod = "mpesa"
	MethodMTNMobileMoney PaymentMethod = "mtnMobileMoney"
)

// ParsePaymentMethod reports whether v names a known payment method.
func ParsePaymentMethod(v string) (PaymentMethod, bool) {
	switch m := PaymentMethod(v); m {
	case MethodMpesa, MethodMTNMobileMoney:
		return m, true
	}
	return "", false
}

// HistoryEntry records when a status was entered.
type HistoryEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Transaction is one escrow record.
type Transaction struct {
	ID            string          `json:"id"`
	BuyerID       string          `json:"buyerId"`
	FarmerID      string          `json:"farmerId"`
	ListingID     string          `json:"listingId"`
	Amount        decimal.Decimal `json:"amount"`
	Status        Status          `json:"status"`
	PaymentMethod PaymentMethod   `json:"paymentMethod"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	FundsHeldAt   *time.Time      `json:"fundsHeldAt,omitempty"`
	DeliveredAt   *time.Time      `json:"deliveredAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	DisputeReason string          `json:"disputeReason,omitempty"`
	RetryCount    int             `json:"retryCount"`
	FailureReason string          `json:"failureReason,omitempty"`
	StatusHistory []HistoryEntry  `json:"statusHistory"`
}

// transition moves the transaction to status to and appends the history entry.
func (t *Transaction) transition(to Status, now time.Time) {
	t.Status = to
	t.StatusHistory = append(t.StatusHistory, HistoryEntry{Status: to, At: now})
	t.UpdatedAt = now
}

// releasable reports whether held funds may be paid out to the farmer.
func (t *Transaction) releasable() bool {
	return t.Status == StatusDelivered && t.FundsHeldAt != nil && t.CompletedAt == nil
}

// stamp sets *field to now unless it is already set.
func stamp(field **time.Time, now time.Time) {
	if *field == nil {
		at := now
		*field = &at
	}
}

// Statistics summarises a farmer's transactions.
type Statistics struct {
	TotalEarnings  decimal.Decimal `json:"totalEarnings"`
	CompletedCount int             `json:"completedCount"`
	PendingCount   int             `json:"pendingCount"`
	TotalCount     int             `json:"totalCount"`
}
