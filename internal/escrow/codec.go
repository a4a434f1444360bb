package escrow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/farmlink/escrow/internal/docstore"
	"github.com/shopspring/decimal"
)

// Collection is the document collection transactions are stored in.
const Collection = "transactions"

// Document field names.
const (
	fieldBuyerID       = "buyerId"
	fieldFarmerID      = "farmerId"
	fieldListingID     = "listingId"
	fieldAmount        = "amount"
	fieldStatus        = "status"
	fieldPaymentMethod = "paymentMethod"
	fieldCreatedAt     = "createdAt"
	fieldUpdatedAt     = "updatedAt"
	fieldFundsHeldAt   = "fundsHeldAt"
	fieldDeliveredAt   = "deliveredAt"
	fieldCompletedAt   = "completedAt"
	fieldDisputeReason = "disputeReason"
	fieldRetryCount    = "retryCount"
	fieldFailureReason = "failureReason"
	fieldStatusHistory = "statusHistory"
)

// DecodeHook is called when a stored enum value is not recognised and has
// been replaced by its default.
type DecodeHook func(transactionID, field, raw string)

// toDocument encodes every field of t for insertion.
func toDocument(t *Transaction) docstore.Document {
	doc := mutableFields(t)
	doc[fieldBuyerID] = t.BuyerID
	doc[fieldFarmerID] = t.FarmerID
	doc[fieldListingID] = t.ListingID
	doc[fieldAmount] = t.Amount
	doc[fieldPaymentMethod] = string(t.PaymentMethod)
	doc[fieldCreatedAt] = t.CreatedAt
	return doc
}

// mutableFields encodes the fields a transition may change. Identity,
// parties, amount, method and creation time are never rewritten.
func mutableFields(t *Transaction) docstore.Document {
	history := make(docstore.Document, len(t.StatusHistory))
	for _, e := range t.StatusHistory {
		history[string(e.Status)] = e.At
	}
	return docstore.Document{
		fieldStatus:        string(t.Status),
		fieldUpdatedAt:     t.UpdatedAt,
		fieldFundsHeldAt:   optionalTime(t.FundsHeldAt),
		fieldDeliveredAt:   optionalTime(t.DeliveredAt),
		fieldCompletedAt:   optionalTime(t.CompletedAt),
		fieldDisputeReason: optionalString(t.DisputeReason),
		fieldRetryCount:    t.RetryCount,
		fieldFailureReason: optionalString(t.FailureReason),
		fieldStatusHistory: history,
	}
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func optionalString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// decoder turns stored documents back into transactions. Unknown status
// and payment-method values fall back to pending and mpesa; onUnknown is
// told about each such fallback.
type decoder struct {
	onUnknown func(id, field, raw string)
}

func (d decoder) decode(id string, doc docstore.Document) (*Transaction, error) {
	amount, err := decimalField(doc[fieldAmount])
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", fieldAmount, err)
	}
	retries, err := intField(doc[fieldRetryCount])
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", fieldRetryCount, err)
	}

	t := &Transaction{
		ID:            id,
		BuyerID:       stringField(doc[fieldBuyerID]),
		FarmerID:      stringField(doc[fieldFarmerID]),
		ListingID:     stringField(doc[fieldListingID]),
		Amount:        amount,
		DisputeReason: stringField(doc[fieldDisputeReason]),
		RetryCount:    retries,
		FailureReason: stringField(doc[fieldFailureReason]),
		FundsHeldAt:   timeField(doc[fieldFundsHeldAt]),
		DeliveredAt:   timeField(doc[fieldDeliveredAt]),
		CompletedAt:   timeField(doc[fieldCompletedAt]),
	}
	if at := timeField(doc[fieldCreatedAt]); at != nil {
		t.CreatedAt = *at
	}
	if at := timeField(doc[fieldUpdatedAt]); at != nil {
		t.UpdatedAt = *at
	}

	rawStatus := stringField(doc[fieldStatus])
	if s, ok := ParseStatus(rawStatus); ok {
		t.Status = s
	} else {
		t.Status = StatusPending
		d.unknown(id, fieldStatus, rawStatus)
	}

	rawMethod := stringField(doc[fieldPaymentMethod])
	if m, ok := ParsePaymentMethod(rawMethod); ok {
		t.PaymentMethod = m
	} else {
		t.PaymentMethod = MethodMpesa
		d.unknown(id, fieldPaymentMethod, rawMethod)
	}

	t.StatusHistory = d.history(id, doc[fieldStatusHistory])
	return t, nil
}

func (d decoder) unknown(id, field, raw string) {
	if d.onUnknown != nil {
		d.onUnknown(id, field, raw)
	}
}

// history rebuilds the ordered history from its stored map form.
func (d decoder) history(id string, v any) []HistoryEntry {
	var m map[string]any
	switch h := v.(type) {
	case docstore.Document:
		m = h
	case map[string]any:
		m = h
	default:
		return nil
	}

	entries := make([]HistoryEntry, 0, len(m))
	for name, raw := range m {
		s, ok := ParseStatus(name)
		if !ok {
			d.unknown(id, fieldStatusHistory, name)
			s = StatusPending
		}
		at, _ := docstore.ParseTime(raw)
		entries = append(entries, HistoryEntry{Status: s, At: at})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if c := entries[i].At.Compare(entries[j].At); c != 0 {
			return c < 0
		}
		return statusOrder[entries[i].Status] < statusOrder[entries[j].Status]
	})
	return entries
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func timeField(v any) *time.Time {
	at, ok := docstore.ParseTime(v)
	if !ok {
		return nil
	}
	return &at
}

func decimalField(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case nil:
		return decimal.Zero, nil
	}
	return decimal.Decimal{}, fmt.Errorf("unsupported type %T", v)
}

func intField(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		return strconv.Atoi(n.String())
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}
