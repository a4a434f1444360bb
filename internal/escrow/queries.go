package escrow

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/farmlink/escrow/internal/docstore"
	"github.com/farmlink/escrow/internal/metrics"
	"github.com/shopspring/decimal"
)

// ListByUser returns the transactions where userID is the buyer or the
// farmer, newest first. A transaction is listed once even if the user is
// on both sides.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Transaction, error) {
	const op = "list_by_user"
	defer metrics.ObserveOperation(op, time.Now())
	if strings.TrimSpace(userID) == "" {
		return nil, newError(op, "", "", ErrInvalidRequest, nil)
	}

	bought, err := s.query(ctx, op, fieldBuyerID, userID)
	if err != nil {
		return nil, err
	}
	sold, err := s.query(ctx, op, fieldFarmerID, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(bought)+len(sold))
	merged := make([]*Transaction, 0, len(bought)+len(sold))
	for _, t := range append(bought, sold...) {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		merged = append(merged, t)
	}
	sortNewestFirst(merged)
	return merged, nil
}

// ListByListing returns the transactions for a listing, newest first.
func (s *Service) ListByListing(ctx context.Context, listingID string) ([]*Transaction, error) {
	const op = "list_by_listing"
	defer metrics.ObserveOperation(op, time.Now())
	if strings.TrimSpace(listingID) == "" {
		return nil, newError(op, "", "", ErrInvalidRequest, nil)
	}

	txns, err := s.query(ctx, op, fieldListingID, listingID)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(txns)
	return txns, nil
}

// UserStatistics summarises the transactions where farmerID is the farmer.
func (s *Service) UserStatistics(ctx context.Context, farmerID string) (*Statistics, error) {
	const op = "user_statistics"
	defer metrics.ObserveOperation(op, time.Now())
	if strings.TrimSpace(farmerID) == "" {
		return nil, newError(op, "", "", ErrInvalidRequest, nil)
	}

	txns, err := s.query(ctx, op, fieldFarmerID, farmerID)
	if err != nil {
		return nil, err
	}
	return summarize(txns), nil
}

func summarize(txns []*Transaction) *Statistics {
	stats := &Statistics{TotalEarnings: decimal.Zero, TotalCount: len(txns)}
	for _, t := range txns {
		switch {
		case t.Status == StatusCompleted:
			stats.CompletedCount++
			stats.TotalEarnings = stats.TotalEarnings.Add(t.Amount)
		case t.Status.IsActive():
			stats.PendingCount++
		}
	}
	return stats
}

// listStalledPayments returns pending transactions that have failed at
// least one payment attempt and have not been touched since before cutoff.
func (s *Service) listStalledPayments(ctx context.Context, cutoff time.Time) ([]*Transaction, error) {
	pending, err := s.query(ctx, "list_stalled", fieldStatus, string(StatusPending))
	if err != nil {
		return nil, err
	}
	var stalled []*Transaction
	for _, t := range pending {
		if t.RetryCount > 0 && t.UpdatedAt.Before(cutoff) {
			stalled = append(stalled, t)
		}
	}
	return stalled, nil
}

func (s *Service) query(ctx context.Context, op, field, value string) ([]*Transaction, error) {
	snaps, err := s.store.Query(ctx, Collection, docstore.Query{
		Field:      field,
		Value:      value,
		OrderBy:    fieldCreatedAt,
		Descending: true,
	})
	if err != nil {
		return nil, storeError(op, "", "", err)
	}

	dec := s.decoder(ctx)
	txns := make([]*Transaction, 0, len(snaps))
	for _, snap := range snaps {
		t, err := dec.decode(snap.ID, snap.Fields)
		if err != nil {
			return nil, newError(op, snap.ID, "", ErrStore, err)
		}
		txns = append(txns, t)
	}
	return txns, nil
}

func sortNewestFirst(txns []*Transaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		if !txns[i].CreatedAt.Equal(txns[j].CreatedAt) {
			return txns[i].CreatedAt.After(txns[j].CreatedAt)
		}
		return txns[i].ID < txns[j].ID
	})
}
