package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_InsertGetUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.Insert(ctx, "transactions", Document{
		"buyerId": "b1",
		"amount":  decimal.RequireFromString("12.345"),
		"status":  "pending",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, "transactions", id)
	require.NoError(t, err)
	assert.Equal(t, "b1", got["buyerId"])
	assert.True(t, decimal.RequireFromString("12.345").Equal(got["amount"].(decimal.Decimal)))

	require.NoError(t, store.Update(ctx, "transactions", id, Document{"status": "fundsHeld"}))

	got, err = store.Get(ctx, "transactions", id)
	require.NoError(t, err)
	assert.Equal(t, "fundsHeld", got["status"])
	assert.Equal(t, "b1", got["buyerId"], "merge must leave unspecified fields untouched")
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "transactions", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Update(ctx, "transactions", "missing", Document{"status": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.Insert(ctx, "transactions", Document{"k": "v"})
	require.NoError(t, err)

	_, err = store.Get(ctx, "listings", id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	history := Document{"pending": "t0"}
	in := Document{"statusHistory": history}
	id, err := store.Insert(ctx, "transactions", in)
	require.NoError(t, err)

	history["fundsHeld"] = "t1"

	got, err := store.Get(ctx, "transactions", id)
	require.NoError(t, err)
	assert.Len(t, got["statusHistory"].(Document), 1, "caller mutation leaked into store")

	got["statusHistory"].(Document)["delivered"] = "t2"
	again, err := store.Get(ctx, "transactions", id)
	require.NoError(t, err)
	assert.Len(t, again["statusHistory"].(Document), 1, "reader mutation leaked into store")
}

func TestMemoryStore_QueryEqualityAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i, farmer := range []string{"f1", "f2", "f1", "f1"} {
		_, err := store.Insert(ctx, "transactions", Document{
			"farmerId":  farmer,
			"createdAt": base.Add(time.Duration(i) * time.Hour),
			"seq":       i,
		})
		require.NoError(t, err)
	}

	got, err := store.Query(ctx, "transactions", Query{
		Field: "farmerId", Value: "f1", OrderBy: "createdAt", Descending: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[0].Fields["seq"])
	assert.Equal(t, 2, got[1].Fields["seq"])
	assert.Equal(t, 0, got[2].Fields["seq"])

	asc, err := store.Query(ctx, "transactions", Query{
		Field: "farmerId", Value: "f1", OrderBy: "createdAt", Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, asc, 2)
	assert.Equal(t, 0, asc[0].Fields["seq"])
	assert.Equal(t, 2, asc[1].Fields["seq"])
}

func TestMemoryStore_QueryMissingOrderFieldSortsLast(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Insert(ctx, "c", Document{"k": "v", "name": "no-date"})
	require.NoError(t, err)
	_, err = store.Insert(ctx, "c", Document{"k": "v", "name": "dated", "at": time.Now()})
	require.NoError(t, err)

	got, err := store.Query(ctx, "c", Query{Field: "k", Value: "v", OrderBy: "at", Descending: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "dated", got[0].Fields["name"])
}

func TestMemoryStore_QueryMatchesNonStringByText(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Insert(ctx, "c", Document{"retryCount": 2})
	require.NoError(t, err)

	got, err := store.Query(ctx, "c", Query{Field: "retryCount", Value: "2"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_InvalidQuery(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Query(context.Background(), "c", Query{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Insert(ctx, "c", Document{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseTime(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)

	got, ok := ParseTime(FormatTime(ts))
	require.True(t, ok)
	assert.True(t, ts.Equal(got))

	got, ok = ParseTime(ts.Format(time.RFC3339Nano))
	require.True(t, ok)
	assert.True(t, ts.Equal(got))

	_, ok = ParseTime("yesterday")
	assert.False(t, ok)
	_, ok = ParseTime(nil)
	assert.False(t, ok)
}

func TestFormatTime_FixedWidthSortsChronologically(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(500 * time.Millisecond)
	c := b.Add(time.Nanosecond)

	fa, fb, fc := FormatTime(a), FormatTime(b), FormatTime(c)
	assert.Len(t, fb, len(fa))
	assert.Less(t, fa, fb)
	assert.Less(t, fb, fc)
}
