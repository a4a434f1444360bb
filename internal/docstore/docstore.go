// Package docstore is the document database the escrow engine persists to.
//
// Documents are flat field maps addressed by collection and ID. The store
// supports exactly four operations: insert with a generated ID, read by ID,
// top-level merge update by ID, and equality query with optional ordering.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidQuery = errors.New("invalid document query")
)

// TimeLayout is the fixed-width UTC encoding used for timestamps in
// serialized documents, so lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Document is a set of named fields. Values are strings, numbers,
// booleans, time.Time, decimal.Decimal, nil, or nested Documents.
type Document map[string]any

// Snapshot is a document together with its ID.
type Snapshot struct {
	ID     string
	Fields Document
}

// Query selects documents whose Field equals Value, optionally ordered.
type Query struct {
	Field      string
	Value      string
	OrderBy    string // empty means unordered
	Descending bool
	Limit      int // zero means unlimited
}

// Store persists documents.
type Store interface {
	Insert(ctx context.Context, collection string, fields Document) (string, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, fields Document) error
	Query(ctx context.Context, collection string, q Query) ([]Snapshot, error)
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts a time.Time or a string in TimeLayout or RFC 3339.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if parsed, err := time.Parse(TimeLayout, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// Clone returns a deep copy of d. Nested documents and maps are copied;
// leaf values are immutable and shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]any:
		return Document(t).Clone()
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}

func validateQuery(q Query) error {
	if q.Field == "" {
		return errors.Join(ErrInvalidQuery, errors.New("field is required"))
	}
	if q.Limit < 0 {
		return errors.Join(ErrInvalidQuery, errors.New("limit must not be negative"))
	}
	return nil
}
