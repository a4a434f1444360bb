package docstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/farmlink/escrow/internal/idgen"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory document store for demo/development mode
// and tests. Documents are deep-copied on the way in and out so callers
// never share maps with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, collection string, fields Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]Document)
		m.collections[collection] = docs
	}
	id := idgen.New()
	for docs[id] != nil {
		id = idgen.New()
	}
	docs[id] = fields.Clone()
	return id, nil
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		doc[k] = cloneValue(v)
	}
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, collection string, q Query) ([]Snapshot, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Snapshot
	for id, doc := range m.collections[collection] {
		v, ok := doc[q.Field]
		if !ok {
			continue
		}
		if text, ok := textValue(v); !ok || text != q.Value {
			continue
		}
		result = append(result, Snapshot{ID: id, Fields: doc.Clone()})
	}

	sort.Slice(result, func(i, j int) bool {
		if q.OrderBy != "" {
			a, aok := result[i].Fields[q.OrderBy]
			b, bok := result[j].Fields[q.OrderBy]
			switch {
			case aok && !bok:
				return true // missing values sort last
			case !aok && bok:
				return false
			case aok && bok:
				if c := compareValues(a, b); c != 0 {
					if q.Descending {
						return c > 0
					}
					return c < 0
				}
			}
		}
		return result[i].ID < result[j].ID
	})

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// textValue renders a scalar the way PostgreSQL's ->> operator would.
func textValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case time.Time:
		return FormatTime(t), true
	case decimal.Decimal:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

// compareValues orders two field values of the same kind. Mixed kinds fall
// back to their text form.
func compareValues(a, b any) int {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Cmp(db)
		}
	}
	sa, _ := textValue(a)
	sb, _ := textValue(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case float64:
		return decimal.NewFromFloat(t), true
	}
	return decimal.Decimal{}, false
}

var _ Store = (*MemoryStore)(nil)
