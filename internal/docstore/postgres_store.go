package docstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/farmlink/escrow/internal/idgen"
	"github.com/shopspring/decimal"
)

// PostgresStore persists documents as JSONB rows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed document store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const createDocumentsTable = `
	CREATE TABLE IF NOT EXISTS documents (
		collection  TEXT        NOT NULL,
		id          TEXT        NOT NULL,
		fields      JSONB       NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_fields ON documents USING GIN (fields jsonb_path_ops);`

// Migrate creates the documents table if it does not exist. Deployments
// normally run cmd/migrate instead; this keeps dev setups self-contained.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createDocumentsTable)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, collection string, fields Document) (string, error) {
	payload, err := encodeDocument(fields)
	if err != nil {
		return "", err
	}
	id := idgen.New()
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, fields)
		VALUES ($1, $2, $3::jsonb)`,
		collection, id, payload,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDocument(raw)
}

func (p *PostgresStore) Update(ctx context.Context, collection, id string, fields Document) error {
	payload, err := encodeDocument(fields)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE documents
		SET fields = fields || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND id = $2`,
		collection, id, payload,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Query(ctx context.Context, collection string, q Query) ([]Snapshot, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	args := []any{collection, q.Field, q.Value}
	stmt := `SELECT id, fields FROM documents WHERE collection = $1 AND fields->>$2 = $3`
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		stmt += fmt.Sprintf(` ORDER BY fields->>$%d %s NULLS LAST, id`, len(args), dir)
	} else {
		stmt += ` ORDER BY id`
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		stmt += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Snapshot
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("decode document %s: %w", id, err)
		}
		result = append(result, Snapshot{ID: id, Fields: doc})
	}
	return result, rows.Err()
}

// encodeDocument serializes fields to JSON text. Timestamps become
// TimeLayout strings and decimals become bare JSON numbers.
func encodeDocument(fields Document) (string, error) {
	b, err := json.Marshal(encodeValue(fields))
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return FormatTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return FormatTime(*t)
	case decimal.Decimal:
		return json.Number(t.String())
	case Document:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = encodeValue(e)
		}
		return out
	case map[string]any:
		return encodeValue(Document(t))
	default:
		return v
	}
}

// decodeDocument parses JSON, keeping numbers as json.Number so monetary
// values survive without float rounding.
func decodeDocument(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	doc, _ := decodeValue(m).(Document)
	return doc, nil
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(Document, len(t))
		for k, e := range t {
			out[k] = decodeValue(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = decodeValue(e)
		}
		return t
	default:
		return v
	}
}

var _ Store = (*PostgresStore)(nil)
