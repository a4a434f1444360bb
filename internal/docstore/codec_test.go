package docstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_PreservesMoneyAndTime(t *testing.T) {
	at := time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.UTC)
	var nilTime *time.Time

	payload, err := encodeDocument(Document{
		"amount":        decimal.RequireFromString("1999.995"),
		"createdAt":     at,
		"deliveredAt":   nilTime,
		"retryCount":    3,
		"statusHistory": Document{"pending": at},
	})
	require.NoError(t, err)

	doc, err := decodeDocument([]byte(payload))
	require.NoError(t, err)

	num, ok := doc["amount"].(json.Number)
	require.True(t, ok, "amount should decode as json.Number, got %T", doc["amount"])
	assert.Equal(t, "1999.995", num.String())

	assert.Equal(t, FormatTime(at), doc["createdAt"])
	assert.Nil(t, doc["deliveredAt"])
	assert.Equal(t, json.Number("3"), doc["retryCount"])

	history, ok := doc["statusHistory"].(Document)
	require.True(t, ok, "nested maps decode as Document")
	assert.Equal(t, FormatTime(at), history["pending"])
}
