package escrow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/farmlink/escrow/internal/payment"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(h.svc).RegisterRoutes(r.Group("/v1"))
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type transactionResponse struct {
	Transaction Transaction `json:"transaction"`
}

func decodeTransaction(t *testing.T, w *httptest.ResponseRecorder) Transaction {
	t.Helper()
	var resp transactionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Transaction
}

func TestHandler_Lifecycle(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)

	w := do(r, http.MethodPost, "/v1/transactions",
		`{"buyerId":"B","farmerId":"F","listingId":"L","amount":"150.25","paymentMethod":"mpesa"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeTransaction(t, w)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, "150.25", created.Amount.String())
	id := created.ID

	w = do(r, http.MethodPost, "/v1/transactions/"+id+"/pay", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusFundsHeld, decodeTransaction(t, w).Status)

	w = do(r, http.MethodPost, "/v1/transactions/"+id+"/deliver", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusDelivered, decodeTransaction(t, w).Status)

	w = do(r, http.MethodPost, "/v1/transactions/"+id+"/release", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decodeTransaction(t, w)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Len(t, done.StatusHistory, 4)

	w = do(r, http.MethodGet, "/v1/transactions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusCompleted, decodeTransaction(t, w).Status)

	w = do(r, http.MethodGet, "/v1/users/F/statistics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Statistics Statistics `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "150.25", stats.Statistics.TotalEarnings.String())
	assert.Equal(t, 1, stats.Statistics.CompletedCount)

	for _, path := range []string{"/v1/users/B/transactions", "/v1/listings/L/transactions"} {
		w = do(r, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code)
		var list struct {
			Transactions []Transaction `json:"transactions"`
			Count        int           `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
		assert.Equal(t, 1, list.Count, path)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)

	pending := h.create(t, "f", "10")
	delivered := h.delivered(t, "f", "10")
	exhausted := h.create(t, "f", "10")
	failedRelease := h.delivered(t, "f", "10")

	tests := []struct {
		name     string
		setup    func()
		method   string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"unknown id", nil, http.MethodGet, "/v1/transactions/nope", "", http.StatusNotFound, "not_found"},
		{"deliver pending", nil, http.MethodPost, "/v1/transactions/" + pending.ID + "/deliver", "", http.StatusConflict, "invalid_transition"},
		{"release pending", nil, http.MethodPost, "/v1/transactions/" + pending.ID + "/release", "", http.StatusConflict, "funds_not_releasable"},
		{"cancel delivered", nil, http.MethodPost, "/v1/transactions/" + delivered.ID + "/cancel", "", http.StatusConflict, "invalid_transition"},
		{"negative amount", nil, http.MethodPost, "/v1/transactions",
			`{"buyerId":"b","farmerId":"f","listingId":"l","amount":-1,"paymentMethod":"mpesa"}`, http.StatusBadRequest, "invalid_amount"},
		{"unknown method", nil, http.MethodPost, "/v1/transactions",
			`{"buyerId":"b","farmerId":"f","listingId":"l","amount":1,"paymentMethod":"cash"}`, http.StatusBadRequest, "invalid_request"},
		{"malformed body", nil, http.MethodPost, "/v1/transactions", `{`, http.StatusBadRequest, "invalid_request"},
		{"dispute without reason", nil, http.MethodPost, "/v1/transactions/" + pending.ID + "/dispute", `{}`, http.StatusBadRequest, "invalid_request"},
		{"retries exhausted", func() { h.gw.DeclineCollect(4) }, http.MethodPost, "/v1/transactions/" + exhausted.ID + "/pay", "", http.StatusPaymentRequired, "retry_exhausted"},
		{"release fails", func() { h.gw.QueueRelease(payment.ErrTransferFailed) }, http.MethodPost, "/v1/transactions/" + failedRelease.ID + "/release", "", http.StatusBadGateway, "payment_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			w := do(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantErr, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestHandler_Dispute(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	held := h.fundsHeld(t, "f", "10")

	w := do(r, http.MethodPost, "/v1/transactions/"+held.ID+"/dispute", `{"reason":"damaged beans"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeTransaction(t, w)
	assert.Equal(t, StatusDisputed, got.Status)
	assert.Equal(t, "damaged beans", got.DisputeReason)
}

func TestHandler_StoreErrorIs500(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	txn := h.create(t, "f", "10")
	h.store.failUpdates(errDiskFull)

	w := do(r, http.MethodPost, "/v1/transactions/"+txn.ID+"/cancel", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "store_error")
}
