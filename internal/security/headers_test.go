package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/v1/transactions/x", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func TestHeadersMiddleware(t *testing.T) {
	router := newRouter(HeadersMiddleware())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/transactions/x", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		expectHeader   bool
		expectCreds    bool
	}{
		{"allowed origin", []string{"https://market.example"}, "https://market.example", true, true},
		{"wildcard allows all", []string{"*"}, "https://anything.example", true, false},
		{"disallowed origin", []string{"https://market.example"}, "https://evil.example", false, false},
		{"empty list disables", nil, "https://market.example", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(CORSMiddleware(tc.allowedOrigins))

			req := httptest.NewRequest(http.MethodGet, "/v1/transactions/x", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.expectHeader, w.Header().Get("Access-Control-Allow-Origin") != "")
			assert.Equal(t, tc.expectCreds, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newRouter(CORSMiddleware([]string{"*"}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/transactions/x", nil)
	req.Header.Set("Origin", "https://market.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, ParseOrigins(" https://a.example, ,https://b.example "))
	assert.Nil(t, ParseOrigins(""))
}
