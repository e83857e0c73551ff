package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/navsahu/x402-deploy/pkg/x402"
)

func serve(middleware gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware_StampsAllHeaders(t *testing.T) {
	w := serve(HeadersMiddleware(), httptest.NewRequest("GET", "/test", nil))

	for name, want := range hardeningHeaders {
		assert.Equal(t, want, w.Header().Get(name), name)
	}
}

func TestCORSMiddleware_OriginFilter(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		wantAllowed    bool
	}{
		{"allowed origin", []string{"https://wallet.example"}, "https://wallet.example", true},
		{"wildcard allows all", []string{"*"}, "https://anything.example", true},
		{"disallowed origin", []string{"https://wallet.example"}, "https://evil.example", false},
		{"empty list allows all", nil, "https://anything.example", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := serve(CORSMiddleware(tc.allowedOrigins), req)

			got := w.Header().Get("Access-Control-Allow-Origin")
			if tc.wantAllowed {
				assert.Equal(t, tc.requestOrigin, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestCORSMiddleware_PaymentHeadersVisible(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "https://wallet.example")
	w := serve(CORSMiddleware([]string{"*"}), req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), x402.PaymentHeader)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), x402.PayerHeader)
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), x402.ReceiptHeader)
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestCORSMiddleware_NoCredentialsWithWildcard(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://wallet.example")
	w := serve(CORSMiddleware([]string{"*"}), req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://wallet.example")
	w = serve(CORSMiddleware([]string{"https://wallet.example"}), req)
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}
