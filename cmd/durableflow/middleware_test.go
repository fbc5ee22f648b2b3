package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/internal/metrics"
)

func okInner() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okInner()), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	h := Chain(inner, SecurityHeaders(), RequestID())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/v1/workflows", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	r := httptest.NewRequest(http.MethodGet, "/v1/workflows", nil)
	r.Header.Set("X-Request-ID", "req-from-client")
	w = serve(h, r)
	assert.Equal(t, "req-from-client", seen)
	assert.Equal(t, "req-from-client", w.Header().Get("X-Request-ID"))

	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestRecovery(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	w := serve(Recovery(zap.NewNop())(panicky), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth([]string{"secret"}, []string{"/healthz"}, zap.NewNop())(okInner())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/v1/workflows", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	r := httptest.NewRequest(http.MethodGet, "/v1/workflows", nil)
	r.Header.Set("X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, serve(h, r).Code)

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 1, 2, zap.NewNop())(okInner())

	req := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		return serve(h, r).Code
	}
	assert.Equal(t, http.StatusOK, req("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, req("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, req("10.0.0.1:1234"))
	// a different client has its own bucket
	assert.Equal(t, http.StatusOK, req("10.0.0.2:1234"))
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://console.example.com"})(okInner())

	r := httptest.NewRequest(http.MethodGet, "/v1/workflows", nil)
	r.Header.Set("Origin", "https://console.example.com")
	w := serve(h, r)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodOptions, "/v1/workflows", nil)
	r.Header.Set("Origin", "https://console.example.com")
	assert.Equal(t, http.StatusNoContent, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodOptions, "/v1/workflows", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w = serve(h, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	// same-origin requests pass untouched
	w = serve(CORS(nil)(okInner()), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/healthz", "/healthz"},
		{"/v1/workflows", "/v1/workflows"},
		{"/v1/workflows/onboarding/executions", "/v1/workflows/:name/executions"},
		{"/v1/executions/6f1c2a4e-8d3b-4c1a-9f00-1234567890ab", "/v1/executions/:id"},
		{"/v1/executions/6f1c2a4e-8d3b-4c1a-9f00-1234567890ab/resume", "/v1/executions/:id/resume"},
		{"/v1/executions/42/events", "/v1/executions/:id/events"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zap.NewNop())
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := MetricsMiddleware(collector)(notFound)

	serve(h, httptest.NewRequest(http.MethodGet, "/v1/executions/6f1c2a4e-8d3b-4c1a-9f00-1234567890ab", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/v1/executions/7a2d3b5f-9e4c-4d2b-8a11-abcdefabcdef", nil))

	n, err := testutil.GatherAndCount(reg, "test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "ids collapse into one series")
}
