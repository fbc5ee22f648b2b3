package main

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/durableflow/api/handlers"
	"github.com/BaSui01/durableflow/internal/ctxkeys"
	"github.com/BaSui01/durableflow/internal/metrics"
)

const (
	headerRequestID = "X-Request-ID"
	headerAPIKey    = "X-API-Key"
)

// RequestIDFromContext returns the request id set by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctxkeys.RequestID(ctx)
	return id
}

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one listed sees the request first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := range middlewares {
		h = middlewares[len(middlewares)-1-i](h)
	}
	return h
}

// wrap builds a middleware from a function that gets the next handler.
func wrap(fn func(w http.ResponseWriter, r *http.Request, next http.Handler)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fn(w, r, next)
		})
	}
}

// Recovery turns a handler panic into a 500 response.
func Recovery(logger *zap.Logger) Middleware {
	return wrap(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			logger.Error("handler panic",
				zap.Any("panic", rec),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.Stack("stack"))
			handlers.WriteErrorMessage(w, http.StatusInternalServerError, handlers.ErrInternal, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger 每个请求结束后记录一条访问日志
func RequestLogger(logger *zap.Logger) Middleware {
	return wrap(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		rw := handlers.NewResponseWriter(w)
		began := time.Now()
		next.ServeHTTP(rw, r)

		level := zap.InfoLevel
		if rw.StatusCode >= http.StatusInternalServerError {
			level = zap.WarnLevel
		}
		logger.Log(level, "http request",
			zap.String("method", r.Method),
			zap.String("route", normalizePath(r.URL.Path)),
			zap.Int("status", rw.StatusCode),
			zap.Duration("latency", time.Since(began)),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("client", clientIP(r)))
	})
}

// MetricsMiddleware records request count and latency under the normalized
// route so execution ids do not create new series.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return wrap(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		rw := handlers.NewResponseWriter(w)
		began := time.Now()
		next.ServeHTTP(rw, r)
		collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.StatusCode, time.Since(began))
	})
}

var (
	// uuids, long hex strings and numeric ids
	idSegment = regexp.MustCompile(`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`)

	staticRoutes = map[string]bool{
		"/health": true, "/healthz": true, "/ready": true, "/version": true,
		"/v1/workflows": true, "/v1/executions": true,
	}
)

// normalizePath maps dynamic path segments to placeholders:
//
//	/v1/executions/3f2c.../resume -> /v1/executions/:id/resume
//	/v1/workflows/onboarding      -> /v1/workflows/:name
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}
	segs := strings.Split(path, "/")
	prev := ""
	for i, seg := range segs {
		switch {
		case seg == "":
		case prev == "workflows":
			segs[i] = ":name"
		case idSegment.MatchString(seg):
			segs[i] = ":id"
		}
		prev = seg
	}
	return strings.Join(segs, "/")
}

// OTelTracing starts a server span per request and continues any trace
// context carried by the request headers.
func OTelTracing() Middleware {
	tracer := otel.Tracer("durableflow/http")
	return wrap(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLFull(r.URL.String()),
			))
		defer span.End()

		rw := handlers.NewResponseWriter(w)
		next.ServeHTTP(rw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
	})
}

// APIKeyAuth rejects requests without a known X-API-Key header. Paths in
// skipPaths are served without a key.
func APIKeyAuth(validKeys []string, skipPaths []string, logger *zap.Logger) Middleware {
	keys := make([][]byte, 0, len(validKeys))
	for _, k := range validKeys {
		keys = append(keys, []byte(k))
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	known := func(presented string) bool {
		if presented == "" {
			return false
		}
		match := 0
		for _, k := range keys {
			match |= subtle.ConstantTimeCompare(k, []byte(presented))
		}
		return match == 1
	}

	return wrap(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		if !skip[r.URL.Path] && !known(r.Header.Get(headerAPIKey)) {
			logger.Debug("request rejected: missing or unknown api key",
				zap.String("path", r.URL.Path),
				zap.String("client", clientIP(r)))
			handlers.WriteErrorMessage(w, http.StatusUnauthorized, handlers.ErrUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiters 按客户端 IP 维护令牌桶，闲置超过 idleTTL 的条目会被清理
type clientLimiters struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

func (c *clientLimiters) allow(ip string, now time.Time) bool {
	c.mu.Lock()
	cl, ok := c.clients[ip]
	if !ok {
		cl = &clientLimiter{Limiter: rate.NewLimiter(c.rps, c.burst)}
		c.clients[ip] = cl
	}
	cl.lastSeen = now
	c.mu.Unlock()
	return cl.AllowN(now, 1)
}

func (c *clientLimiters) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ip, cl := range c.clients {
		if now.Sub(cl.lastSeen) > c.idleTTL {
			delete(c.clients, ip)
		}
	}
}

func (c *clientLimiters) sweepLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// RateLimiter applies a per-client token bucket. The idle-client sweeper
// stops when ctx ends.
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	limiters := &clientLimiters{
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 3 * time.Minute,
		clients: make(map[string]*clientLimiter),
	}
	go limiters.sweepLoop(ctx, time.Minute)

	return wrap(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		ip := clientIP(r)
		if !limiters.allow(ip, time.Now()) {
			logger.Debug("request rate limited", zap.String("client", ip))
			handlers.WriteErrorMessage(w, http.StatusTooManyRequests, handlers.ErrRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// CORS answers cross-origin requests from allowedOrigins. Requests without
// an Origin header pass through; a preflight from any other origin gets 403.
func CORS(allowedOrigins []string) Middleware {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return wrap(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		ok := allowed[origin]
		if ok {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", headerAPIKey, headerRequestID}, ", "))
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if ok {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusForbidden)
		}
	})
}

// RequestID keeps a client supplied X-Request-ID or assigns a new one, echoes
// it on the response and stores it on the request context.
func RequestID() Middleware {
	return wrap(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = "req-" + uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), id)))
	})
}

// SecurityHeaders sets the response headers every API reply carries.
func SecurityHeaders() Middleware {
	return wrap(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}
