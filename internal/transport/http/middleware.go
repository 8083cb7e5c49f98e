package http

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sneh-joshi/vsmbus/internal/node"
)

// middleware wraps a handler.
type middleware = func(http.Handler) http.Handler

// chain wraps h so that mw[0] runs first.
func chain(h http.Handler, mw ...middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// ─── status capture ──────────────────────────────────────────────────────────

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func record(w http.ResponseWriter) *statusRecorder {
	if sr, ok := w.(*statusRecorder); ok {
		return sr
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the websocket upgrader.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: connection cannot be hijacked")
	}
	sr.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// ─── CORS ────────────────────────────────────────────────────────────────────

// CORSMiddleware reflects the caller's Origin so browser dashboards can reach
// the API, and answers preflight requests directly.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key, X-Request-Id")
		h.Set("Access-Control-Expose-Headers", "Retry-After, X-Request-Id")
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Request ids ─────────────────────────────────────────────────────────────

type requestIDKey struct{}

// RequestID returns the id RequestIDMiddleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDMiddleware propagates X-Request-Id, minting a ULID when the caller
// sent none. It replaces the request, so it must run outside
// MetricsMiddleware.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 128 {
			id = node.MustNewID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// ─── Recovery ────────────────────────────────────────────────────────────────

// RecoverMiddleware turns a handler panic into a 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			slog.Error("http: handler panic",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", RequestID(r.Context()),
				"panic", v,
				"stack", string(debug.Stack()),
			)
			writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		}()
		next.ServeHTTP(w, r)
	})
}

// ─── Body size ───────────────────────────────────────────────────────────────

// maxRequestBodyBytes caps inbound bodies. Signal context and message
// payloads are small; 4 MiB leaves room for bulky coordination payloads.
const maxRequestBodyBytes = 4 << 20

// MaxBodyMiddleware limits request bodies to maxRequestBodyBytes.
func MaxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Logging ─────────────────────────────────────────────────────────────────

// LoggingMiddleware writes one slog line per request. 5xx responses log at
// warn.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := record(w)
		next.ServeHTTP(sr, r)

		level := slog.LevelInfo
		if sr.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestID(r.Context()),
		)
	})
}

// ─── Metrics ─────────────────────────────────────────────────────────────────

// Observer records served requests. *metrics.Registry satisfies it.
type Observer interface {
	ObserveHTTP(method, path string, status int, d time.Duration)
}

// MetricsMiddleware reports each request to obs under its route pattern.
// The mux records the pattern on the request it receives, so nothing between
// this middleware and the mux may replace the request.
func MetricsMiddleware(obs Observer) middleware {
	return func(next http.Handler) http.Handler {
		if obs == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := record(w)
			next.ServeHTTP(sr, r)
			pattern := r.Pattern
			if pattern == "" {
				pattern = "unmatched"
			}
			obs.ObserveHTTP(r.Method, pattern, sr.status, time.Since(start))
		})
	}
}

// ─── Auth ────────────────────────────────────────────────────────────────────

// AuthMiddleware requires X-Api-Key to equal apiKey when enabled. The
// comparison is constant-time.
func AuthMiddleware(apiKey string, enabled bool) middleware {
	return func(next http.Handler) http.Handler {
		if !enabled || apiKey == "" {
			return next
		}
		want := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Api-Key")), want) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Per-client limiting ─────────────────────────────────────────────────────

// clientLimiter hands out one token bucket per client address. This is
// transport protection only; variety attenuation lives in the bus.
type clientLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	clientTableSweepAt = 5000
	clientIdleTTL      = 10 * time.Minute
)

func (cl *clientLimiter) allow(addr string, now time.Time) bool {
	cl.mu.Lock()
	b, ok := cl.clients[addr]
	if !ok {
		if len(cl.clients) >= clientTableSweepAt {
			cl.sweep(now)
		}
		b = &clientBucket{lim: rate.NewLimiter(cl.rps, cl.burst)}
		cl.clients[addr] = b
	}
	b.seen = now
	cl.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// sweep drops idle buckets. Caller holds mu.
func (cl *clientLimiter) sweep(now time.Time) {
	for addr, b := range cl.clients {
		if now.Sub(b.seen) > clientIdleTTL {
			delete(cl.clients, addr)
		}
	}
}

// RateLimitMiddleware allows rps requests per second per client with bursts
// of up to burst.
func RateLimitMiddleware(rps float64, burst int) middleware {
	cl := &clientLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientBucket),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cl.allow(clientIP(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, errors.New("client rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop and falls back to the peer
// address. X-Forwarded-For is trusted as-is; deploy behind a proxy that
// overwrites it.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
