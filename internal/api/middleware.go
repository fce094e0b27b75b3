package api

import (
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"satspay/internal/logging"
)

// Logger logs one line per request with its status and latency.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		// Clients poll status after a pending payment; only log failed polls.
		if isStatusPoll(r) && rw.status < 400 {
			return
		}

		logging.HTTP.Printf("%s %s -> %d (%s)", r.Method, r.URL.Path, rw.status, time.Since(start).Round(time.Millisecond))
	})
}

func isStatusPoll(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/wallets/") && strings.Contains(r.URL.Path, "/payments/")
}

func isSend(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/wallets/") && strings.HasSuffix(r.URL.Path, "/payments")
}

// CORSConfig lists the browser origins allowed to call the API. An empty
// list allows any origin.
type CORSConfig struct {
	AllowedOrigins []string
}

// CORS answers preflight requests itself and echoes allowed origins.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			switch origin := r.Header.Get("Origin"); {
			case len(cfg.AllowedOrigins) == 0:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(cfg.AllowedOrigins, origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// RateLimitConfig sets per-IP budgets. Payment sends draw from their own
// bucket, all other requests share the general one.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	SendsPerMinute    float64
	SendBurstSize     int
}

// DefaultRateLimitConfig returns the limits used outside -dev.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		SendsPerMinute:    30,
		SendBurstSize:     5,
	}
}

type ipRateLimiter struct {
	limiters sync.Map // ip -> *rate.Limiter
	rate     rate.Limit
	burst    int
}

func newIPRateLimiter(r float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		rate:  rate.Limit(r),
		burst: burst,
	}
}

func (rl *ipRateLimiter) forIP(ip string) *rate.Limiter {
	if l, ok := rl.limiters.Load(ip); ok {
		return l.(*rate.Limiter)
	}
	l, _ := rl.limiters.LoadOrStore(ip, rate.NewLimiter(rl.rate, rl.burst))
	return l.(*rate.Limiter)
}

// RateLimit creates a rate limiting middleware. Payment sends get their own,
// stricter budget.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	general := newIPRateLimiter(cfg.RequestsPerSecond, cfg.BurstSize)
	sends := newIPRateLimiter(cfg.SendsPerMinute/60, cfg.SendBurstSize)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)

			limiter := general.forIP(ip)
			if isSend(r) {
				limiter = sends.forIP(ip)
			}

			if !limiter.Allow() {
				logging.HTTP.Printf("throttled %s: %s %s", ip, r.Method, r.URL.Path)
				writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded", true)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client address, preferring proxy headers.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
