package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"secmon/internal/config"
)

// RateLimiter admits a fixed number of requests per client IP per window.
// Client windows live in an LRU, so memory stays bounded by MaxClients and
// idle clients age out without a sweeper.
type RateLimiter struct {
	limit  int
	window time.Duration
	exempt map[string]struct{}
	cfg    config.RateLimitConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients *lru.Cache[string, *clientWindow]

	allowed atomic.Uint64
	limited atomic.Uint64
}

type clientWindow struct {
	used  int
	reset time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter builds a limiter from cfg. Zero values fall back to a one
// minute window and 10000 tracked clients.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	clients, _ := lru.New[string, *clientWindow](cfg.MaxClients)

	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = struct{}{}
	}

	return &RateLimiter{
		limit:   cfg.RequestsPerIP + cfg.BurstSize,
		window:  cfg.WindowSize,
		exempt:  exempt,
		cfg:     cfg,
		logger:  logger,
		clients: clients,
	}
}

// Allow charges one request to ip.
func (rl *RateLimiter) Allow(ip string) Decision {
	now := time.Now()

	rl.mu.Lock()
	w, ok := rl.clients.Get(ip)
	if !ok || !now.Before(w.reset) {
		w = &clientWindow{reset: now.Add(rl.window)}
		rl.clients.Add(ip, w)
	}
	d := Decision{Limit: rl.limit, Reset: w.reset}
	if w.used < rl.limit {
		w.used++
		d.Allowed = true
		d.Remaining = rl.limit - w.used
	}
	rl.mu.Unlock()

	if d.Allowed {
		rl.allowed.Add(1)
	} else {
		rl.limited.Add(1)
	}
	return d
}

// IsExempt reports whether path bypasses the limiter.
func (rl *RateLimiter) IsExempt(path string) bool {
	_, ok := rl.exempt[path]
	return ok
}

// RateLimiterStats holds rate limiter statistics.
type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

// Stats returns current counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := rl.clients.Len()
	rl.mu.Unlock()
	return RateLimiterStats{
		TrackedIPs: tracked,
		Allowed:    rl.allowed.Load(),
		Limited:    rl.limited.Load(),
	}
}

type rateLimitedBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// Middleware applies the limiter to next. Every limited response carries
// the X-RateLimit headers; a rejected one is a 429 with Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || rl.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r, rl.cfg.TrustProxy)
		d := rl.Allow(ip)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.Warn("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.Path)

		retryAfter := int(time.Until(d.Reset).Seconds()) + 1
		h.Set("Retry-After", strconv.Itoa(retryAfter))
		h.Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(rateLimitedBody{
			Code:       "rate_limited",
			Message:    "too many requests, retry later",
			RetryAfter: retryAfter,
		})
	})
}

// ClientIP returns the address a request is charged to. Behind a trusted
// proxy the rightmost non-empty X-Forwarded-For hop is used, then
// X-Real-IP; otherwise the connection's remote host.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			if ip := strings.TrimSpace(hops[i]); ip != "" {
				return ip
			}
		}
		if ip := r.Header.Get("X-Real-IP"); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
