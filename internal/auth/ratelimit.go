package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/arnavxdyt/dc-bot/internal/config"
	"github.com/arnavxdyt/dc-bot/internal/metrics"
)

// RateLimiter bounds the request rate globally and per client. A client is
// the tenant named in X-Tenant-ID; requests without the header (health
// probes, metric scrapers) fall back to the remote address.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     config.RateLimitConfig
	global  bucket
	clients map[string]*bucket
	onDrop  func()
}

type bucket struct {
	level float64
	at    time.Time
}

// take refills the bucket for the elapsed interval, then spends one token.
func (b *bucket) take(rps, burst float64, now time.Time) bool {
	if b.at.IsZero() {
		b.level = burst
	} else if d := now.Sub(b.at).Seconds(); d > 0 {
		b.level = min(burst, b.level+d*rps)
	}
	b.at = now
	if b.level < 1 {
		return false
	}
	b.level--
	return true
}

func NewRateLimiter(cfg config.RateLimitConfig, reg *metrics.Registry) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		clients: map[string]*bucket{},
		onDrop: func() {
			if reg != nil {
				reg.IncRateLimited()
			}
		},
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			rl.onDrop()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":"throttled","message":"Rate limit exceeded.","details":null}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now().UTC()
	if !rl.global.take(rl.cfg.GlobalRPS, float64(rl.cfg.GlobalBurst), now) {
		return false
	}
	b, ok := rl.clients[key]
	if !ok {
		b = &bucket{}
		rl.clients[key] = b
	}
	return b.take(rl.cfg.PerClientRPS, float64(rl.cfg.PerClientBurst), now)
}

func clientKey(r *http.Request) string {
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
		return "tenant:" + tenant
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
