package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds websocket handshakes per client IP. A zero rate
// disables limiting.
type RateLimitConfig struct {
	HandshakeRate  float64
	HandshakeBurst int
	// IdleTTL is how long an idle client's limiter is kept.
	IdleTTL time.Duration
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type handshakeLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*ipLimiter
	swept    time.Time
}

func newHandshakeLimiter(cfg RateLimitConfig) *handshakeLimiter {
	if cfg.HandshakeRate <= 0 {
		return nil
	}
	burst := cfg.HandshakeBurst
	if burst <= 0 {
		burst = int(cfg.HandshakeRate)
		if burst < 1 {
			burst = 1
		}
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &handshakeLimiter{
		limit:    rate.Limit(cfg.HandshakeRate),
		burst:    burst,
		idleTTL:  idleTTL,
		now:      time.Now,
		limiters: make(map[string]*ipLimiter),
	}
}

func (l *handshakeLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key == "" {
		key = "unknown"
	}
	now := l.now()
	l.mu.Lock()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	l.cleanupLocked(now)
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

// cleanupLocked drops idle limiters at most once per idle window.
func (l *handshakeLimiter) cleanupLocked(now time.Time) {
	if now.Sub(l.swept) < l.idleTTL {
		return
	}
	l.swept = now
	cutoff := now.Add(-l.idleTTL)
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

func (l *handshakeLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (s *Server) limitHandshakes(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r.RemoteAddr)) {
			s.metrics.ObserveHandshake("rate_limited")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port. chi's RealIP middleware has already replaced
// RemoteAddr with the forwarded address when one was supplied.
func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
