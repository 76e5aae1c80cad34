package daemon

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultRateLimitTTL = 10 * time.Minute

// IPRateLimiter is a per-client token bucket guarding VM creation.
// A nil limiter allows everything.
type IPRateLimiter struct {
	mu          sync.Mutex
	qps         float64
	burst       float64
	ttl         time.Duration
	now         func() time.Time
	lastCleanup time.Time
	buckets     map[string]*bucket
}

type bucket struct {
	tokens   float64
	refilled time.Time
	seen     time.Time
}

// NewIPRateLimiter returns nil, disabling limiting, when qps or burst is
// not positive.
func NewIPRateLimiter(qps float64, burst int) *IPRateLimiter {
	if qps <= 0 || burst <= 0 {
		return nil
	}
	return &IPRateLimiter{
		qps:     qps,
		burst:   float64(burst),
		ttl:     defaultRateLimitTTL,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from the bucket for remoteAddr's IP.
func (l *IPRateLimiter) Allow(remoteAddr string) bool {
	if l == nil {
		return true
	}
	ip := parseRemoteIP(remoteAddr)
	if ip == nil || ip.IsUnspecified() {
		return false
	}
	key := ip.String()
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictIdleLocked(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, refilled: now}
		l.buckets[key] = b
	}
	b.seen = now
	if elapsed := now.Sub(b.refilled); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed.Seconds()*l.qps)
		b.refilled = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *IPRateLimiter) evictIdleLocked(now time.Time) {
	if l.ttl <= 0 || (!l.lastCleanup.IsZero() && now.Sub(l.lastCleanup) < l.ttl) {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.seen) > l.ttl {
			delete(l.buckets, key)
		}
	}
	l.lastCleanup = now
}

func parseRemoteIP(remoteAddr string) net.IP {
	host := strings.TrimSpace(remoteAddr)
	if host == "" {
		return nil
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if idx := strings.LastIndex(host, "%"); idx >= 0 {
		host = host[:idx]
	}
	return net.ParseIP(host)
}

func writeRateLimitExceeded(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}
