package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// clientLimiter throttles requests per client address using a token bucket.
// Zero requests per minute disables throttling entirely.
type clientLimiter struct {
	perMinute  int
	burst      int
	trustProxy bool

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newClientLimiter(perMinute, burst int, trustProxy bool) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		perMinute:  perMinute,
		burst:      burst,
		trustProxy: trustProxy,
		visitors:   make(map[string]*rate.Limiter),
	}
}

func (l *clientLimiter) allow(r *http.Request) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	return l.obtain(l.clientID(r)).Allow()
}

func (l *clientLimiter) obtain(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)
		l.visitors[id] = limiter
	}
	return limiter
}

// clientID resolves the caller identity the bucket keys on. Proxy headers
// are only honoured when the config says a trusted proxy sits in front.
func (l *clientLimiter) clientID(r *http.Request) string {
	if l.trustProxy {
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			first := raw
			if comma := strings.IndexByte(raw, ','); comma >= 0 {
				first = strings.TrimSpace(raw[:comma])
			}
			if parsed := net.ParseIP(first); parsed != nil {
				return parsed.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
