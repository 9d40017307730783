package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter keeps one token bucket per client IP. Buckets idle for
// longer than idleTTL are purged once the table grows past purgeThreshold.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	r       rate.Limit
	b       int
	idleTTL time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const purgeThreshold = 1000

// NewIPRateLimiter allows perSecond requests per client with the given burst.
// A burst below one is raised to one.
func NewIPRateLimiter(perSecond float64, burst int) *IPRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		r:        rate.Limit(perSecond),
		b:        burst,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether one more request from ip fits its bucket.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.r, rl.b)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	lim := v.limiter

	if len(rl.visitors) > purgeThreshold {
		rl.purge()
	}
	rl.mu.Unlock()

	return lim.Allow()
}

func (rl *IPRateLimiter) purge() {
	cutoff := time.Now().Add(-rl.idleTTL)
	for k, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, k)
		}
	}
}

// Middleware rejects requests over the limit with 429. key picks the bucket
// for a request.
func (rl *IPRateLimiter) Middleware(next http.Handler, key func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(key(r)) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(float64(rl.r), 'f', -1, 64))
			w.Header().Set("X-RateLimit-Remaining", "0")
			sendText(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clientIP(r *http.Request) string {
	return getClientIP(r, s.config.TrustProxyHeaders)
}

// getClientIP returns the peer address of r. Forwarding headers are client
// controlled and only consulted when trustProxy is set.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
