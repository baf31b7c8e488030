package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/depot/pkg/versioning"
)

// ClientVersionHeader carries the client build version.
const ClientVersionHeader = "X-Depot-Client-Version"

// rateLimitConfig holds the rate limiter settings.
type rateLimitConfig struct {
	rps   rate.Limit
	burst int
}

// GlobalRateLimiter manages per-IP rate limiters.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   rateLimitConfig
	now      func() time.Time
}

// visitor tracks the rate limiter and last seen time for an IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a rate limiter allowing rps requests per
// second per client IP with the given burst. Stale entries are swept until
// ctx is done.
func NewGlobalRateLimiter(ctx context.Context, rps float64, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		config: rateLimitConfig{
			rps:   rate.Limit(rps),
			burst: burst,
		},
		now: time.Now,
	}
	go rl.cleanupVisitors(ctx, time.Minute, 3*time.Minute)
	return rl
}

// getVisitor returns the limiter for ip, creating it if necessary.
func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.config.rps, rl.config.burst)
		rl.visitors[ip] = &visitor{limiter, rl.now()}
		return limiter
	}

	v.lastSeen = rl.now()
	return v.limiter
}

// cleanupVisitors removes entries not seen for maxIdle, checking every interval.
func (rl *GlobalRateLimiter) cleanupVisitors(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep(maxIdle)
		}
	}
}

func (rl *GlobalRateLimiter) sweep(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if rl.now().Sub(v.lastSeen) > maxIdle {
			delete(rl.visitors, ip)
		}
	}
}

// Middleware returns a Handler that enforces rate limits.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := rl.getVisitor(clientIP(r))
		if !limiter.Allow() {
			WriteTooManyRequests(w, rl.retryAfter())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter is the time, in whole seconds, for one token to refill.
func (rl *GlobalRateLimiter) retryAfter() int {
	if rl.config.rps <= 0 {
		return 60
	}
	secs := int(math.Ceil(1 / float64(rl.config.rps)))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// ClientVersionGate rejects requests whose X-Depot-Client-Version does not
// satisfy constraint with 426. Requests without the header pass, as does
// everything when constraint is empty.
func ClientVersionGate(constraint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if constraint == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v := r.Header.Get(ClientVersionHeader)
			if v == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := versioning.CheckClient(v, constraint)
			if err != nil {
				WriteBadRequest(w, "Invalid "+ClientVersionHeader+" header")
				return
			}
			if !ok {
				WriteUpgradeRequired(w, constraint)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
