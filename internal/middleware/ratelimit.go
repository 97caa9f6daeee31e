package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/httputil"
	"chatsync/internal/metrics"
	"chatsync/internal/service"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterSweepPeriod   = time.Minute
	defaultRetryAfterSec = 1
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client. Idle buckets are dropped
// during lookups, so no background goroutine is needed.
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*limiterEntry
	lastSweep time.Time
}

// NewRateLimiter allows perSecond requests per client with bursts up to burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*limiterEntry),
	}
}

// Allow reports whether a request from key may proceed now. When it may not,
// the returned duration is how long the client should wait.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	rl.sweep(now)
	entry, ok := rl.clients[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Duration(defaultRetryAfterSec) * time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < limiterSweepPeriod {
		return
	}
	rl.lastSweep = now
	for key, entry := range rl.clients {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(rl.clients, key)
		}
	}
}

// RateLimitMiddleware rejects clients that exceed their bucket with 429 and
// a Retry-After header. A nil limiter disables limiting.
func RateLimitMiddleware(limiter *RateLimiter, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := httputil.ClientIP(r)
			ok, wait := limiter.Allow(clientIP)
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < defaultRetryAfterSec {
				retryAfter = defaultRetryAfterSec
			}
			metrics.IncrementCounter("http_rate_limited_total", map[string]string{"endpoint": routeTemplate(r)}, "Requests rejected by the rate limiter")
			logger.WithFields(logrus.Fields{
				service.LogFieldRemoteIP: clientIP,
				"retry_after_sec":        retryAfter,
			}).Warn("Rate limit exceeded")

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteError(w, r, apperrors.NewRateLimitError(retryAfter))
		})
	}
}
