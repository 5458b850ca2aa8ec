package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig sets two token buckets. Every request is charged to its
// client IP; requests on a /sessions/:id route are also charged to that
// conversation, so one chat cannot flood the responder from many addresses.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int

	// SessionRequestsPerSecond and SessionBurst bound a single
	// conversation. A zero rate disables the session bucket.
	SessionRequestsPerSecond float64
	SessionBurst             int

	// IdleTTL is how long an untouched bucket is kept. Defaults to 10m.
	IdleTTL time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:        5,
		BurstSize:                20,
		SessionRequestsPerSecond: 1,
		SessionBurst:             10,
		IdleTTL:                  10 * time.Minute,
	}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// limiter is a keyed set of token buckets sharing one rate and burst.
type limiter struct {
	rate  float64
	burst float64
	ttl   time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(rate float64, burst int, ttl time.Duration) *limiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &limiter{
		rate:    rate,
		burst:   float64(burst),
		ttl:     ttl,
		buckets: make(map[string]*bucket),
	}
}

// take spends one token from key's bucket. When none is left it returns
// the whole seconds until one is.
func (l *limiter) take(key string, now time.Time) (ok bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	b, found := l.buckets[key]
	if !found {
		b = &bucket{tokens: l.burst, lastSeen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, 1
	}
	return false, int(math.Ceil((1 - b.tokens) / l.rate))
}

// sweep drops buckets idle for longer than ttl, at most once per ttl.
func (l *limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.ttl {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, k)
		}
	}
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sessionKey returns the conversation a request targets, if any.
func sessionKey(c echo.Context) string {
	if !strings.Contains(c.Path(), "/sessions/:id") {
		return ""
	}
	return c.Param("id")
}

// RateLimit rejects requests with 429 once the client IP or the targeted
// session runs out of tokens.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, time.Now)
}

func rateLimit(cfg RateLimitConfig, now func() time.Time) echo.MiddlewareFunc {
	byIP := newLimiter(cfg.RequestsPerSecond, cfg.BurstSize, cfg.IdleTTL)
	var bySession *limiter
	if cfg.SessionRequestsPerSecond > 0 && cfg.SessionBurst > 0 {
		bySession = newLimiter(cfg.SessionRequestsPerSecond, cfg.SessionBurst, cfg.IdleTTL)
	}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	reject := func(c echo.Context, retryAfter int, scope string) error {
		h := c.Response().Header()
		h.Set("Retry-After", strconv.Itoa(retryAfter))
		h.Set("X-RateLimit-Remaining", "0")
		h.Set("X-RateLimit-Scope", scope)
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			t := now()
			c.Response().Header().Set("X-RateLimit-Limit", limit)
			if ok, wait := byIP.take(c.RealIP(), t); !ok {
				return reject(c, wait, "ip")
			}
			if id := sessionKey(c); id != "" && bySession != nil {
				if ok, wait := bySession.take(id, t); !ok {
					return reject(c, wait, "session")
				}
			}
			return next(c)
		}
	}
}
