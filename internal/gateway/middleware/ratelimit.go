package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cadence/internal/gateway/handlers"
)

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	RequestsPerMinute int
	Burst             int
	Enabled           bool
	// CleanupInterval is how often idle clients are forgotten.
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig returns the default rate limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 120,
		Burst:             20,
		Enabled:           true,
		CleanupInterval:   5 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP with a token bucket each.
type RateLimiter struct {
	config   RateLimiterConfig
	limit    rate.Limit
	clients  map[string]*clientLimiter
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRateLimiter creates a rate limiter. When enabled with a positive
// cleanup interval it starts a goroutine that Stop ends.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = DefaultRateLimiterConfig().RequestsPerMinute
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	rl := &RateLimiter{
		config:  config,
		limit:   rate.Limit(float64(config.RequestsPerMinute) / 60.0),
		clients: make(map[string]*clientLimiter),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	if config.Enabled && config.CleanupInterval > 0 {
		go rl.cleanup()
	} else {
		close(rl.done)
	}
	return rl
}

// Stop ends the cleanup goroutine and waits for it.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	<-rl.done
}

func (rl *RateLimiter) cleanup() {
	defer close(rl.done)
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case now := <-ticker.C:
			rl.evict(now.Add(-2 * rl.config.CleanupInterval))
		}
	}
}

// evict forgets clients not seen since cutoff.
func (rl *RateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

func (rl *RateLimiter) getClient(ip string) *clientLimiter {
	rl.mu.RLock()
	c, ok := rl.clients[ip]
	rl.mu.RUnlock()
	if ok {
		return c
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if c, ok = rl.clients[ip]; ok {
		return c
	}
	c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.config.Burst)}
	rl.clients[ip] = c
	return c
}

// Allow reports whether a request from ip may proceed, the tokens left and
// when the bucket is full again.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()
	if !rl.config.Enabled {
		return true, rl.config.RequestsPerMinute, now.Add(time.Minute)
	}

	c := rl.getClient(ip)
	rl.mu.Lock()
	c.lastSeen = now
	rl.mu.Unlock()

	allowed := c.limiter.AllowN(now, 1)
	tokens := c.limiter.TokensAt(now)
	remaining := int(math.Max(0, math.Floor(tokens)))

	missing := float64(rl.config.Burst) - tokens
	reset := now.Add(time.Duration(missing / float64(rl.limit) * float64(time.Second)))
	return allowed, remaining, reset
}

// RateLimit returns a middleware that rejects clients over their limit
// with 429.
func (rl *RateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, reset := rl.Allow(getClientIP(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			retry := math.Ceil(1 / float64(rl.limit))
			w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
			handlers.SendError(w, http.StatusTooManyRequests,
				handlers.ErrCodeRateLimited, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
