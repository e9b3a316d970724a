package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"peerlink/pkg/config"
	"peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTimeout = 3 * time.Minute
	limiterSweepEvery  = time.Minute
)

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore keeps one limiter per client and room. Limiters idle for
// limiterIdleTimeout are dropped.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*keyedLimiter
	rate      rate.Limit
	burstSize int
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*keyedLimiter),
		rate:      r,
		burstSize: burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= limiterSweepEvery {
		for k, l := range s.limiters {
			if now.Sub(l.lastSeen) >= limiterIdleTimeout {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	l, exists := s.limiters[key]
	if !exists {
		l = &keyedLimiter{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = l
	}
	l.lastSeen = now
	return l.limiter
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// relayKey scopes limits to a client joining a room, so one address can sit
// in several rooms without sharing a budget
func relayKey(c *gin.Context) string {
	if room := c.Query("room"); room != "" {
		return c.ClientIP() + "|" + room
	}
	return c.ClientIP()
}

// NewRelayRateLimitMiddleware throttles room joins and token requests.
// Rejections are coded errors rendered by ErrorHandlerMiddleware. With
// max_concurrent set, a websocket session holds its slot until it ends.
func NewRelayRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	return newRelayRateLimiter(cfg).handle
}

type relayRateLimiter struct {
	enabled bool
	store   *rateLimiterStore
	sem     chan struct{}
}

func newRelayRateLimiter(cfg *config.Config) *relayRateLimiter {
	rl := &relayRateLimiter{enabled: cfg.RateLimiting.Enabled}
	if !rl.enabled {
		return rl
	}
	rl.store = newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)
	if n := cfg.RateLimiting.HTTP.MaxConcurrent; n > 0 {
		rl.sem = make(chan struct{}, n)
	}
	return rl
}

func (rl *relayRateLimiter) handle(c *gin.Context) {
	if !rl.enabled {
		c.Next()
		return
	}

	if rl.sem != nil {
		select {
		case rl.sem <- struct{}{}:
			defer func() { <-rl.sem }()
		default:
			c.Error(errors.New(errors.CodeUnavailable, "too many concurrent relay sessions").
				WithContext("max_concurrent", cap(rl.sem)))
			c.Abort()
			return
		}
	}

	reservation := rl.store.getLimiter(relayKey(c)).Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		retryAfter := int(math.Ceil(delay.Seconds()))
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.Error(errors.New(errors.CodeRateLimit, "rate limit exceeded").
			WithContext("retry_after", retryAfter))
		c.Abort()
		return
	}
	c.Next()
}
