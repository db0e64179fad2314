package utils

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

var (
	defaultGetTimeNowFunc = time.Now
)

// DefaultLimiterCacheSize bounds the number of origins tracked at once.
const DefaultLimiterCacheSize = 1024

// GetTimeNow returns the current time used to rate limit.
type GetTimeNow func() time.Time

// RateLimiterOpt configures a RateLimiter.
type RateLimiterOpt func(*RateLimiter)

// WithGetTimeNowFunc overrides the default time.Now func.
func WithGetTimeNowFunc(now GetTimeNow) RateLimiterOpt {
	return func(l *RateLimiter) {
		l.now = now
	}
}

// RateLimiter limits the rate of frames accepted per origin peer.
// Limiters of the least recently seen origins are evicted once the cache is full; an evicted
// origin starts again with a full burst.
type RateLimiter struct {
	mu sync.Mutex
	// limiters stores a rate limiter per origin.
	limiters *lru.Cache[peer.ID, *rate.Limiter]
	// limit amount of frames allowed per second.
	limit rate.Limit
	// burst amount of frames allowed at one time.
	burst int
	// now func that returns timestamp used to rate limit.
	// The default time.Now func is used.
	now GetTimeNow
}

// NewRateLimiter returns a new RateLimiter tracking at most cacheSize origins.
// A limit of rate.Inf disables limiting.
func NewRateLimiter(limit rate.Limit, burst int, cacheSize int, opts ...RateLimiterOpt) (*RateLimiter, error) {
	limiters, err := lru.New[peer.ID, *rate.Limiter](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create limiter cache: %w", err)
	}

	l := &RateLimiter{
		limiters: limiters,
		limit:    limit,
		burst:    burst,
		now:      defaultGetTimeNowFunc,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Allow reports whether one more frame from the origin is accepted now, consuming a token if so.
func (r *RateLimiter) Allow(origin peer.ID) bool {
	if r.limit == rate.Inf {
		return true
	}
	return r.GetLimiter(origin).AllowN(r.now(), 1)
}

// GetLimiter returns the limiter of the origin, creating and storing one if none exists.
func (r *RateLimiter) GetLimiter(origin peer.ID) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, ok := r.limiters.Get(origin); ok {
		return limiter
	}

	limiter := rate.NewLimiter(r.limit, r.burst)
	r.limiters.Add(origin, limiter)

	return limiter
}

// Now return the time according to the configured GetTimeNow func
func (r *RateLimiter) Now() time.Time {
	return r.now()
}

// Len returns the number of origins currently tracked.
func (r *RateLimiter) Len() int {
	return r.limiters.Len()
}
