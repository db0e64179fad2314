package subscription

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
)

const (
	DefaultJoinTimeout          = 10 * time.Second
	DefaultDedupCacheSize       = 1024
	DefaultRateLimit            = rate.Limit(100)
	DefaultRateBurst            = 200
	DefaultRateLimiterCacheSize = 1024
)

// Config configures a Manager.
type Config struct {
	// JoinTimeout bounds how long a subscribe waits for the transport to join the topic.
	JoinTimeout time.Duration
	// DedupCacheSize is the number of recent (origin, token) pairs remembered per subscription.
	DedupCacheSize int
	// RateLimit is the number of frames per second accepted from a single origin, across all
	// subscriptions. rate.Inf disables limiting.
	RateLimit rate.Limit
	// RateBurst is the number of frames accepted from a single origin at once.
	RateBurst int
	// RateLimiterCacheSize is the number of origins tracked by the rate limiter.
	RateLimiterCacheSize int
}

func DefaultConfig() Config {
	return Config{
		JoinTimeout:          DefaultJoinTimeout,
		DedupCacheSize:       DefaultDedupCacheSize,
		RateLimit:            DefaultRateLimit,
		RateBurst:            DefaultRateBurst,
		RateLimiterCacheSize: DefaultRateLimiterCacheSize,
	}
}

func (c Config) Validate() error {
	var errs *multierror.Error
	if c.JoinTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("join timeout must be positive, got %s", c.JoinTimeout))
	}
	if c.DedupCacheSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("dedup cache size must be positive, got %d", c.DedupCacheSize))
	}
	if c.RateLimit <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("rate limit must be positive, got %v", c.RateLimit))
	}
	if c.RateLimit != rate.Inf && c.RateBurst <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("rate burst must be positive, got %d", c.RateBurst))
	}
	if c.RateLimiterCacheSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("rate limiter cache size must be positive, got %d", c.RateLimiterCacheSize))
	}
	return errs.ErrorOrNil()
}
