package cache

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerCache wraps a Cache with a circuit breaker so a struggling
// backend fails fast instead of adding its timeout to every request.
// While the breaker is open, Get reports ErrNotFound and writes are
// dropped; callers fall through to the database.
type BreakerCache struct {
	inner   Cache
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerCache wraps inner with a breaker named for logs and metrics.
func NewBreakerCache(inner Cache, name string) *BreakerCache {
	return &BreakerCache{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}),
	}
}

func (c *BreakerCache) Get(ctx context.Context, key string, value interface{}) error {
	var missed bool
	_, err := c.breaker.Execute(func() (interface{}, error) {
		err := c.inner.Get(ctx, key, value)
		if err == ErrNotFound {
			// A miss is a healthy response, not a backend failure.
			missed = true
			return nil, nil
		}
		return nil, err
	})
	if err != nil || missed {
		return ErrNotFound
	}
	return nil
}

func (c *BreakerCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.inner.Set(ctx, key, value, ttl)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil
	}
	return err
}

func (c *BreakerCache) Delete(ctx context.Context, key string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.inner.Delete(ctx, key)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil
	}
	return err
}

func (c *BreakerCache) Exists(ctx context.Context, key string) (bool, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.Exists(ctx, key)
	})
	if err != nil {
		return false, nil
	}
	return res.(bool), nil
}

func (c *BreakerCache) Flush(ctx context.Context) error {
	return c.inner.Flush(ctx)
}

func (c *BreakerCache) Close() error {
	return c.inner.Close()
}
