package cache

import (
	"context"
	"time"
)

// Store is the shared counter/cache surface behind rate limiting and the
// appeal-submission throttle. Redis backs it when configured; otherwise the
// database store keeps limits consistent for single-instance deployments.
type Store interface {
	// IncrementWithTTL bumps key's counter, starting a new window of the
	// given length when none is running, and reports the count plus the
	// time left in the window.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}
