package cache

import (
	"context"
	"time"
)

// Store is the shared counter store behind request rate limiting.
type Store interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
