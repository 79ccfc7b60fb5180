// Package rate throttles order creation per user.
package rate

import (
	"context"
	"time"
)

// Limiter reports whether key may act now and, when it may not, how long
// to wait.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}
