package salesync

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// BackoffPolicy decides how long to wait after a failed attempt.
// attempt is zero-based; retryAfter is the server-supplied hint (zero when absent).
type BackoffPolicy interface {
	Delay(attempt int, retryAfter time.Duration) time.Duration
}

// ExponentialBackoff waits Base * 2^attempt, or the server hint when that is longer.
type ExponentialBackoff struct {
	Base time.Duration
}

const defaultBackoffBase = 2 * time.Second

func (b ExponentialBackoff) Delay(attempt int, retryAfter time.Duration) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base * time.Duration(1<<min(attempt, 10))
	if retryAfter > d {
		return retryAfter
	}
	return d
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
