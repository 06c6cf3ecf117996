package jobs

import (
	"context"
	"time"
)

// RetryPolicy bounds a wait-and-retry loop: one initial attempt plus up to
// MaxRetries more, Delay apart.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultSchemaRetry waits up to three seconds for a freshly registered
// service definition to become visible.
var DefaultSchemaRetry = RetryPolicy{MaxRetries: 3, Delay: time.Second}

// Do calls fn until it reports done, returns an error, or retries run out.
// Running out of retries is not an error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) (done bool, err error)) error {
	for attempt := 0; ; attempt++ {
		done, err := fn(attempt)
		if err != nil || done || attempt >= p.MaxRetries {
			return err
		}

		t := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
