package boxd

import (
	"context"
	"time"
)

// retry calls fn up to attempts times, sleeping backoff*n between attempt n
// and n+1 (linear backoff). It returns nil on the first success, the last
// error once the budget is exhausted, or ctx.Err if the context is cancelled
// while waiting.
func retry(ctx context.Context, clock Clock, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for n := 1; n <= attempts; n++ {
		if err = fn(); err == nil {
			return nil
		}
		if n == attempts {
			break
		}
		if sleepErr := sleep(ctx, clock, backoff*time.Duration(n)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// poll calls fn at the given interval until it reports done, the deadline
// elapses, or ctx is cancelled. It returns true iff fn reported done. fn is
// called once immediately before any waiting.
func poll(ctx context.Context, clock Clock, interval, deadline time.Duration, fn func() (bool, error)) (bool, error) {
	limit := clock.Now().Add(deadline)
	for {
		done, err := fn()
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if !clock.Now().Add(interval).Before(limit) {
			return false, nil
		}
		if err := sleep(ctx, clock, interval); err != nil {
			return false, err
		}
	}
}

// sleep blocks for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	woke := make(chan struct{})
	stop := clock.AfterFunc(d, func() { close(woke) })
	select {
	case <-woke:
		return nil
	case <-ctx.Done():
		stop()
		return ctx.Err()
	}
}
