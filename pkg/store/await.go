package store

import (
	"context"
	"time"
)

const awaitPollInterval = 25 * time.Millisecond

// AwaitCondition polls the predicate against fresh snapshots until it
// returns true or the timeout elapses. On timeout it returns
// ErrAwaitTimeout so callers can distinguish "committed but not yet
// observable" from outright failure. The predicate must be read-only.
func AwaitCondition(ctx context.Context, timeout time.Duration, pred func(s *Snap) bool) error {
	deadline := time.Now().Add(timeout)
	for {
		var ok bool
		if err := View(func(s *Snap) error {
			ok = pred(s)
			return nil
		}); err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrAwaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(awaitPollInterval):
		}
	}
}
