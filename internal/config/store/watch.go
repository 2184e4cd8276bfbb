package store

import (
	"context"
	"errors"
	"time"
)

// MinWatchInterval is the fastest polling rate Watch accepts.
const MinWatchInterval = 100 * time.Millisecond

// Watch polls the revision counter and sends every new value. Revisions
// written by other processes sharing the database are seen too. The channel
// closes when ctx ends. Transient read errors are retried on the next tick.
func (s *Store) Watch(ctx context.Context, interval time.Duration) (<-chan int64, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("config: watch on closed store")
	}
	interval = max(interval, MinWatchInterval)

	last, err := s.Revision(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan int64, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			rev, err := s.Revision(ctx)
			if err != nil || rev == last {
				continue
			}
			select {
			case out <- rev:
				last = rev
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
