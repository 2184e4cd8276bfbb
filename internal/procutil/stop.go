// Package procutil signals and waits for host processes by pid.
package procutil

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const pollInterval = 50 * time.Millisecond

// ErrStillRunning is returned when a process outlived every request to stop.
var ErrStillRunning = errors.New("procutil: process still running")

// WaitForExit polls until pid is gone or ctx ends.
func WaitForExit(ctx context.Context, pid int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !IsProcessAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: pid %d: %v", ErrStillRunning, pid, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop terminates pid and waits up to grace for it to exit, then kills it.
// A pid that is already gone is not an error.
func Stop(ctx context.Context, pid int, grace time.Duration) error {
	if !IsProcessAlive(pid) {
		return nil
	}
	if err := TerminateByPID(pid); err != nil {
		return fmt.Errorf("procutil: terminate %d: %w", pid, err)
	}

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	err := WaitForExit(graceCtx, pid)
	cancel()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	if err := KillByPID(pid); err != nil && IsProcessAlive(pid) {
		return fmt.Errorf("procutil: kill %d: %w", pid, err)
	}
	killCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return WaitForExit(killCtx, pid)
}
