//go:build !windows

package main

import (
	"os"
	"syscall"
)

// shutdownSignals stop the host; SIGUSR2 is sent by process managers that
// recycle the host.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2}
}
