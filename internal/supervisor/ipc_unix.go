//go:build !windows

package supervisor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

const ipcNetwork = "unix"

// maxUnixSocketPath is the maximum length for a Unix domain socket path.
// macOS limits this to 104 bytes; Linux allows 108.
const maxUnixSocketPath = 104

// createIPCSocket creates a Unix domain socket at path with permissions
// 0600. Paths over the OS limit fall back to os.TempDir().
func createIPCSocket(path string) (string, net.Listener, error) {
	if len(path) >= maxUnixSocketPath {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("hostd-%d.sock", os.Getpid()))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, fmt.Errorf("supervisor: create run dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", nil, fmt.Errorf("supervisor: remove stale socket: %w", err)
	}

	listener, err := net.Listen(ipcNetwork, path)
	if err != nil {
		return "", nil, fmt.Errorf("supervisor: listen on %s: %w", path, err)
	}
	if ul, ok := listener.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		os.Remove(path)
		return "", nil, fmt.Errorf("supervisor: chmod socket: %w", err)
	}
	return path, listener, nil
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}
