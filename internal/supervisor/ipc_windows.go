//go:build windows

package supervisor

import (
	"fmt"
	"net"
)

const ipcNetwork = "tcp"

// createIPCSocket listens on TCP loopback with a dynamic port. The path is
// ignored; the returned address is what the child dials.
func createIPCSocket(string) (string, net.Listener, error) {
	listener, err := net.Listen(ipcNetwork, "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("supervisor: listen tcp loopback: %w", err)
	}
	return listener.Addr().String(), listener, nil
}

func cleanupSocket(string) {}
