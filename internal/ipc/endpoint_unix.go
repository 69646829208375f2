//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Listen creates the helper's unix socket. Owner-only permissions: the
// socket accepts connections from any local process, but peers are then
// verified with kernel credentials, so the mode is defense in depth.
func Listen(socketPath string) (net.Listener, error) {
	// Remove stale socket file
	os.Remove(socketPath)

	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ipc: mkdir %s: %w", dir, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", socketPath, err)
	}

	if err := os.Chmod(socketPath, 0666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("ipc: chmod %s: %w", socketPath, err)
	}

	return listener, nil
}

// Dial connects to the helper's unix socket.
func Dial(socketPath string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect to %s: %w", socketPath, err)
	}
	return conn, nil
}
