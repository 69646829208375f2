//go:build windows

package ipc

import (
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// SDDL: SYSTEM gets full control, Interactive Users get read/write.
// IU (Interactive Users) restricts to users logged in interactively and
// excludes service accounts, batch jobs, and network logons.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GRGW;;;IU)"

// Listen creates the helper's named pipe listener.
func Listen(pipePath string) (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	}

	listener, err := winio.ListenPipe(pipePath, cfg)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen pipe %s: %w", pipePath, err)
	}
	return listener, nil
}

// Dial connects to the helper's named pipe.
func Dial(pipePath string, timeout time.Duration) (net.Conn, error) {
	conn, err := winio.DialPipe(pipePath, &timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial pipe %s: %w", pipePath, err)
	}
	return conn, nil
}
