//go:build !windows && !linux

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so a timeout or
// cancel can take down helpers the child spawned, not just the child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the child's whole group. Falls back to
// killing just the child when the group is no longer resolvable.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil || pgid == 0 {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}
