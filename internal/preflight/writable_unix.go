//go:build !windows

package preflight

import "golang.org/x/sys/unix"

// pathWritable checks write access for the effective uid without creating
// anything (preflight checks must be side-effect free).
func pathWritable(path string) (bool, error) {
	err := unix.Access(path, unix.W_OK)
	if err == unix.EACCES || err == unix.EROFS || err == unix.ENOENT {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
