//go:build windows

package preflight

import "os"

// pathWritable approximates write access from file attributes. Windows ACL
// evaluation would need an access token round-trip; the read-only attribute
// covers the cases the built-in catalog exercises.
func pathWritable(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().Perm()&0200 != 0, nil
}
