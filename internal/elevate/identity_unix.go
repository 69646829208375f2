//go:build !windows

package elevate

// currentSID is only meaningful on Windows.
func currentSID() string { return "" }
