//go:build windows

package elevate

import "golang.org/x/sys/windows"

// currentSID returns the SID of the current process token. The helper
// cross-checks it against the pipe client's verified token SID.
func currentSID() string {
	token := windows.GetCurrentProcessToken()
	user, err := token.GetTokenUser()
	if err != nil {
		return ""
	}
	return user.User.Sid.String()
}
