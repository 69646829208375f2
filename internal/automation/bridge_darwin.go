//go:build darwin

package automation

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/sweepkit/broker/internal/executor"
)

// osascriptBridge runs AppleScript through /usr/bin/osascript. Error codes
// surface on stderr as "(-NNNN)" suffixes.
type osascriptBridge struct{}

// NewPlatformBridge returns the macOS automation bridge.
func NewPlatformBridge() Bridge {
	return &osascriptBridge{}
}

var aeErrorCode = regexp.MustCompile(`\((-\d+)\)\s*$`)

func (b *osascriptBridge) Run(ctx context.Context, req ScriptRequest) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/usr/bin/osascript", "-e", req.Script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return strings.TrimSpace(stdout.String()), nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", executor.NewError(executor.ErrTimeout, "automation script exceeded its time limit")
	}
	if ctx.Err() != nil {
		return "", executor.WrapError(executor.ErrCancelled, ctx.Err())
	}

	detail := strings.TrimSpace(stderr.String())
	if m := aeErrorCode.FindStringSubmatch(detail); m != nil {
		code, convErr := strconv.Atoi(m[1])
		if convErr == nil {
			return "", appleEventError(code, detail)
		}
	}
	return "", &executor.Error{
		Kind:    executor.ErrScriptFailed,
		Message: "automation script failed",
		Err:     errors.New(detail),
	}
}

// AppInstalled asks Launch Services for the application by bundle id.
func (b *osascriptBridge) AppInstalled(ctx context.Context, bundleID string) (bool, error) {
	cmd := exec.CommandContext(ctx, "/usr/bin/mdfind",
		"kMDItemCFBundleIdentifier == "+strconv.Quote(bundleID))
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}
