//go:build !darwin

package automation

import (
	"context"

	"github.com/sweepkit/broker/internal/executor"
)

// unsupportedBridge refuses all automation on platforms without an
// application scripting interface.
type unsupportedBridge struct{}

// NewPlatformBridge returns the automation bridge for this platform.
func NewPlatformBridge() Bridge {
	return &unsupportedBridge{}
}

func (b *unsupportedBridge) Run(ctx context.Context, req ScriptRequest) (string, error) {
	return "", executor.NewError(executor.ErrUnsupportedOp, "application automation is not supported on this platform")
}

func (b *unsupportedBridge) AppInstalled(ctx context.Context, bundleID string) (bool, error) {
	return false, nil
}
