package elevate

import (
	"context"

	"github.com/sweepkit/broker/internal/permission"
)

// HelperProber reports the helper's authorization state to the permission
// gate. The helper being installed and reachable is what "granted" means
// for the elevated tier.
type HelperProber struct {
	SocketPath string
	MinVersion string
}

// Probe checks helper availability. Not installed reads as not-determined
// rather than denied: the user has simply never been asked.
func (p *HelperProber) Probe(ctx context.Context, resource string) (permission.State, error) {
	info := CheckHelper(ctx, p.SocketPath, p.MinVersion)
	switch info.Status {
	case HelperUpToDate:
		return permission.StateGranted, nil
	case HelperOutdated:
		return permission.StateDenied, nil
	}
	return permission.StateNotDetermined, nil
}

// RequestConsent runs the explicit install flow. The OS authorization
// prompt is the consent; declining it leaves the state undetermined.
func (p *HelperProber) RequestConsent(ctx context.Context, resource string) (permission.State, error) {
	if err := Install(ctx, p.MinVersion); err != nil {
		return permission.StateNotDetermined, err
	}
	return p.Probe(ctx, resource)
}

// Remediation describes how to reach the granted state.
func (p *HelperProber) Remediation(resource string) []string {
	return []string{"install or update the privileged helper with: sweepd helper install"}
}
