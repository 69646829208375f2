// Package elevate implements the elevated execution tier. It never runs
// privileged commands itself: every elevated capability is forwarded over
// authenticated IPC to the privileged helper, which holds its own
// compiled-in allowlist and makes the final call.
package elevate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/sweepkit/broker/internal/ipc"
	"github.com/sweepkit/broker/internal/logging"
)

var log = logging.L("elevate")

// HelperStatus is the broker's view of the privileged helper.
type HelperStatus string

const (
	HelperNotInstalled HelperStatus = "not-installed"
	HelperOutdated     HelperStatus = "outdated"
	HelperUpToDate     HelperStatus = "up-to-date"
)

// LifecycleInfo is the result of probing the helper endpoint.
type LifecycleInfo struct {
	Status          HelperStatus `json:"status"`
	HelperVersion   string       `json:"helperVersion,omitempty"`
	MinVersion      string       `json:"minVersion"`
	ProtocolVersion int          `json:"protocolVersion,omitempty"`
}

// CheckHelper probes the helper socket with an unauthenticated ping and
// compares the reported version against the configured minimum. A dead or
// absent endpoint reads as not installed; the distinction between "never
// installed" and "installed but not running" is not observable from here
// and both demand the same user action.
func CheckHelper(ctx context.Context, socketPath, minVersion string) *LifecycleInfo {
	info := &LifecycleInfo{Status: HelperNotInstalled, MinVersion: minVersion}

	if socketPath == "" {
		socketPath = ipc.DefaultSocketPath()
	}
	raw, err := ipc.Dial(socketPath, 2*time.Second)
	if err != nil {
		return info
	}
	conn := ipc.NewConn(raw)
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := conn.SendTyped(uuid.NewString(), ipc.TypePing, nil); err != nil {
		return info
	}
	env, err := conn.Recv()
	if err != nil || env.Type != ipc.TypePong {
		return info
	}

	var pong ipc.Pong
	if err := unmarshalPayload(env, &pong); err != nil {
		return info
	}
	info.HelperVersion = pong.HelperVersion
	info.ProtocolVersion = pong.ProtocolVersion

	if pong.ProtocolVersion != ipc.ProtocolVersion {
		info.Status = HelperOutdated
		return info
	}
	if !versionSatisfies(pong.HelperVersion, minVersion) {
		info.Status = HelperOutdated
		return info
	}
	info.Status = HelperUpToDate
	return info
}

// versionSatisfies reports whether got >= min under semver ordering.
// Unparseable versions read as outdated rather than current.
func versionSatisfies(got, min string) bool {
	gv, err := semver.NewVersion(got)
	if err != nil {
		return false
	}
	mv, err := semver.NewVersion(min)
	if err != nil {
		// A bad configured minimum should not brick the elevated tier.
		log.Warn("invalid minimum helper version in config", "minVersion", min)
		return true
	}
	return !gv.LessThan(mv)
}

func unmarshalPayload(env *ipc.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("elevate: empty %s payload", env.Type)
	}
	return json.Unmarshal(env.Payload, v)
}
