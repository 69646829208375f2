package elevate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// helperBinaryName is the helper executable expected next to the broker.
const helperBinaryName = "sweepd-helper"

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.sweepkit.helper</string>
	<key>ProgramArguments</key>
	<array>
		<string>/Library/PrivilegedHelperTools/sweepd-helper</string>
		<string>serve</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
</dict>
</plist>
`

const systemdUnit = `[Unit]
Description=Sweep privileged helper
After=network.target

[Service]
Type=simple
ExecStart=/usr/local/libexec/sweepd-helper serve
Restart=on-failure

[Install]
WantedBy=multi-user.target
`

// Install performs the explicit, user-consented helper installation. The
// OS-native authorization prompt is the consent step; nothing here
// escalates silently. The freshly installed helper is probed before
// reporting success.
func Install(ctx context.Context, minVersion string) error {
	helperPath, err := findHelperBinary()
	if err != nil {
		return err
	}

	switch runtime.GOOS {
	case "darwin":
		if err := installDarwin(ctx, helperPath); err != nil {
			return err
		}
	case "linux":
		if err := installLinux(ctx, helperPath); err != nil {
			return err
		}
	case "windows":
		if err := installWindows(ctx, helperPath); err != nil {
			return err
		}
	default:
		return fmt.Errorf("elevate: helper install not supported on %s", runtime.GOOS)
	}

	// The service manager may take a moment to bring the socket up.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		info := CheckHelper(ctx, "", minVersion)
		if info.Status == HelperUpToDate {
			log.Info("helper installed", "version", info.HelperVersion)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("elevate: helper installed but did not come up; check the service log")
}

// findHelperBinary locates the helper executable shipped alongside the
// broker binary.
func findHelperBinary() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("elevate: locate own binary: %w", err)
	}
	name := helperBinaryName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	path := filepath.Join(filepath.Dir(exe), name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("elevate: helper binary not found at %s: %w", path, err)
	}
	return path, nil
}

// installDarwin stages the helper and its launchd plist, then runs the
// install script through osascript's administrator prompt.
func installDarwin(ctx context.Context, helperPath string) error {
	stageDir, err := os.MkdirTemp("", "sweep-helper-install")
	if err != nil {
		return fmt.Errorf("elevate: stage install: %w", err)
	}
	defer os.RemoveAll(stageDir)

	plistPath := filepath.Join(stageDir, "com.sweepkit.helper.plist")
	if err := os.WriteFile(plistPath, []byte(launchdPlist), 0644); err != nil {
		return fmt.Errorf("elevate: write plist: %w", err)
	}

	script := strings.Join([]string{
		"mkdir -p /Library/PrivilegedHelperTools",
		fmt.Sprintf("install -o root -g wheel -m 0755 %s /Library/PrivilegedHelperTools/%s", shellQuote(helperPath), helperBinaryName),
		fmt.Sprintf("install -o root -g wheel -m 0644 %s /Library/LaunchDaemons/com.sweepkit.helper.plist", shellQuote(plistPath)),
		"launchctl bootout system/com.sweepkit.helper 2>/dev/null || true",
		"launchctl bootstrap system /Library/LaunchDaemons/com.sweepkit.helper.plist",
	}, " && ")

	osa := fmt.Sprintf("do shell script %q with administrator privileges", script)
	cmd := exec.CommandContext(ctx, "/usr/bin/osascript", "-e", osa)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("elevate: install declined or failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// installLinux installs the helper and a systemd unit through pkexec.
func installLinux(ctx context.Context, helperPath string) error {
	stageDir, err := os.MkdirTemp("", "sweep-helper-install")
	if err != nil {
		return fmt.Errorf("elevate: stage install: %w", err)
	}
	defer os.RemoveAll(stageDir)

	unitPath := filepath.Join(stageDir, "sweepd-helper.service")
	if err := os.WriteFile(unitPath, []byte(systemdUnit), 0644); err != nil {
		return fmt.Errorf("elevate: write unit: %w", err)
	}

	script := strings.Join([]string{
		"mkdir -p /usr/local/libexec",
		fmt.Sprintf("install -o root -g root -m 0755 %s /usr/local/libexec/%s", shellQuote(helperPath), helperBinaryName),
		fmt.Sprintf("install -o root -g root -m 0644 %s /etc/systemd/system/sweepd-helper.service", shellQuote(unitPath)),
		"systemctl daemon-reload",
		"systemctl enable --now sweepd-helper.service",
	}, " && ")

	cmd := exec.CommandContext(ctx, "pkexec", "/bin/sh", "-c", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("elevate: install declined or failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// installWindows registers the helper as a service. sc.exe triggers the UAC
// prompt when the caller is not elevated.
func installWindows(ctx context.Context, helperPath string) error {
	binPath := fmt.Sprintf(`"%s" serve`, helperPath)
	create := exec.CommandContext(ctx, "sc.exe", "create", "SweepHelper",
		"binPath=", binPath, "start=", "auto", "obj=", "LocalSystem")
	if out, err := create.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if !strings.Contains(msg, "1073") { // service already exists
			return fmt.Errorf("elevate: create service: %w: %s", err, msg)
		}
	}
	start := exec.CommandContext(ctx, "sc.exe", "start", "SweepHelper")
	if out, err := start.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if !strings.Contains(msg, "1056") { // already running
			return fmt.Errorf("elevate: start service: %w: %s", err, msg)
		}
	}
	return nil
}

// shellQuote wraps a path in single quotes for the install scripts. Staged
// paths come from MkdirTemp and contain no single quotes, but quoting keeps
// spaces safe.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
