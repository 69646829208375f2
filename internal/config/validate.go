package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would break the dispatch queue are clamped to
// safe defaults. Other validation errors are logged as warnings but do not
// prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.HelperMinVersion != "" {
		if _, err := semver.NewVersion(c.HelperMinVersion); err != nil {
			errs = append(errs, fmt.Errorf("helper_min_version %q is not valid semver: %w", c.HelperMinVersion, err))
		}
	}

	// Clamp TTLs: a zero permission TTL would force a probe on every status
	// call; a huge one defeats revocation detection.
	if c.PermissionTTLSeconds < 1 {
		errs = append(errs, fmt.Errorf("permission_ttl_seconds %d is below minimum 1, clamping", c.PermissionTTLSeconds))
		c.PermissionTTLSeconds = 1
	} else if c.PermissionTTLSeconds > 600 {
		errs = append(errs, fmt.Errorf("permission_ttl_seconds %d exceeds maximum 600, clamping", c.PermissionTTLSeconds))
		c.PermissionTTLSeconds = 600
	}

	if c.PreviewTTLSeconds < 10 {
		errs = append(errs, fmt.Errorf("preview_ttl_seconds %d is below minimum 10, clamping", c.PreviewTTLSeconds))
		c.PreviewTTLSeconds = 10
	} else if c.PreviewTTLSeconds > 3600 {
		errs = append(errs, fmt.Errorf("preview_ttl_seconds %d exceeds maximum 3600, clamping", c.PreviewTTLSeconds))
		c.PreviewTTLSeconds = 3600
	}

	// Clamp concurrency settings to safe range
	if c.MaxConcurrentExecutions < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_executions %d is below minimum 1, clamping", c.MaxConcurrentExecutions))
		c.MaxConcurrentExecutions = 1
	} else if c.MaxConcurrentExecutions > 64 {
		errs = append(errs, fmt.Errorf("max_concurrent_executions %d exceeds maximum 64, clamping", c.MaxConcurrentExecutions))
		c.MaxConcurrentExecutions = 64
	}

	if c.ExecutionQueueSize < 1 {
		errs = append(errs, fmt.Errorf("execution_queue_size %d is below minimum 1, clamping", c.ExecutionQueueSize))
		c.ExecutionQueueSize = 1
	} else if c.ExecutionQueueSize > 1024 {
		errs = append(errs, fmt.Errorf("execution_queue_size %d exceeds maximum 1024, clamping", c.ExecutionQueueSize))
		c.ExecutionQueueSize = 1024
	}

	if c.DefaultTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("default_timeout_seconds %d is below minimum 1, clamping", c.DefaultTimeoutSeconds))
		c.DefaultTimeoutSeconds = 1
	} else if c.DefaultTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("default_timeout_seconds %d exceeds maximum 3600, clamping", c.DefaultTimeoutSeconds))
		c.DefaultTimeoutSeconds = 3600
	}

	if c.AutomationProbeTimeoutMS < 100 {
		errs = append(errs, fmt.Errorf("automation_probe_timeout_ms %d is below minimum 100, clamping", c.AutomationProbeTimeoutMS))
		c.AutomationProbeTimeoutMS = 100
	} else if c.AutomationProbeTimeoutMS > 30000 {
		errs = append(errs, fmt.Errorf("automation_probe_timeout_ms %d exceeds maximum 30000, clamping", c.AutomationProbeTimeoutMS))
		c.AutomationProbeTimeoutMS = 30000
	}

	// Log validation errors as warnings
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
