package config

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must abort startup from ones that
// are auto-corrected and only reported.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config for invalid values. Values that would
// break the run outright (unusable port, garbage serial) are fatal; out of
// range intervals are clamped to a safe value and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.Port < 1 || c.Port > 65535 {
		result.Fatals = append(result.Fatals, fmt.Errorf("port %d is outside the valid range 1-65535", c.Port))
	}

	if c.Serial != "" {
		for _, r := range c.Serial {
			if unicode.IsControl(r) || unicode.IsSpace(r) {
				result.Fatals = append(result.Fatals, fmt.Errorf("serial contains whitespace or control characters"))
				break
			}
		}
	}

	if strings.TrimSpace(c.Apk) == "" {
		def := Default()
		result.Warnings = append(result.Warnings, fmt.Errorf("apk path is empty, using %q", def.Apk))
		c.Apk = def.Apk
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	// Clamp intervals to a safe range. Zero connect timeout is allowed and
	// means wait indefinitely.
	if c.ConnectTimeoutSeconds < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("connect_timeout_seconds %d is negative, clamping to 0", c.ConnectTimeoutSeconds))
		c.ConnectTimeoutSeconds = 0
	} else if c.ConnectTimeoutSeconds > 300 {
		result.Warnings = append(result.Warnings, fmt.Errorf("connect_timeout_seconds %d exceeds maximum 300, clamping", c.ConnectTimeoutSeconds))
		c.ConnectTimeoutSeconds = 300
	}

	if c.StartupDelaySeconds < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("startup_delay_seconds %d is negative, clamping to 0", c.StartupDelaySeconds))
		c.StartupDelaySeconds = 0
	} else if c.StartupDelaySeconds > 60 {
		result.Warnings = append(result.Warnings, fmt.Errorf("startup_delay_seconds %d exceeds maximum 60, clamping", c.StartupDelaySeconds))
		c.StartupDelaySeconds = 60
	}

	if c.PermissionPollIntervalSeconds < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("permission_poll_interval_seconds %d is below minimum 1, clamping", c.PermissionPollIntervalSeconds))
		c.PermissionPollIntervalSeconds = 1
	} else if c.PermissionPollIntervalSeconds > 60 {
		result.Warnings = append(result.Warnings, fmt.Errorf("permission_poll_interval_seconds %d exceeds maximum 60, clamping", c.PermissionPollIntervalSeconds))
		c.PermissionPollIntervalSeconds = 60
	}

	if c.PermissionPollTimeoutSeconds < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("permission_poll_timeout_seconds %d is below minimum 1, clamping", c.PermissionPollTimeoutSeconds))
		c.PermissionPollTimeoutSeconds = 1
	} else if c.PermissionPollTimeoutSeconds > 600 {
		result.Warnings = append(result.Warnings, fmt.Errorf("permission_poll_timeout_seconds %d exceeds maximum 600, clamping", c.PermissionPollTimeoutSeconds))
		c.PermissionPollTimeoutSeconds = 600
	}

	// Log warnings here so auto-corrections are visible regardless of caller
	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return result
}
