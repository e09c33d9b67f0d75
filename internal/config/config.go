// Package config provides configuration loading for the preflight
// service. Configuration sources (in priority order): env vars > config
// file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the SQLite database (default "/var/lib/preflightd")
	DataDir string `json:"data_dir"`

	// Database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`
	// DSN overrides the derived SQLite path; required for postgres
	DSN string `json:"dsn,omitempty"`

	// Root directory artifact paths must resolve under
	ArtifactRoot string `json:"artifact_root"`
	// Per-file artifact size bound in MB
	MaxArtifactSizeMB int64 `json:"max_artifact_size_mb"`

	// Alert policy and notification channel documents
	PolicyPath  string `json:"policy_path,omitempty"`
	ChannelPath string `json:"channel_path,omitempty"`

	// Alert evaluation loop
	AlertsSchedulerEnabled bool   `json:"alerts_scheduler_enabled"`
	AlertsAutoStart        bool   `json:"alerts_auto_start"`
	AlertsIntervalSeconds  int    `json:"alerts_interval_seconds"`
	AlertsLeaseEnabled     bool   `json:"alerts_lease_enabled"`
	AlertsLeaseName        string `json:"alerts_lease_name"`
	AlertsCron             string `json:"alerts_cron,omitempty"`

	// Notification dispatch loop
	NotificationsSchedulerEnabled bool   `json:"notifications_scheduler_enabled"`
	NotificationsIntervalSeconds  int    `json:"notifications_interval_seconds"`
	DispatchBatchSize             int    `json:"dispatch_batch_size"`
	NotificationsCron             string `json:"notifications_cron,omitempty"`

	// AllowManualEvaluate opens POST evaluate to operators
	AllowManualEvaluate bool `json:"allow_manual_evaluate"`
	// MetricsAuthDisabled exempts the metrics endpoint from auth
	MetricsAuthDisabled bool `json:"metrics_auth_disabled"`

	// Audit retention for the purge job, in days
	AuditRetentionDays int `json:"audit_retention_days"`

	// OTLP trace exporter endpoint; empty disables tracing
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:                    ":8080",
		DataDir:                       "/var/lib/preflightd",
		Driver:                        "sqlite",
		ArtifactRoot:                  "/var/lib/preflightd/artifacts",
		MaxArtifactSizeMB:             64,
		AlertsSchedulerEnabled:        true,
		AlertsAutoStart:               true,
		AlertsIntervalSeconds:         300,
		AlertsLeaseEnabled:            true,
		AlertsLeaseName:               "preflight",
		NotificationsSchedulerEnabled: true,
		NotificationsIntervalSeconds:  30,
		DispatchBatchSize:             50,
		AuditRetentionDays:            90,
		LogLevel:                      "info",
	}
}

// Load reads configuration from a file, then overlays environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("PREFLIGHT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PREFLIGHT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PREFLIGHT_DB_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := os.Getenv("PREFLIGHT_DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("PREFLIGHT_ARTIFACT_ROOT"); v != "" {
		cfg.ArtifactRoot = v
	}
	if v := os.Getenv("PREFLIGHT_MAX_ARTIFACT_SIZE_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxArtifactSizeMB = n
		}
	}
	if v := os.Getenv("PREFLIGHT_ALERT_POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("PREFLIGHT_NOTIFICATION_CHANNELS_PATH"); v != "" {
		cfg.ChannelPath = v
	}
	if v := os.Getenv("PREFLIGHT_ALERTS_SCHEDULER_ENABLED"); v != "" {
		cfg.AlertsSchedulerEnabled = isTrue(v)
	}
	if v := os.Getenv("PREFLIGHT_ALERTS_SCHEDULER_AUTO_START"); v != "" {
		cfg.AlertsAutoStart = isTrue(v)
	}
	if v := os.Getenv("PREFLIGHT_ALERTS_SCHEDULER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AlertsIntervalSeconds = n
		}
	}
	if v := os.Getenv("PREFLIGHT_ALERTS_SCHEDULER_LEASE_ENABLED"); v != "" {
		cfg.AlertsLeaseEnabled = isTrue(v)
	}
	if v := os.Getenv("PREFLIGHT_ALERTS_SCHEDULER_LEASE_NAME"); v != "" {
		cfg.AlertsLeaseName = v
	}
	if v := os.Getenv("PREFLIGHT_ALERTS_SCHEDULER_SCHEDULE"); v != "" {
		cfg.AlertsCron = v
	}
	if v := os.Getenv("PREFLIGHT_NOTIFICATIONS_SCHEDULER_ENABLED"); v != "" {
		cfg.NotificationsSchedulerEnabled = isTrue(v)
	}
	if v := os.Getenv("PREFLIGHT_NOTIFICATIONS_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NotificationsIntervalSeconds = n
		}
	}
	if v := os.Getenv("PREFLIGHT_NOTIFICATIONS_DISPATCH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DispatchBatchSize = n
		}
	}
	if v := os.Getenv("PREFLIGHT_NOTIFICATIONS_SCHEDULE"); v != "" {
		cfg.NotificationsCron = v
	}
	if v := os.Getenv("PREFLIGHT_ALERTS_ALLOW_EVALUATE"); v != "" {
		cfg.AllowManualEvaluate = isTrue(v)
	}
	if v := os.Getenv("DIAGNOSTICS_METRICS_AUTH_DISABLED"); v != "" {
		cfg.MetricsAuthDisabled = isTrue(v)
	}
	if v := os.Getenv("PREFLIGHT_AUDIT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AuditRetentionDays = n
		}
	}
	if v := os.Getenv("PREFLIGHT_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("PREFLIGHT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// DatabaseDSN returns the configured DSN, deriving the SQLite file path
// under DataDir when unset.
func (c Config) DatabaseDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return c.DataDir + "/preflight.db"
}

// AlertsInterval returns the evaluation loop cadence.
func (c Config) AlertsInterval() time.Duration {
	return time.Duration(c.AlertsIntervalSeconds) * time.Second
}

// NotificationsInterval returns the dispatch loop cadence.
func (c Config) NotificationsInterval() time.Duration {
	return time.Duration(c.NotificationsIntervalSeconds) * time.Second
}

// AlertsLease returns the lease name for the evaluation loop.
func (c Config) AlertsLease() string { return c.AlertsLeaseName + ":alerts" }

// NotificationsLease returns the lease name for the dispatch loop.
func (c Config) NotificationsLease() string { return c.AlertsLeaseName + ":notifications" }

func isTrue(v string) bool { return v == "true" || v == "1" }
