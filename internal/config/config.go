package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config holds broker settings loaded from broker.yaml.
type Config struct {
	DataDir                  string `mapstructure:"data_dir"`
	ManifestPath             string `mapstructure:"manifest_path"`
	LogLevel                 string `mapstructure:"log_level"`
	LogFormat                string `mapstructure:"log_format"`
	LogFile                  string `mapstructure:"log_file"`
	PermissionTTLSeconds     int    `mapstructure:"permission_ttl_seconds"`
	PreviewTTLSeconds        int    `mapstructure:"preview_ttl_seconds"`
	MaxConcurrentExecutions  int    `mapstructure:"max_concurrent_executions"`
	ExecutionQueueSize       int    `mapstructure:"execution_queue_size"`
	DefaultTimeoutSeconds    int    `mapstructure:"default_timeout_seconds"`
	AuditMaxSizeMB           int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups          int    `mapstructure:"audit_max_backups"`
	HelperSocketPath         string `mapstructure:"helper_socket_path"`
	HelperMinVersion         string `mapstructure:"helper_min_version"`
	AutomationRiskExpr       string `mapstructure:"automation_risk_expr"`
	AutomationProbeTimeoutMS int    `mapstructure:"automation_probe_timeout_ms"`
}

func Default() *Config {
	return &Config{
		DataDir:                  defaultDataDir(),
		LogLevel:                 "info",
		LogFormat:                "text",
		PermissionTTLSeconds:     60,
		PreviewTTLSeconds:        120,
		MaxConcurrentExecutions:  4,
		ExecutionQueueSize:       32,
		DefaultTimeoutSeconds:    300,
		AuditMaxSizeMB:           50,
		AuditMaxBackups:          3,
		AutomationProbeTimeoutMS: 2000,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("broker")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SWEEP")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("data_dir", cfg.DataDir)
	viper.Set("manifest_path", cfg.ManifestPath)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_file", cfg.LogFile)
	viper.Set("permission_ttl_seconds", cfg.PermissionTTLSeconds)
	viper.Set("preview_ttl_seconds", cfg.PreviewTTLSeconds)
	viper.Set("max_concurrent_executions", cfg.MaxConcurrentExecutions)
	viper.Set("execution_queue_size", cfg.ExecutionQueueSize)
	viper.Set("default_timeout_seconds", cfg.DefaultTimeoutSeconds)
	viper.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	viper.Set("audit_max_backups", cfg.AuditMaxBackups)
	viper.Set("helper_socket_path", cfg.HelperSocketPath)
	viper.Set("helper_min_version", cfg.HelperMinVersion)
	viper.Set("automation_risk_expr", cfg.AutomationRiskExpr)
	viper.Set("automation_probe_timeout_ms", cfg.AutomationProbeTimeoutMS)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "broker.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the configured data directory for broker state
// (audit log, permission records, preview tokens).
func (c *Config) GetDataDir() string {
	if c != nil && c.DataDir != "" {
		return c.DataDir
	}
	return defaultDataDir()
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Sweep")
	case "darwin":
		return "/Library/Application Support/Sweep"
	default:
		return "/etc/sweep"
	}
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Sweep", "data")
	case "darwin":
		return "/Library/Application Support/Sweep/data"
	default:
		return "/var/lib/sweep"
	}
}
