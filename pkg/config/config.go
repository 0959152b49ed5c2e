package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the operational constants of the control plane. All
// values have defaults matching the shipped service intervals; a YAML
// file can override any subset.
type Config struct {
	// MonitorInterval is the pause between health monitor passes.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// TaskPollInterval is the pause between task runner polls.
	TaskPollInterval time.Duration `yaml:"task_poll_interval"`

	// TaskRetryCount is the default retry ceiling for recovery tasks.
	TaskRetryCount int `yaml:"task_retry_count"`

	// ProbeTimeout bounds every individual liveness probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// ProbeRetries is the per-probe retry count on top of the timeout.
	ProbeRetries int `yaml:"probe_retries"`

	// StabilizationWindow is the minimum time a node must have been
	// reachable before it may be declared Online again, damping
	// flapping links.
	StabilizationWindow time.Duration `yaml:"stabilization_window"`

	// DataPort is the fixed NVMe-oF data listener probed on every node.
	DataPort int `yaml:"data_port"`

	// MgmtAPIPort is the node management API listener.
	MgmtAPIPort int `yaml:"mgmt_api_port"`

	// FirewallAPIPort is the node firewall agent listener.
	FirewallAPIPort int `yaml:"firewall_api_port"`

	// RuntimePort is the container runtime API listener.
	RuntimePort int `yaml:"runtime_port"`

	// MetricsAddr is the prometheus listen address.
	MetricsAddr string `yaml:"metrics_addr"`

	// DataDir holds the entity store database.
	DataDir string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MonitorInterval:     5 * time.Second,
		TaskPollInterval:    3 * time.Second,
		TaskRetryCount:      8,
		ProbeTimeout:        5 * time.Second,
		ProbeRetries:        2,
		StabilizationWindow: 30 * time.Second,
		DataPort:            4420,
		MgmtAPIPort:         5000,
		FirewallAPIPort:     5001,
		RuntimePort:         2375,
		MetricsAddr:         ":9090",
		DataDir:             "/var/lib/sbctl",
		LogLevel:            "info",
	}
}

// rawConfig is the file-level shape. Durations are strings in the
// file ("30s", "5m") and absent keys keep the defaults.
type rawConfig struct {
	MonitorInterval     *string `yaml:"monitor_interval"`
	TaskPollInterval    *string `yaml:"task_poll_interval"`
	TaskRetryCount      *int    `yaml:"task_retry_count"`
	ProbeTimeout        *string `yaml:"probe_timeout"`
	ProbeRetries        *int    `yaml:"probe_retries"`
	StabilizationWindow *string `yaml:"stabilization_window"`
	DataPort            *int    `yaml:"data_port"`
	MgmtAPIPort         *int    `yaml:"mgmt_api_port"`
	FirewallAPIPort     *int    `yaml:"firewall_api_port"`
	RuntimePort         *int    `yaml:"runtime_port"`
	MetricsAddr         *string `yaml:"metrics_addr"`
	DataDir             *string `yaml:"data_dir"`
	LogLevel            *string `yaml:"log_level"`
	LogJSON             *bool   `yaml:"log_json"`
}

func setDuration(dst *time.Duration, key string, raw *string) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := setDuration(&cfg.MonitorInterval, "monitor_interval", raw.MonitorInterval); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.TaskPollInterval, "task_poll_interval", raw.TaskPollInterval); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.ProbeTimeout, "probe_timeout", raw.ProbeTimeout); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.StabilizationWindow, "stabilization_window", raw.StabilizationWindow); err != nil {
		return cfg, err
	}
	if raw.TaskRetryCount != nil {
		cfg.TaskRetryCount = *raw.TaskRetryCount
	}
	if raw.ProbeRetries != nil {
		cfg.ProbeRetries = *raw.ProbeRetries
	}
	if raw.DataPort != nil {
		cfg.DataPort = *raw.DataPort
	}
	if raw.MgmtAPIPort != nil {
		cfg.MgmtAPIPort = *raw.MgmtAPIPort
	}
	if raw.FirewallAPIPort != nil {
		cfg.FirewallAPIPort = *raw.FirewallAPIPort
	}
	if raw.RuntimePort != nil {
		cfg.RuntimePort = *raw.RuntimePort
	}
	if raw.MetricsAddr != nil {
		cfg.MetricsAddr = *raw.MetricsAddr
	}
	if raw.DataDir != nil {
		cfg.DataDir = *raw.DataDir
	}
	if raw.LogLevel != nil {
		cfg.LogLevel = *raw.LogLevel
	}
	if raw.LogJSON != nil {
		cfg.LogJSON = *raw.LogJSON
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations outside the supported envelope.
func (c Config) Validate() error {
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}
	if c.TaskPollInterval <= 0 {
		return fmt.Errorf("task_poll_interval must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive")
	}
	if c.StabilizationWindow < 0 {
		return fmt.Errorf("stabilization_window must not be negative")
	}
	return nil
}

// ValidateECProfile rejects erasure-coding shapes the status
// arithmetic does not cover. The strict anti-affinity thresholds are
// defined for parity counts of at most two.
func ValidateECProfile(ndcs, npcs int) error {
	if ndcs < 1 {
		return fmt.Errorf("ndcs must be at least 1, got %d", ndcs)
	}
	if npcs < 0 {
		return fmt.Errorf("npcs must not be negative, got %d", npcs)
	}
	if npcs > 2 {
		return fmt.Errorf("npcs %d is unsupported: status thresholds are defined for npcs <= 2", npcs)
	}
	return nil
}
