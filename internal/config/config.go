package config

import (
	"fmt"
	"time"
)

// Config represents the main Hotaru configuration
type Config struct {
	// Data directory for PID file, snapshots and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Path to the build-produced manifest document
	ManifestPath string `json:"manifest_path" mapstructure:"manifest_path"`

	// Root of the project's own build output (project-level handlers)
	BaseDir string `json:"base_dir" mapstructure:"base_dir"`

	// Plugins hosted by this instance
	Plugins []PluginConfig `json:"plugins" mapstructure:"plugins"`

	// Build task run before (re)starting an instance
	Build BuildConfig `json:"build" mapstructure:"build"`

	// Dev-mode supervisor settings
	Dev DevConfig `json:"dev" mapstructure:"dev"`

	// Dispatch and command timeouts
	Timeouts TimeoutsConfig `json:"timeouts" mapstructure:"timeouts"`

	// Gateway connection
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Periodic snapshot persistence
	Autosave AutosaveConfig `json:"autosave" mapstructure:"autosave"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Production suppresses user-visible error detail
	Production bool `json:"production" mapstructure:"production"`
}

// PluginConfig declares one hosted plugin
type PluginConfig struct {
	Name string `json:"name" mapstructure:"name"`
	// Root of this plugin's own build output; handler paths resolve against it
	Root     string         `json:"root" mapstructure:"root"`
	Options  map[string]any `json:"options" mapstructure:"options"`
	FailSafe bool           `json:"fail_safe" mapstructure:"fail_safe"`
}

// BuildConfig configures the rebuild task
type BuildConfig struct {
	Command        []string `json:"command" mapstructure:"command"`
	TimeoutSeconds int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Timeout returns the build timeout as a duration
func (b BuildConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// DevConfig configures the watched dev supervisor
type DevConfig struct {
	// Paths watched for changes
	Watch []string `json:"watch" mapstructure:"watch"`
	// Debounce window for collapsing rapid successive changes
	DebounceMillis int `json:"debounce_millis" mapstructure:"debounce_millis"`
	// Command used to launch a worker; empty means re-exec self with "run --worker"
	WorkerCommand []string `json:"worker_command" mapstructure:"worker_command"`
	// How long to wait for a terminating worker before force-killing it
	ShutdownTimeoutSeconds int `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
	// How long to wait for a get-state response during restart
	SnapshotTimeoutSeconds int `json:"snapshot_timeout_seconds" mapstructure:"snapshot_timeout_seconds"`
	// How long to wait for a new worker to announce itself
	LaunchTimeoutSeconds int `json:"launch_timeout_seconds" mapstructure:"launch_timeout_seconds"`
}

// Debounce returns the debounce window as a duration
func (d DevConfig) Debounce() time.Duration {
	return time.Duration(d.DebounceMillis) * time.Millisecond
}

// ShutdownTimeout returns the worker shutdown timeout as a duration
func (d DevConfig) ShutdownTimeout() time.Duration {
	return time.Duration(d.ShutdownTimeoutSeconds) * time.Second
}

// SnapshotTimeout returns the get-state timeout as a duration
func (d DevConfig) SnapshotTimeout() time.Duration {
	return time.Duration(d.SnapshotTimeoutSeconds) * time.Second
}

// LaunchTimeout returns the worker launch timeout as a duration
func (d DevConfig) LaunchTimeout() time.Duration {
	return time.Duration(d.LaunchTimeoutSeconds) * time.Second
}

// TimeoutsConfig configures dispatch and command deadlines
type TimeoutsConfig struct {
	// Per-handler deadline for lifecycle hooks
	LifecycleSeconds int `json:"lifecycle_seconds" mapstructure:"lifecycle_seconds"`
	// Grace period before a command reply is announced as deferred
	CommandBufferMillis int `json:"command_buffer_millis" mapstructure:"command_buffer_millis"`
	// Deadline for a deferred command to produce its final reply
	CommandSeconds int `json:"command_seconds" mapstructure:"command_seconds"`
}

// Lifecycle returns the lifecycle hook timeout as a duration
func (t TimeoutsConfig) Lifecycle() time.Duration {
	return time.Duration(t.LifecycleSeconds) * time.Second
}

// CommandBuffer returns the deferral buffer as a duration
func (t TimeoutsConfig) CommandBuffer() time.Duration {
	return time.Duration(t.CommandBufferMillis) * time.Millisecond
}

// Command returns the deferred command timeout as a duration
func (t TimeoutsConfig) Command() time.Duration {
	return time.Duration(t.CommandSeconds) * time.Second
}

// GatewayConfig holds gateway client configuration
type GatewayConfig struct {
	URL   string `json:"url" mapstructure:"url"`
	Token string `json:"token" mapstructure:"token"`
}

// AutosaveConfig configures periodic snapshot persistence
type AutosaveConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron spec
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ManifestPath: "dist/manifest.json",
		BaseDir:      "dist",
		Build: BuildConfig{
			Command:        []string{"make", "build"},
			TimeoutSeconds: 120,
		},
		Dev: DevConfig{
			Watch:                  []string{"."},
			DebounceMillis:         200,
			ShutdownTimeoutSeconds: 10,
			SnapshotTimeoutSeconds: 5,
			LaunchTimeoutSeconds:   30,
		},
		Timeouts: TimeoutsConfig{
			LifecycleSeconds:    30,
			CommandBufferMillis: 1000,
			CommandSeconds:      15,
		},
		Autosave: AutosaveConfig{
			Enabled:  true,
			Schedule: "@every 5m",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ManifestPath == "" {
		return fmt.Errorf("manifest_path is required")
	}

	if len(c.Build.Command) == 0 {
		return fmt.Errorf("build.command is required")
	}

	seen := make(map[string]bool, len(c.Plugins))
	for i, p := range c.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugins[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("plugins[%d]: duplicate plugin name %q", i, p.Name)
		}
		seen[p.Name] = true
	}

	if c.Timeouts.LifecycleSeconds <= 0 {
		return fmt.Errorf("timeouts.lifecycle_seconds must be positive")
	}
	if c.Timeouts.CommandBufferMillis <= 0 {
		return fmt.Errorf("timeouts.command_buffer_millis must be positive")
	}
	if c.Timeouts.CommandSeconds <= 0 {
		return fmt.Errorf("timeouts.command_seconds must be positive")
	}

	return nil
}
