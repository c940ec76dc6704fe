// Package config loads the service's TOML configuration file.
// The file lives at ~/.scalar/service.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over
// file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the service configuration file.
// Field names map to snake_case TOML keys via struct tags.
type Config struct {
	// DataDir holds the registry, its lockfile, the maintenance pause file
	// and, unless overridden, the audit database.
	// Default: ~/.scalar
	DataDir string `toml:"data_dir"`

	// ServiceSocket is the channel the service listens on. Any local
	// account may connect to it.
	// Default: /var/run/scalar/service.sock
	ServiceSocket string `toml:"service_socket"`

	// UISocket is the channel the per-session UI process listens on. A
	// "{uid}" in the path is replaced with the uid the UI runs as.
	// Default: /run/user/{uid}/scalar/ui.sock
	UISocket string `toml:"ui_socket"`

	// UIExecutable is started to (re)launch the UI process.
	// Default: the running binary.
	UIExecutable string `toml:"ui_executable"`

	// UIProcessName is matched exactly by pkill before a relaunch. When
	// empty the UI is found by its command line instead.
	UIProcessName string `toml:"ui_process_name"`

	// ScalarExecutable runs maintenance tasks and mounts.
	// Default: scalar (looked up on PATH)
	ScalarExecutable string `toml:"scalar_executable"`

	// ServiceName is passed to maintenance runs so they know who started them.
	// Default: Scalar.Service
	ServiceName string `toml:"service_name"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFile receives log output. Empty logs to stderr.
	LogFile string `toml:"log_file"`

	// AuditDB is the SQLite database recording dispatches and notifications.
	// Default: <data_dir>/audit.db
	AuditDB string `toml:"audit_db"`

	// AuditMaxRows bounds each audit table. Default: 10000
	AuditMaxRows int `toml:"audit_max_rows"`

	// SweepWorkers bounds concurrent maintenance runs within one sweep.
	// Default: 4
	SweepWorkers int `toml:"sweep_workers"`

	// MaintenanceTimeoutSeconds bounds a single maintenance run. Zero means
	// no limit.
	MaintenanceTimeoutSeconds int `toml:"maintenance_timeout_seconds"`

	// RequestsPerSecond and RequestBurst rate-limit accepted connections.
	// Default: 50 per second, burst 100.
	RequestsPerSecond float64 `toml:"requests_per_second"`
	RequestBurst      int     `toml:"request_burst"`

	// DisableSchedule turns off recurring maintenance.
	// Default: false
	DisableSchedule bool `toml:"disable_schedule"`

	// LaunchStrategy selects how processes run as the repo owner:
	// credential, sudo or direct.
	// Default: credential
	LaunchStrategy string `toml:"launch_strategy"`

	// LockStaleAfterSeconds is how old a registry lockfile must be before it
	// is broken. Default: 3600
	LockStaleAfterSeconds int `toml:"lock_stale_after_seconds"`
}

// WithDefaults returns a copy of c with every unset field filled in.
// Paths beginning with ~/ are expanded against home.
func (c Config) WithDefaults(home string) Config {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(home, DefaultDataDirName)
	}
	c.DataDir = ExpandHome(c.DataDir, home)

	if c.ServiceSocket == "" {
		c.ServiceSocket = DefaultServiceSocket
	}
	if c.UISocket == "" {
		c.UISocket = DefaultUISocket
	}
	if c.AuditDB == "" {
		c.AuditDB = filepath.Join(c.DataDir, DefaultAuditDBName)
	}
	c.ServiceSocket = ExpandHome(c.ServiceSocket, home)
	c.UISocket = ExpandHome(c.UISocket, home)
	c.AuditDB = ExpandHome(c.AuditDB, home)
	c.LogFile = ExpandHome(c.LogFile, home)
	c.UIExecutable = ExpandHome(c.UIExecutable, home)
	c.ScalarExecutable = ExpandHome(c.ScalarExecutable, home)

	if c.ScalarExecutable == "" {
		c.ScalarExecutable = DefaultScalarExecutable
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.AuditMaxRows == 0 {
		c.AuditMaxRows = DefaultAuditMaxRows
	}
	if c.SweepWorkers <= 0 {
		c.SweepWorkers = DefaultSweepWorkers
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = DefaultRequestBurst
	}
	if c.LaunchStrategy == "" {
		c.LaunchStrategy = DefaultLaunchStrategy
	}
	if c.LockStaleAfterSeconds <= 0 {
		c.LockStaleAfterSeconds = DefaultLockStaleAfterSeconds
	}
	return c
}

// UISocketFor returns the UI channel of the account with uid.
func (c Config) UISocketFor(uid uint32) string {
	return strings.ReplaceAll(c.UISocket, UIDPlaceholder, strconv.FormatUint(uint64(uid), 10))
}

// LockStaleAfter returns LockStaleAfterSeconds as a duration.
func (c Config) LockStaleAfter() time.Duration {
	return time.Duration(c.LockStaleAfterSeconds) * time.Second
}

// MaintenanceTimeout returns MaintenanceTimeoutSeconds as a duration.
func (c Config) MaintenanceTimeout() time.Duration {
	return time.Duration(c.MaintenanceTimeoutSeconds) * time.Second
}

// ExpandHome replaces a leading ~/ with home.
func ExpandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location: ~/.scalar/service.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DefaultDataDirName, DefaultConfigFileName), nil
}

// WriteDefault creates a commented starter config at path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# Scalar service configuration
# Every key is optional; the values below are the defaults.

# data_dir = "~/%s"
# service_socket = %q
# ui_socket = %q
# scalar_executable = %q
# log_level = %q
# launch_strategy = %q
# sweep_workers = %d
# requests_per_second = %g
# request_burst = %d
# audit_max_rows = %d
# disable_schedule = false
`, DefaultDataDirName, DefaultServiceSocket, DefaultUISocket, DefaultScalarExecutable, DefaultLogLevel, DefaultLaunchStrategy,
		DefaultSweepWorkers, DefaultRequestsPerSecond, DefaultRequestBurst, DefaultAuditMaxRows)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.scalar/service.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in config file %s", undecoded[0].String(), path)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LaunchStrategy {
	case "", "credential", "sudo", "direct":
	default:
		return fmt.Errorf("launch_strategy must be credential, sudo or direct, got %q", c.LaunchStrategy)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.SweepWorkers < 0 || c.RequestBurst < 0 || c.RequestsPerSecond < 0 {
		return fmt.Errorf("sweep_workers, requests_per_second and request_burst cannot be negative")
	}
	return nil
}
