package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete stm configuration
type Configuration struct {
	ConfigPath     string // Directory containing config, history, database and daemon socket
	Verbose        int    // Verbosity level
	SSHConfigPath  string // SSH client config to read hosts from
	SocketDir      string // Directory holding ControlMaster sockets
	AutoRestore    bool   // Connect hosts with enabled saved tunnels on daemon start
	MaxRecentHosts int    // Number of hosts kept in the recent list
	WatchSSHConfig bool   // Reload hosts when the SSH config file changes
	LogHistory     int    // Number of log lines kept for streaming clients
	SSH            SSHConfig
	Timeouts       TimeoutConfig
	Health         HealthConfig
}

// SSHConfig represents settings passed to the ssh client
type SSHConfig struct {
	Binary              string   // ssh executable
	ConfigFile          string   // Passed as -F when set
	ServerAliveInterval int      // Send keepalive every N seconds (0 to disable)
	ServerAliveCountMax int      // Exit after N failed keepalives
	Options             []string // Extra -o options for the master connection
}

// TimeoutConfig bounds every external control command
type TimeoutConfig struct {
	Establish time.Duration
	Teardown  time.Duration
	Probe     time.Duration
	Forward   time.Duration
}

// HealthConfig configures the liveness monitor
type HealthConfig struct {
	Interval    time.Duration
	Concurrency int
	WakeGrace   time.Duration
}

// HCL parsing structs

type hclConfig struct {
	Verbose        int          `hcl:"verbose,optional"`
	SSHConfig      string       `hcl:"ssh_config,optional"`
	SocketDir      string       `hcl:"socket_dir,optional"`
	AutoRestore    *bool        `hcl:"auto_restore,optional"`
	MaxRecentHosts int          `hcl:"max_recent_hosts,optional"`
	WatchSSHConfig *bool        `hcl:"watch_ssh_config,optional"`
	LogHistory     int          `hcl:"log_history,optional"`
	SSH            *hclSSH      `hcl:"ssh,block"`
	Timeouts       *hclTimeouts `hcl:"timeouts,block"`
	Health         *hclHealth   `hcl:"health,block"`
}

type hclSSH struct {
	Binary              string   `hcl:"binary,optional"`
	ConfigFile          string   `hcl:"config_file,optional"`
	ServerAliveInterval *int     `hcl:"server_alive_interval,optional"`
	ServerAliveCountMax *int     `hcl:"server_alive_count_max,optional"`
	Options             []string `hcl:"options,optional"`
}

type hclTimeouts struct {
	Establish string `hcl:"establish,optional"`
	Teardown  string `hcl:"teardown,optional"`
	Probe     string `hcl:"probe,optional"`
	Forward   string `hcl:"forward,optional"`
}

type hclHealth struct {
	Interval    string `hcl:"interval,optional"`
	Concurrency int    `hcl:"concurrency,optional"`
	WakeGrace   string `hcl:"wake_grace,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct.
// Every option left out of the file keeps its default.
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose

	if hclCfg.SSHConfig != "" {
		cfg.SSHConfigPath = ExpandHome(hclCfg.SSHConfig)
	}
	if hclCfg.SocketDir != "" {
		cfg.SocketDir = ExpandHome(hclCfg.SocketDir)
	}
	if hclCfg.AutoRestore != nil {
		cfg.AutoRestore = *hclCfg.AutoRestore
	}
	if hclCfg.MaxRecentHosts > 0 {
		cfg.MaxRecentHosts = hclCfg.MaxRecentHosts
	}
	if hclCfg.WatchSSHConfig != nil {
		cfg.WatchSSHConfig = *hclCfg.WatchSSHConfig
	}
	if hclCfg.LogHistory > 0 {
		cfg.LogHistory = hclCfg.LogHistory
	}

	// Convert SSH settings
	if hclCfg.SSH != nil {
		if hclCfg.SSH.Binary != "" {
			cfg.SSH.Binary = hclCfg.SSH.Binary
		}
		if hclCfg.SSH.ConfigFile != "" {
			cfg.SSH.ConfigFile = ExpandHome(hclCfg.SSH.ConfigFile)
		}
		if hclCfg.SSH.ServerAliveInterval != nil {
			cfg.SSH.ServerAliveInterval = *hclCfg.SSH.ServerAliveInterval
		}
		if hclCfg.SSH.ServerAliveCountMax != nil {
			cfg.SSH.ServerAliveCountMax = *hclCfg.SSH.ServerAliveCountMax
		}
		if hclCfg.SSH.Options != nil {
			cfg.SSH.Options = hclCfg.SSH.Options
		}
	}

	if t := hclCfg.Timeouts; t != nil {
		for _, d := range []struct {
			name  string
			value string
			dest  *time.Duration
		}{
			{"timeouts.establish", t.Establish, &cfg.Timeouts.Establish},
			{"timeouts.teardown", t.Teardown, &cfg.Timeouts.Teardown},
			{"timeouts.probe", t.Probe, &cfg.Timeouts.Probe},
			{"timeouts.forward", t.Forward, &cfg.Timeouts.Forward},
		} {
			if err := parsePositiveDuration(d.name, d.value, d.dest); err != nil {
				return nil, err
			}
		}
	}

	if h := hclCfg.Health; h != nil {
		if err := parsePositiveDuration("health.interval", h.Interval, &cfg.Health.Interval); err != nil {
			return nil, err
		}
		if err := parsePositiveDuration("health.wake_grace", h.WakeGrace, &cfg.Health.WakeGrace); err != nil {
			return nil, err
		}
		if h.Concurrency > 0 {
			cfg.Health.Concurrency = h.Concurrency
		}
	}

	return cfg, nil
}

// parsePositiveDuration leaves dest untouched when value is empty
func parsePositiveDuration(name, value string, dest *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s %q: must be positive", name, value)
	}
	*dest = d
	return nil
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Verbose:        0,
		SSHConfigPath:  ExpandHome("~/.ssh/config"),
		AutoRestore:    false,
		MaxRecentHosts: 10,
		WatchSSHConfig: true,
		LogHistory:     1000,
		SSH: SSHConfig{
			Binary:              "ssh",
			ServerAliveInterval: 15,
			ServerAliveCountMax: 3,
			Options:             []string{"StrictHostKeyChecking=accept-new"},
		},
		Timeouts: TimeoutConfig{
			Establish: 20 * time.Second,
			Teardown:  10 * time.Second,
			Probe:     5 * time.Second,
			Forward:   5 * time.Second,
		},
		Health: HealthConfig{
			Interval:    10 * time.Second,
			Concurrency: 8,
			WakeGrace:   10 * time.Second,
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}
