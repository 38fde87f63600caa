package core

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	BaseDirName      = ".config/stm"
	ConfigFileName   = "config.hcl"
	PidFileName      = "daemon.pid"
	SocketName       = "daemon.sock"
	HistoryFileName  = "history.json"
	DatabaseFileName = "stm.db"
)

// DefaultConfigPath returns ~/.config/stm, or a relative fallback when the
// home directory cannot be determined.
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(homeDir, BaseDirName)
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetHistoryPath() string {
	return filepath.Join(Config.ConfigPath, HistoryFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseFileName)
}

const defaultConfigTemplate = `# stm configuration

# SSH client config the host list is read from
ssh_config = "~/.ssh/config"

# Directory for ControlMaster sockets (defaults to <config path>/sockets)
# socket_dir = "~/.config/stm/sockets"

# Connect hosts that have enabled saved tunnels when the daemon starts
auto_restore = false

max_recent_hosts = 10
watch_ssh_config = true

ssh {
  binary                 = "ssh"
  server_alive_interval  = 15
  server_alive_count_max = 3
  options                = ["StrictHostKeyChecking=accept-new"]
}

timeouts {
  establish = "20s"
  teardown  = "10s"
  probe     = "5s"
  forward   = "5s"
}

health {
  interval    = "10s"
  concurrency = 8
  wake_grace  = "10s"
}
`

func writeDefaultConfig(filename string) error {
	if err := os.WriteFile(filename, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}

// InitializeConfig loads config.hcl from configPath into the global Config.
// A default file is written on first run.
func InitializeConfig(configPath string, verbose int) error {
	if err := os.MkdirAll(configPath, 0o755); err != nil {
		return fmt.Errorf("failed to create config path: %w", err)
	}

	filename := filepath.Join(configPath, ConfigFileName)

	if !ConfigExists(filename) {
		if err := writeDefaultConfig(filename); err != nil {
			return err
		}
	}

	cfg, err := LoadConfig(filename)
	if err != nil {
		return err
	}

	cfg.ConfigPath = configPath
	if cfg.SocketDir == "" {
		cfg.SocketDir = filepath.Join(configPath, "sockets")
	}
	if verbose > cfg.Verbose {
		cfg.Verbose = verbose
	}

	Config = cfg
	return nil
}
