package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the stm daemon",
		Long: `Start the stm daemon in the background.

The daemon owns every SSH control master and keeps running until it is
stopped with 'stm stop'. If the daemon is already running, this command
reports its version.`,
		Aliases: []string{"boot"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if version, ok := daemonVersion(); ok {
				slog.Info(fmt.Sprintf("Daemon is already running (version %s)", version))
				return nil
			}

			slog.Info("Starting stm daemon...")
			if err := daemon.EnsureDaemonIsRunning(); err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}
			slog.Info("Daemon started successfully")
			return nil
		},
	}
}

// daemonVersion asks a running daemon for its version
func daemonVersion() (string, bool) {
	response, err := daemon.SendCommand("VERSION")
	if err != nil {
		return "", false
	}
	var data struct {
		Version string `json:"version"`
	}
	if err := response.DecodeData(&data); err != nil || data.Version == "" {
		return "unknown", true
	}
	return data.Version, true
}
