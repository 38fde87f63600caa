package cmd

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the stm daemon",
		Long: `Stop the stm daemon, tearing down every control master.

Desired tunnels are saved first and restored on the next start when
auto_restore is enabled.`,
		Aliases: []string{"shutdown", "quit"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STOP")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()

			if err := daemon.WaitForDaemonStop(10 * time.Second); err != nil {
				slog.Warn("Daemon did not shut down within timeout, but stop command was sent")
				return
			}
			slog.Debug("Daemon shutdown confirmed")
		},
	}
}
