package cmd

import (
	"github.com/spf13/cobra"
)

func NewReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the SSH config without touching connections",
		Long: `Re-read the SSH config in the running daemon.

Connections and tunnels are kept. A host whose address changed picks up
the new address on its next connect. The daemon also reloads on SIGHUP
and, when watch_ssh_config is enabled, whenever the file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := sendAndReport("RELOAD", false)
			return quietError(err)
		},
	}
}
