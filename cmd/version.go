package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/core"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stderr, "Client version: %s\n", core.Version)

			version, ok := daemonVersion()
			if !ok {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}
			fmt.Fprintf(os.Stderr, "Daemon version: %s\n", version)

			if version != core.Version {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon.", core.Version, version))
			}
		},
	}

	return versionCmd
}
