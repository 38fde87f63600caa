package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/core"
	"go.olrik.dev/stm/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run the daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := daemon.New(core.Config, daemon.Options{})
			return d.Run()
		},
	}

	return daemonCmd
}
