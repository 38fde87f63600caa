package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/daemon"
	"go.olrik.dev/stm/internal/orchestrator"
)

// activeHostCompletionFunc completes aliases of connected hosts
func activeHostCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	response, err := daemon.SendCommand("STATUS")
	if err != nil {
		// No daemon, nothing to disconnect
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var status daemon.StatusData
	response.DecodeData(&status)

	var active []string
	for _, c := range status.Connections {
		if c.State == orchestrator.StateConnected {
			active = append(active, c.Host.Alias)
		}
	}
	return active, cobra.ShellCompDirectiveNoFileComp
}

func NewDisconnectCommand() *cobra.Command {
	var all bool

	disconnectCmd := &cobra.Command{
		Use:               "disconnect [alias]",
		Aliases:           []string{"d"},
		Short:             "Tear down the control master of a host",
		Long: `Tear down the control master of a host. Its tunnels stay defined and
are applied again on the next connect.

Without an alias, or with --all, every connected host is disconnected.`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: activeHostCompletionFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "DISCONNECT --all"
			if len(args) == 1 && !all {
				command = "DISCONNECT " + args[0]
			}
			_, err := sendAndReport(command, false)
			return quietError(err)
		},
	}
	disconnectCmd.Flags().BoolVarP(&all, "all", "a", false, "Disconnect every connected host")

	return disconnectCmd
}
