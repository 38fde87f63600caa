package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/control"
)

func NewTunnelCommand() *cobra.Command {
	tunnelCmd := &cobra.Command{
		Use:     "tunnel",
		Aliases: []string{"t"},
		Short:   "Manage port forwards on a host",
		Long: `Manage port forwards on a host.

Forwards are written as LOCAL_PORT:REMOTE_HOST:REMOTE_PORT, for example
5432:localhost:5432. Changes to a connected host are applied right away,
otherwise on the next connect.`,
	}

	tunnelCmd.AddCommand(
		newTunnelSetCommand("add", []string{"enable", "on"}, "Define or enable a forward", true),
		newTunnelSetCommand("disable", []string{"off"}, "Disable a forward and keep its definition", false),
		&cobra.Command{
			Use:               "delete <alias> <spec|id>",
			Aliases:           []string{"rm", "del"},
			Short:             "Remove a forward, cancelling it first if applied",
			Args:              cobra.ExactArgs(2),
			ValidArgsFunction: hostCompletionFunc,
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := sendAndReport(fmt.Sprintf("TUNNEL_DELETE %s %s", args[0], args[1]), false)
				return quietError(err)
			},
		},
	)

	return tunnelCmd
}

func newTunnelSetCommand(use string, aliases []string, short string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:               use + " <alias> <spec>",
		Aliases:           aliases,
		Short:             short,
		Args:              cobra.ExactArgs(2),
		ValidArgsFunction: hostCompletionFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validate locally for a clearer message before starting the daemon
			forward, err := control.ParseForward(args[1])
			if err != nil {
				return err
			}
			state := "off"
			if enable {
				state = "on"
			}
			_, err = sendAndReport(fmt.Sprintf("TUNNEL_SET %s %s %s", args[0], forward.Spec(), state), enable)
			return quietError(err)
		},
	}
}
