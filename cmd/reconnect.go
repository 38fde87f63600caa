package cmd

import (
	"github.com/spf13/cobra"
)

func NewReconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "reconnect <alias>",
		Aliases:           []string{"r"},
		Short:             "Restart the control master of a host",
		Long:              `Restart the control master of a host and re-apply its enabled tunnels.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: hostCompletionFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := sendAndReport("RECONNECT "+args[0], true)
			return quietError(err)
		},
	}
}

func NewForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <alias>",
		Short: "Drop the connection state and tunnels of an inactive host",
		Long: `Drop the connection state and every tunnel of a host that is not
connected. The host stays available from the SSH config.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: hostCompletionFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := sendAndReport("FORGET "+args[0], false)
			return quietError(err)
		},
	}
}

func NewReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "reconcile <alias>",
		Short:             "Push pending tunnel changes of a connected host",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: activeHostCompletionFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := sendAndReport("RECONCILE "+args[0], false)
			return quietError(err)
		},
	}
}
