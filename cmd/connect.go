package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/daemon"
)

var errCommandFailed = errors.New("command failed")

// sendAndReport starts the daemon when asked, sends command and logs the
// reply. It returns errCommandFailed when the reply carries an error.
func sendAndReport(command string, startDaemon bool) (daemon.Response, error) {
	if startDaemon {
		if err := daemon.EnsureDaemonIsRunning(); err != nil {
			return daemon.Response{}, err
		}
	}
	response, err := daemon.SendCommand(command)
	if err != nil {
		return response, fmt.Errorf("could not reach daemon: %w", err)
	}
	response.LogMessages()
	if response.HasErrors() {
		return response, errCommandFailed
	}
	return response, nil
}

// hostCompletionFunc completes host aliases known to the daemon
func hostCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	response, err := daemon.SendCommand("HOSTS")
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var hosts []daemon.HostView
	response.DecodeData(&hosts)

	aliases := make([]string, 0, len(hosts))
	for _, h := range hosts {
		aliases = append(aliases, h.Alias)
	}
	return aliases, cobra.ShellCompDirectiveNoFileComp
}

func NewConnectCommand() *cobra.Command {
	connectCmd := &cobra.Command{
		Use:               "connect <alias>",
		Aliases:           []string{"c"},
		Short:             "Connect to a host and apply its enabled tunnels",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: hostCompletionFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := sendAndReport("CONNECT "+args[0], true)
			return quietError(err)
		},
	}

	return connectCmd
}

// quietError hides errCommandFailed from cobra's error output since the
// daemon's messages have already been logged.
func quietError(err error) error {
	if errors.Is(err, errCommandFailed) {
		return errSilentExit
	}
	return err
}

// errSilentExit makes main exit non-zero without printing anything
var errSilentExit = errors.New("")

// IsSilentExit reports whether err should end the process without output
func IsSilentExit(err error) bool {
	return errors.Is(err, errSilentExit)
}
