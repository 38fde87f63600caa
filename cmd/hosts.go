package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/daemon"
)

func NewHostsCommand() *cobra.Command {
	hostsCmd := &cobra.Command{
		Use:     "hosts",
		Aliases: []string{"h", "ls"},
		Short:   "List hosts from the SSH config, recently used first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			response, err := sendAndReportQuiet("HOSTS")
			if err != nil {
				return err
			}

			format, _ := cmd.Flags().GetString("format")
			if format == "json" {
				fmt.Println(string(response.Data))
				return nil
			}

			var hosts []daemon.HostView
			if err := response.DecodeData(&hosts); err != nil {
				return fmt.Errorf("failed to decode hosts: %w", err)
			}
			renderHosts(os.Stdout, hosts, stdoutIsTerminal())
			return nil
		},
	}
	hostsCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return hostsCmd
}

// sendAndReportQuiet starts the daemon if needed and returns the reply
// without logging its OK message.
func sendAndReportQuiet(command string) (daemon.Response, error) {
	if err := daemon.EnsureDaemonIsRunning(); err != nil {
		return daemon.Response{}, err
	}
	response, err := daemon.SendCommand(command)
	if err != nil {
		return response, fmt.Errorf("could not reach daemon: %w", err)
	}
	if response.HasErrors() {
		response.LogMessages()
		return response, errSilentExit
	}
	return response, nil
}

func renderHosts(w io.Writer, hosts []daemon.HostView, color bool) {
	if len(hosts) == 0 {
		fmt.Fprintln(w, "No hosts found in SSH config")
		return
	}

	width := 0
	for _, h := range hosts {
		width = max(width, len(h.Alias))
	}

	for _, h := range hosts {
		marker := " "
		if h.Recent {
			marker = "*"
		}
		line := fmt.Sprintf("%s %-*s  %s", marker, width, h.Alias, hostTarget(h.Host))
		if h.State != "" && h.State != "idle" {
			line += "  " + paint(string(h.State), stateColor(h.State), color)
		}
		if h.Tunnels > 0 {
			line += paint(fmt.Sprintf("  %d tunnel(s)", h.Tunnels), colorDim, color)
		}
		fmt.Fprintln(w, line)
	}
}
