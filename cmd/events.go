package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/stm/internal/daemon"
)

func NewEventsCommand() *cobra.Command {
	var limit int

	eventsCmd := &cobra.Command{
		Use:               "events [alias]",
		Aliases:           []string{"history"},
		Short:             "Show recent connection and tunnel events from the audit log",
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: hostCompletionFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := fmt.Sprintf("EVENTS %d", limit)
			if len(args) == 1 {
				command += " " + args[0]
			}
			response, err := sendAndReportQuiet(command)
			if err != nil {
				return err
			}

			format, _ := cmd.Flags().GetString("format")
			if format == "json" {
				fmt.Println(string(response.Data))
				return nil
			}

			var data daemon.EventsData
			if err := response.DecodeData(&data); err != nil {
				return fmt.Errorf("failed to decode events: %w", err)
			}
			renderEvents(os.Stdout, data, stdoutIsTerminal())
			return nil
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events per category")
	eventsCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return eventsCmd
}

type eventLine struct {
	at   time.Time
	text string
}

// renderEvents merges all audit rows into one timeline, oldest first
func renderEvents(w io.Writer, data daemon.EventsData, color bool) {
	var lines []eventLine
	for _, e := range data.Connections {
		text := fmt.Sprintf("%-12s %s -> %s", e.Host, e.FromState, e.ToState)
		if e.Reason != "" {
			text += paint(fmt.Sprintf(" (%s: %s)", e.ErrorKind, e.Reason), colorRed, color)
		}
		lines = append(lines, eventLine{e.Timestamp, text})
	}
	for _, e := range data.Tunnels {
		text := fmt.Sprintf("%-12s tunnel %s %s", e.Host, e.Forward, e.EventType)
		if e.Details != "" {
			text += paint(fmt.Sprintf(" (%s)", e.Details), colorRed, color)
		}
		lines = append(lines, eventLine{e.Timestamp, text})
	}
	for _, e := range data.Daemon {
		lines = append(lines, eventLine{e.Timestamp, paint(fmt.Sprintf("%-12s %s", "daemon", e.Details), colorCyan, color)})
	}

	if len(lines) == 0 {
		fmt.Fprintln(w, "No events recorded")
		return
	}

	slices.SortStableFunc(lines, func(a, b eventLine) int {
		return a.at.Compare(b.at)
	})
	for _, l := range lines {
		fmt.Fprintf(w, "%s %s\n", paint(l.at.Local().Format(time.DateTime), colorDim, color), l.text)
	}
}
