package cmd

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"go.olrik.dev/stm/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "stm",
		Short: "stm - SSH tunnel manager",
		Long: `stm - SSH tunnel manager

Keeps one SSH ControlMaster per host from your SSH config and adds or
removes port forwards on it without reconnecting.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupClientLogging(verbose)
			return core.InitializeConfig(configPath, verbose)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", core.DefaultConfigPath(), "config path")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewStatusCommand(),
		NewHostsCommand(),
		NewConnectCommand(),
		NewDisconnectCommand(),
		NewReconnectCommand(),
		NewForgetCommand(),
		NewTunnelCommand(),
		NewReconcileCommand(),
		NewWatchCommand(),
		NewEventsCommand(),
		NewLogsCommand(),
		NewReloadCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// setupClientLogging routes slog output of the CLI to stderr without
// timestamps.
func setupClientLogging(verbose int) {
	level := slog.LevelInfo
	if verbose > 0 {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "",
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})))
}

// stdoutIsTerminal reports whether color output makes sense
func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
