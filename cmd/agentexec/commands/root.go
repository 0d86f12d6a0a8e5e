package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// BuildInfo carries version metadata injected at build time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// globalFlags holds persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	verbose    bool
}

// Execute runs the root command.
func Execute(ctx context.Context, info BuildInfo) error {
	return newRootCommand(info).ExecuteContext(ctx)
}

func newRootCommand(info BuildInfo) *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "agentexec",
		Short: "agentexec - resilient execution of AI agent CLIs",
		Long: `agentexec runs prompts through an external agent CLI (Claude Code by
default) and streams its classified output.

Each execution is supervised: the process runs in its own process group,
is bounded by a timeout, and is terminated with SIGTERM then SIGKILL when
abandoned. Transient failures can be retried with exponential backoff and
repeated failures open a circuit breaker.

Configuration is read from --config, or from $AGENTEXEC_CONFIG.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file path (.yaml, .yml, .toml)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "print every message kind, not only output")

	rootCmd.AddCommand(newRunCommand(g))
	rootCmd.AddCommand(newCheckCommand(g))
	rootCmd.AddCommand(newHistoryCommand(g))
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}
