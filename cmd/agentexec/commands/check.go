package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and check that the agent CLI is installed",
		Example: `  # Check the default setup
  agentexec check

  # Check a specific config file
  agentexec check --config agentexec.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "config: ok")

			engine := a.engine()
			defer engine.Cleanup()
			if err := engine.Validate(); err != nil {
				fmt.Fprintf(out, "backend: %v\n", err)
				return err
			}
			fmt.Fprintf(out, "backend: ok (%s %s)\n", a.cfg.Backend.Name, a.cfg.Backend.Executable())
			return nil
		},
	}
}
