package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmora/agentexec/history"
)

func newHistoryCommand(g *globalFlags) *cobra.Command {
	var (
		limit     int
		dbPath    string
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [execution-id]",
		Short: "Show recorded executions",
		Long: `Show executions recorded with "run --record" or history.enabled.

Without arguments, lists the most recent executions. With an execution ID,
shows that execution and each of its attempts.`,
		Example: `  # List the last 10 executions
  agentexec history --limit 10

  # Show one execution with its attempts
  agentexec history 6f1c2a7e-3c1b-4c55-9b7e-2f0f3f1f8a10

  # Delete executions older than 30 days
  agentexec history --prune 720h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			path := a.cfg.History.Path
			if dbPath != "" {
				path = dbPath
			}
			store, err := history.Open(path, history.WithLogger(a.log))
			if err != nil {
				return err
			}
			a.onClose(store)

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			switch {
			case olderThan > 0:
				n, err := store.Prune(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d executions\n", n)
				return nil
			case len(args) == 1:
				x, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printExecution(cmd, x)
				return nil
			}

			list, err := store.List(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tATTEMPTS\tDURATION\tPROMPT")
			for _, x := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					x.ID, x.StartedAt.Format(time.DateTime), statusText(x), x.AttemptCount,
					x.Duration().Round(time.Millisecond), oneLine(x.Prompt, 40))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions to list")
	cmd.Flags().StringVar(&dbPath, "history-db", "", "history database path (default from config)")
	cmd.Flags().DurationVar(&olderThan, "prune", 0, "delete executions older than this duration")

	return cmd
}

func printExecution(cmd *cobra.Command, x history.Execution) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "execution %s\n", x.ID)
	fmt.Fprintf(out, "  status:   %s\n", statusText(x))
	fmt.Fprintf(out, "  started:  %s\n", x.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  duration: %s\n", x.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "  prompt:   %s\n", oneLine(x.Prompt, 72))
	if x.ErrorMessage != "" {
		fmt.Fprintf(out, "  error:    %s\n", oneLine(x.ErrorMessage, 72))
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nATTEMPT\tPID\tSTATE\tCLASS\tDURATION")
	for _, at := range x.Attempts {
		d := time.Duration(0)
		if !at.FinishedAt.IsZero() {
			d = at.FinishedAt.Sub(at.StartedAt)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", at.Number, at.PID, at.State, dash(at.ErrorClass), d.Round(time.Millisecond))
	}
	tw.Flush()
}

func statusText(x history.Execution) string {
	if x.ErrorClass != "" {
		return x.Status + " (" + x.ErrorClass + ")"
	}
	return x.Status
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// oneLine flattens s to a single line of at most n runes.
func oneLine(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\r' || c == '\t' {
			r[i] = ' '
		}
	}
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return string(r)
}
