package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/engine/cli"
	"github.com/dmora/agentexec/filter"
	"github.com/dmora/agentexec/history"
	"github.com/dmora/agentexec/telemetry"
)

type runFlags struct {
	sync        bool
	jsonOut     bool
	only        []string
	model       string
	maxTurns    int
	timeout     time.Duration
	retries     int
	breaker     bool
	stdin       bool
	workDir     string
	env         map[string]string
	metricsAddr string
	trace       bool
	record      bool
	historyDB   string
}

func newRunCommand(g *globalFlags) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <prompt...>",
		Short: "Run a prompt through the agent CLI",
		Long: `Run a prompt and stream the classified output.

By default only stream and result content is printed, as it arrives.
--verbose prints every message with its kind; --json prints one JSON
object per message. --sync waits for completion and prints the joined
output of the final attempt. Use "-" as the prompt to read it from stdin.`,
		Example: `  # Stream an answer
  agentexec run "What is 2+2?"

  # Retry transient failures up to 3 attempts, print JSON messages
  agentexec run --retries 3 --json "Summarize README.md"

  # Only print tool use and errors
  agentexec run --only tool_use --only error "Fix the failing test"

  # Read the prompt from stdin and record the run in history
  git diff | agentexec run --record -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return runPrompt(cmd, g, f, prompt)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&f.sync, "sync", false, "wait for completion and print the joined output")
	flags.BoolVar(&f.jsonOut, "json", false, "print every message as a JSON line")
	flags.StringSliceVar(&f.only, "only", nil, "only print messages of these kinds")
	flags.StringVarP(&f.model, "model", "m", "", "model override")
	flags.IntVar(&f.maxTurns, "max-turns", 0, "agentic turn limit (0 = no limit)")
	flags.DurationVar(&f.timeout, "timeout", 0, "per-attempt timeout (default from config)")
	flags.IntVar(&f.retries, "retries", 0, "total attempts for transient failures (0 = from config)")
	flags.BoolVar(&f.breaker, "breaker", false, "enable the circuit breaker")
	flags.BoolVar(&f.stdin, "prompt-stdin", false, "deliver the prompt over the process stdin")
	flags.StringVar(&f.workDir, "workdir", "", "working directory of the agent process")
	flags.StringToStringVar(&f.env, "env", nil, "extra environment variables (KEY=VALUE)")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.BoolVar(&f.trace, "trace", false, "write OpenTelemetry spans to stderr")
	flags.BoolVar(&f.record, "record", false, "record the execution in the history database")
	flags.StringVar(&f.historyDB, "history-db", "", "history database path (default from config)")

	return cmd
}

// readPrompt joins args, or reads all of in when the only arg is "-".
func readPrompt(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	}
	return strings.Join(args, " "), nil
}

func runPrompt(cmd *cobra.Command, g *globalFlags, f *runFlags, prompt string) error {
	a, err := loadApp(g)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	engineOpts, metrics, err := f.observers(ctx, cmd, a)
	if err != nil {
		return err
	}
	engine := a.engine(engineOpts...)
	defer engine.Cleanup()
	if err := metrics.WatchResources(engine.ResourceStats); err != nil {
		return err
	}

	opts := f.options(cmd, a)
	if f.sync {
		out, err := engine.ExecuteSync(ctx, prompt, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	return f.stream(cmd, g, engine.Execute(ctx, prompt, opts...))
}

// observers wires metrics, tracing, and history according to flags and
// config, registering their shutdown with a. The returned Metrics is
// disabled unless a metrics endpoint was requested.
func (f *runFlags) observers(ctx context.Context, cmd *cobra.Command, a *app) ([]cli.EngineOption, *telemetry.Metrics, error) {
	var opts []cli.EngineOption
	tcfg := a.cfg.Telemetry

	if f.metricsAddr != "" {
		tcfg.Metrics.Enabled = true
		tcfg.Metrics.ListenAddress = f.metricsAddr
	}
	metrics := telemetry.NewMetrics(tcfg.Metrics)
	if metrics.Enabled() {
		opts = append(opts, cli.WithObserver(metrics))
		go func() {
			if err := metrics.Serve(ctx, a.log); err != nil {
				a.log.Warn().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	if f.trace {
		tcfg.Tracing.Enabled = true
	}
	if tcfg.Tracing.Enabled {
		tp, err := telemetry.NewTracerProvider(tcfg, cmd.ErrOrStderr())
		if err != nil {
			return nil, nil, err
		}
		a.onClose(closerFunc(func() error {
			return telemetry.Shutdown(context.WithoutCancel(ctx), tp)
		}))
	}

	if f.record || a.cfg.History.Enabled {
		path := a.cfg.History.Path
		if f.historyDB != "" {
			path = f.historyDB
		}
		store, err := history.Open(path, history.WithLogger(a.log))
		if err != nil {
			return nil, nil, err
		}
		a.onClose(store)
		opts = append(opts, cli.WithObserver(store))
	}
	return opts, metrics, nil
}

// options layers command-line overrides on the configured execution options.
func (f *runFlags) options(cmd *cobra.Command, a *app) []agentexec.Option {
	opts := []agentexec.Option{a.cfg.Options()}
	changed := cmd.Flags().Changed

	if changed("model") {
		opts = append(opts, agentexec.WithModel(f.model))
	}
	if changed("max-turns") {
		opts = append(opts, agentexec.WithMaxTurns(f.maxTurns))
	}
	if changed("timeout") {
		opts = append(opts, agentexec.WithTimeout(f.timeout))
	}
	if changed("prompt-stdin") {
		opts = append(opts, agentexec.WithPromptViaStdin(f.stdin))
	}
	if changed("workdir") {
		opts = append(opts, agentexec.WithWorkDir(f.workDir))
	}
	for k, v := range f.env {
		opts = append(opts, agentexec.WithEnv(k, v))
	}
	if f.retries > 0 {
		rs := agentexec.DefaultRetryStrategy()
		if configured := a.cfg.ExecutionOptions().Retry; configured != nil {
			rs = *configured
		}
		rs.MaxAttempts = f.retries
		opts = append(opts, agentexec.WithRetry(rs))
	}
	if f.breaker {
		cb := agentexec.DefaultCircuitBreakerConfig()
		if configured := a.cfg.ExecutionOptions().CircuitBreaker; configured != nil {
			cb = *configured
		}
		opts = append(opts, agentexec.WithCircuitBreaker(cb))
	}
	return opts
}

// stream prints messages as they arrive and returns the terminal error,
// if any.
func (f *runFlags) stream(cmd *cobra.Command, g *globalFlags, seq iter.Seq[agentexec.Message]) error {
	var terminal error
	seq = filter.Where(seq, func(msg agentexec.Message) bool {
		if msg.Kind == agentexec.KindError && msg.Source == agentexec.SourceEngine {
			terminal = agentexec.ErrorFromMessage(msg)
		}
		return true
	})
	if len(f.only) > 0 {
		kinds := make([]agentexec.MessageKind, len(f.only))
		for i, k := range f.only {
			kinds[i] = agentexec.MessageKind(k)
		}
		seq = filter.Kinds(seq, kinds...)
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	enc := json.NewEncoder(out)

	for msg := range seq {
		switch {
		case f.jsonOut:
			if err := enc.Encode(msg); err != nil {
				return fmt.Errorf("encode message: %w", err)
			}
		case g.verbose || len(f.only) > 0:
			fmt.Fprintf(out, "[%s] %s\n", msg.Kind, msg.Content)
		case msg.IsOutput():
			fmt.Fprintln(out, msg.Content)
		case msg.Source == agentexec.SourceEngine:
			fmt.Fprintf(errOut, "agentexec: %s\n", msg.Content)
		}
	}
	return terminal
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
