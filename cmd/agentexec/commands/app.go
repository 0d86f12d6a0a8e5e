package commands

import (
	"errors"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/dmora/agentexec/config"
	"github.com/dmora/agentexec/engine/cli"
	"github.com/dmora/agentexec/telemetry"
)

// app is the per-invocation state shared by subcommands: the resolved
// config and the logger built from it.
type app struct {
	cfg     config.File
	log     zerolog.Logger
	closers []io.Closer
}

// loadApp resolves the config file and builds the logger. --log-level and
// $LOG_LEVEL override the configured level, in that order.
func loadApp(g *globalFlags) (*app, error) {
	cfg, err := config.Resolve(g.configPath)
	if err != nil {
		return nil, err
	}
	switch {
	case g.logLevel != "":
		cfg.Telemetry.Logging.Level = g.logLevel
	case os.Getenv("LOG_LEVEL") != "":
		cfg.Telemetry.Logging.Level = os.Getenv("LOG_LEVEL")
	}

	log, closer, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, closers: []io.Closer{closer}}, nil
}

// engine builds a CLI engine for the configured backend.
func (a *app) engine(extra ...cli.EngineOption) *cli.Engine {
	opts := append(a.cfg.EngineOptions(), cli.WithLogger(a.log))
	opts = append(opts, extra...)
	return cli.NewEngine(a.cfg.Spawner(), opts...)
}

// onClose registers c to be closed by close.
func (a *app) onClose(c io.Closer) {
	a.closers = append(a.closers, c)
}

// close releases everything registered with onClose, newest first.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
