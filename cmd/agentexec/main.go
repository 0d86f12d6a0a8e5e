// Command agentexec runs prompts through the Claude CLI with retries,
// circuit breaking, and process supervision.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/cmd/agentexec/commands"
	"github.com/dmora/agentexec/registry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := commands.Execute(ctx, commands.BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	})
	stop()

	// Safety net for processes an interrupted command did not clean up.
	if n, reapErr := registry.Shared().Reap(); n > 0 || reapErr != nil {
		log.Warn().Int("processes", n).Err(reapErr).Msg("reaped leftover processes")
	}

	if err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitCode(err))
	}
}

// setupLogging configures the global zerolog logger used before a config
// file has been read.
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// exitCode maps an error class to a process exit status.
func exitCode(err error) int {
	var e *agentexec.Error
	if !errors.As(err, &e) {
		return 1
	}
	switch e.Class {
	case agentexec.ClassNotFound:
		return 127
	case agentexec.ClassConfig:
		return 2
	case agentexec.ClassCanceled:
		return 130
	default:
		return 1
	}
}
