package cli_test

import (
	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/engine/cli"
)

// Compile-time interface satisfaction checks.
// These fail the build if any signature drifts.

type stubSpawner struct{}

func (stubSpawner) SpawnArgs(_ string, _ agentexec.ExecutionOptions) (string, []string) {
	return "", nil
}

var _ cli.Spawner = stubSpawner{}

type stubInputFormatter struct{}

func (stubInputFormatter) FormatInput(_ string) ([]byte, error) { return nil, nil }

var _ cli.InputFormatter = stubInputFormatter{}

var _ agentexec.Executor = (*cli.Engine)(nil)
